// Package pipeline runs the routing request through its ordered
// stages: validate, load branches, embed, classify, execute. Stages
// are modeled as uniform values over a shared Context, folded in
// sequence under a single deadline; every stage here is critical, so
// any stage error aborts the request.
package pipeline

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/driftos/driftrouter/internal/classifier"
	"github.com/driftos/driftrouter/internal/embedclient"
	"github.com/driftos/driftrouter/internal/executor"
	"github.com/driftos/driftrouter/internal/routeerr"
	"github.com/driftos/driftrouter/internal/similarity"
	"github.com/driftos/driftrouter/internal/store"
	"github.com/driftos/driftrouter/internal/telemetry"
)

// Policy carries the classifier thresholds and pipeline-wide limits,
// overridable per request.
type Policy struct {
	StayThreshold          float64
	NewClusterThreshold    float64
	RouteThreshold         float64
	TopicReturnBoostFactor float64
	MaxBranchesForContext  int
	Timeout                time.Duration
	EmbeddingPreprocess    bool
}

// Request is the inbound routing request.
type Request struct {
	ConversationID  string
	Content         string
	Role            string
	CurrentBranchID string
	ExtractFacts    bool
}

// Context carries every stage's inputs and outputs as the fold
// proceeds. Reason codes accumulate across stages; the final set is
// what the API response exposes.
type Context struct {
	Request Request
	Policy  Policy

	Branches        []store.Branch
	CurrentBranch   *store.Branch
	LastMessage     string
	HasLastMessage  bool
	NewConversation bool

	Embedding []float32

	Classification classifier.Classification
	Result         executor.Result

	ReasonCodes []string
}

func (c *Context) addReasonCode(codes ...string) {
	c.ReasonCodes = append(c.ReasonCodes, codes...)
}

// stage is the uniform unit the runner folds over: a name for
// diagnostics, and a function from the shared Context to an error.
// Every stage in this pipeline is critical — none may be skipped on
// failure.
type stage struct {
	name string
	fn   func(ctx context.Context, pc *Context) error
}

// Locker is the narrow interface the pipeline needs for the optional
// per-conversation advisory lock; internal/lock.RedisLocker implements it.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// Pipeline wires the components each stage needs.
type Pipeline struct {
	Store     *store.Store
	Embedder  *embedclient.Client
	Executor  *executor.Executor
	Locker    Locker               // optional; nil runs every request unlocked
	Telemetry *telemetry.Telemetry // optional; nil records nothing
}

// New constructs a Pipeline with no conversation lock. Use WithLocker
// to enable the advisory lock for deployments that want to narrow (not
// eliminate) the sibling-branch race described in the concurrency
// design notes.
func New(st *store.Store, embedder *embedclient.Client, exec *executor.Executor) *Pipeline {
	return &Pipeline{Store: st, Embedder: embedder, Executor: exec}
}

// WithLocker attaches a conversation-level advisory lock to an
// existing Pipeline and returns it for chaining.
func (p *Pipeline) WithLocker(l Locker) *Pipeline {
	p.Locker = l
	return p
}

// WithTelemetry attaches tracing spans and pipeline-latency recording
// to an existing Pipeline and returns it for chaining.
func (p *Pipeline) WithTelemetry(t *telemetry.Telemetry) *Pipeline {
	p.Telemetry = t
	return p
}

// Run executes all stages in order under a single deadline. On
// deadline expiry the request fails with Timeout; any rows already
// committed by prior stages remain (no compensating deletes).
func (p *Pipeline) Run(ctx context.Context, req Request, policy Policy) (*Context, error) {
	timeout := policy.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if p.Locker != nil && strings.TrimSpace(req.ConversationID) != "" {
		release, err := p.Locker.Lock(ctx, req.ConversationID)
		if err == nil {
			defer release()
		}
		// Lock acquisition failure degrades to running unlocked: the
		// lock is an optimization over an already-safe design, never
		// a correctness requirement (spec.md §5).
	}

	pc := &Context{Request: req, Policy: policy}

	stages := []stage{
		{"validate", p.validate},
		{"load_branches", p.loadBranches},
		{"embed", p.embed},
		{"classify", p.classify},
		{"execute", p.execute},
	}

	start := time.Now()
	for _, s := range stages {
		if err := p.runStage(ctx, s, pc); err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return nil, routeerr.Timeout(err, "pipeline stage %s exceeded deadline", s.name)
			}
			return nil, err
		}
	}
	if p.Telemetry != nil {
		p.Telemetry.PipelineLatency.Observe(time.Since(start).Seconds())
	}
	return pc, nil
}

// runStage runs a single stage, wrapping it in a tracing span when
// telemetry is configured.
func (p *Pipeline) runStage(ctx context.Context, s stage, pc *Context) error {
	if p.Telemetry == nil {
		return s.fn(ctx, pc)
	}
	spanCtx, span := p.Telemetry.Tracer.Start(ctx, "pipeline."+s.name)
	defer span.End()
	if err := s.fn(spanCtx, pc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (p *Pipeline) validate(ctx context.Context, pc *Context) error {
	req := pc.Request
	if strings.TrimSpace(req.ConversationID) == "" {
		return routeerr.InvalidInput("conversationId is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return routeerr.InvalidInput("content is required")
	}
	if req.Role == "" {
		pc.Request.Role = "user"
	} else if req.Role != "user" && req.Role != "assistant" {
		return routeerr.InvalidInput("role must be \"user\" or \"assistant\"")
	}
	return p.Store.UpsertConversation(ctx, req.ConversationID)
}

func (p *Pipeline) loadBranches(ctx context.Context, pc *Context) error {
	branches, err := p.Store.ListBranches(ctx, pc.Request.ConversationID)
	if err != nil {
		return err
	}
	if len(branches) > pc.Policy.MaxBranchesForContext {
		branches = branches[:pc.Policy.MaxBranchesForContext]
	}
	pc.Branches = branches

	if len(branches) == 0 {
		pc.NewConversation = true
		pc.addReasonCode("new_conversation")
		return nil
	}

	if pc.Request.CurrentBranchID != "" {
		for i := range branches {
			if branches[i].ID == pc.Request.CurrentBranchID {
				pc.CurrentBranch = &branches[i]
				break
			}
		}
		if pc.CurrentBranch == nil {
			return routeerr.NotFound("branch %s not found", pc.Request.CurrentBranchID)
		}
	} else {
		pc.CurrentBranch = &branches[0]
	}

	content, ok, err := p.Store.LoadLastMessageContent(ctx, pc.CurrentBranch.ID)
	if err != nil {
		return err
	}
	pc.LastMessage = content
	pc.HasLastMessage = ok
	return nil
}

func (p *Pipeline) embed(ctx context.Context, pc *Context) error {
	embedding, err := p.Embedder.Embed(ctx, pc.Request.Content, pc.Policy.EmbeddingPreprocess)
	if err != nil {
		return err
	}
	pc.Embedding = embedding
	return nil
}

func (p *Pipeline) classify(ctx context.Context, pc *Context) error {
	var others []store.Branch
	for _, b := range pc.Branches {
		if pc.CurrentBranch != nil && b.ID == pc.CurrentBranch.ID {
			continue
		}
		others = append(others, b)
	}

	in := classifier.Input{
		Role:               pc.Request.Role,
		Content:            pc.Request.Content,
		Embedding:          pc.Embedding,
		CurrentBranch:      pc.CurrentBranch,
		OtherBranches:      others,
		LastMessageContent: pc.LastMessage,
		HasLastMessage:     pc.HasLastMessage,
		Policy: classifier.Policy{
			StayThreshold:          pc.Policy.StayThreshold,
			NewClusterThreshold:    pc.Policy.NewClusterThreshold,
			RouteThreshold:         pc.Policy.RouteThreshold,
			TopicReturnBoostFactor: pc.Policy.TopicReturnBoostFactor,
		},
	}

	if pc.HasLastMessage && pc.CurrentBranch != nil {
		in.DriftAnalysis = func() (embedclient.DriftAnalysis, bool) {
			analysis, err := p.Embedder.AnalyzeDrift(ctx, pc.Request.Content, pc.LastMessage, pc.Embedding, pc.CurrentBranch.Centroid)
			if err != nil {
				raw, cosErr := similarity.Cosine(pc.Embedding, pc.CurrentBranch.Centroid)
				if cosErr != nil {
					raw = 0
				}
				return embedclient.FallbackDriftAnalysis(raw), true
			}
			return analysis, true
		}
	}

	pc.Classification = classifier.Classify(in)
	pc.addReasonCode(pc.Classification.ReasonCodes...)
	return nil
}

func (p *Pipeline) execute(ctx context.Context, pc *Context) error {
	extractFacts := pc.Request.ExtractFacts
	result, err := p.Executor.Execute(ctx, pc.Request.ConversationID, pc.Request.Role, pc.Request.Content, pc.Embedding, pc.CurrentBranch, pc.Classification, extractFacts)
	if err != nil {
		return err
	}
	result.ReasonCodes = pc.ReasonCodes
	pc.Result = result
	return nil
}
