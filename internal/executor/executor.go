// Package executor materializes a classifier decision: it resolves
// the target branch (creating one for BRANCH), inserts the message,
// updates the target's centroid transactionally, and fires the async
// fact-extraction side effect.
package executor

import (
	"context"

	"github.com/driftos/driftrouter/internal/classifier"
	"github.com/driftos/driftrouter/internal/routeerr"
	"github.com/driftos/driftrouter/internal/similarity"
	"github.com/driftos/driftrouter/internal/store"
	"github.com/driftos/driftrouter/internal/telemetry"
)

// FactTrigger is the narrow interface the executor needs to kick off
// asynchronous fact extraction; internal/facts.Extractor implements it.
type FactTrigger interface {
	TriggerAsync(branchID string)
}

// Executor owns the store and the fact-extraction trigger.
type Executor struct {
	Store     *store.Store
	Facts     FactTrigger
	Telemetry *telemetry.Telemetry // optional; nil records nothing
}

// New constructs an Executor.
func New(st *store.Store, facts FactTrigger) *Executor {
	return &Executor{Store: st, Facts: facts}
}

// WithTelemetry attaches routing-decision counting to an existing
// Executor and returns it for chaining.
func (e *Executor) WithTelemetry(t *telemetry.Telemetry) *Executor {
	e.Telemetry = t
	return e
}

// Result is the materialized outcome of a routing decision, with full
// provenance for the HTTP response.
type Result struct {
	Action           classifier.Action
	DriftAction      similarity.DriftAction
	BranchID         string
	MessageID        string
	ConversationID   string
	PreviousBranchID string
	IsNewBranch      bool
	IsNewCluster     bool
	BranchTopic      string
	Similarity       float64
	Confidence       float64
	Reason           string
	ReasonCodes      []string
}

// Execute runs the single critical section implied by a classification:
// resolve/create the branch, append the message, fold the centroid,
// and kick off fact extraction when the branch relationship changed.
func (e *Executor) Execute(ctx context.Context, conversationID, role, content string, embedding []float32, currentBranch *store.Branch, class classifier.Classification, extractFacts bool) (Result, error) {
	var targetBranchID string
	var previousBranchID string
	isNewBranch := class.Action == classifier.Branch

	switch class.Action {
	case classifier.Stay:
		if currentBranch == nil {
			return Result{}, routeerr.Internal(nil, "STAY decision with no current branch")
		}
		targetBranchID = currentBranch.ID

	case classifier.Route:
		if class.TargetBranchID == "" {
			return Result{}, routeerr.Internal(nil, "ROUTE decision with no target branch")
		}
		targetBranchID = class.TargetBranchID
		if currentBranch != nil {
			previousBranchID = currentBranch.ID
		}

	case classifier.Branch:
		var parentID *string
		if class.ParentBranchID != "" {
			id := class.ParentBranchID
			parentID = &id
		}
		summary := class.NewBranchTopic
		if summary == "" {
			summary = truncate(content, 100)
		}
		driftType := store.DriftTypeFunctional
		if class.DriftAction == similarity.BranchNewCluster {
			driftType = store.DriftTypeSemantic
		}
		newBranch, err := e.Store.CreateBranch(ctx, conversationID, parentID, summary, embedding, driftType)
		if err != nil {
			return Result{}, err
		}
		targetBranchID = newBranch.ID
		if currentBranch != nil {
			previousBranchID = currentBranch.ID
		}

	default:
		return Result{}, routeerr.Internal(nil, "unknown classifier action %q", class.Action)
	}

	msg, err := e.Store.InsertMessage(ctx, conversationID, targetBranchID, role, content, embedding)
	if err != nil {
		return Result{}, err
	}

	if class.Action != classifier.Branch {
		err := e.Store.UpdateCentroidTx(ctx, targetBranchID, func(old []float32, priorCount int) []float32 {
			return similarity.UpdateCentroid(old, embedding, priorCount, role)
		})
		if err != nil {
			return Result{}, err
		}
	}

	if (class.Action == classifier.Branch || class.Action == classifier.Route) && extractFacts && previousBranchID != "" && e.Facts != nil {
		e.Facts.TriggerAsync(previousBranchID)
	}

	if e.Telemetry != nil {
		e.Telemetry.RoutingDecisions.WithLabelValues(string(class.Action)).Inc()
	}

	return Result{
		Action:           class.Action,
		DriftAction:      class.DriftAction,
		BranchID:         targetBranchID,
		MessageID:        msg.ID,
		ConversationID:   conversationID,
		PreviousBranchID: previousBranchID,
		IsNewBranch:      isNewBranch,
		IsNewCluster:     class.DriftAction == similarity.BranchNewCluster,
		BranchTopic:      class.NewBranchTopic,
		Similarity:       class.Similarity,
		Confidence:       class.Confidence,
		Reason:           class.Reason,
		ReasonCodes:      class.ReasonCodes,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
