// Package embedclient is a typed client over the external sentence
// embedding service (paraphrase-MiniLM-L6-v2 by default): embedding,
// similarity, drift analysis, and health. The service itself, and any
// NLP it performs, is out of scope for this repository — this package
// only speaks its wire contract.
package embedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/driftos/driftrouter/internal/routeerr"
)

// DefaultDimension is the embedding dimension of the default model
// (paraphrase-MiniLM-L6-v2).
const DefaultDimension = 384

// errorCounter is the narrow interface the client needs to record
// request failures; prometheus.Counter satisfies it.
type errorCounter interface {
	Inc()
}

// Client talks to the embedding service over HTTP+JSON with retries.
type Client struct {
	baseURL      string
	http         *http.Client
	retries      int
	backoff      time.Duration
	errorCounter errorCounter // optional; nil records nothing
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-attempt HTTP timeout (default 10s).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithRetries overrides the retry count for transient failures (default 2).
func WithRetries(n int) Option {
	return func(c *Client) { c.retries = n }
}

// WithBackoff overrides the base backoff between retries (default 200ms).
func WithBackoff(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

// WithErrorCounter records every exhausted request failure (fatal and
// non-fatal callers alike) against counter, typically
// telemetry.Telemetry.EmbedClientErrors.
func WithErrorCounter(counter errorCounter) Option {
	return func(c *Client) { c.errorCounter = counter }
}

// New constructs a Client pointed at baseURL (e.g. "http://localhost:8100").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		retries: 2,
		backoff: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EmbedRequest is the payload for POST /embed.
type EmbedRequest struct {
	Text       string `json:"text"`
	Preprocess bool   `json:"preprocess"`
}

// EmbedResponse is the response from POST /embed for a single text.
type EmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Dimension  int         `json:"dimension"`
	Model      string      `json:"model"`
}

// Embed returns the embedding vector for text. Failure here is fatal
// per spec: it surfaces as routeerr.Unavailable, since the pipeline
// cannot proceed without a message vector.
func (c *Client) Embed(ctx context.Context, text string, preprocess bool) ([]float32, error) {
	var resp EmbedResponse
	if err := c.doJSON(ctx, http.MethodPost, "/embed", EmbedRequest{Text: text, Preprocess: preprocess}, &resp); err != nil {
		return nil, routeerr.Unavailable(err, "embedding service unavailable")
	}
	if len(resp.Embeddings) == 0 {
		return nil, routeerr.Unavailable(errors.New("empty embeddings array"), "embedding service returned no vectors")
	}
	return resp.Embeddings[0], nil
}

// SimilarityRequest is the payload for POST /similarity.
type SimilarityRequest struct {
	Text1      string `json:"text1"`
	Text2      string `json:"text2"`
	Preprocess bool   `json:"preprocess"`
}

// SimilarityResponse is the response from POST /similarity.
type SimilarityResponse struct {
	Similarity         float64 `json:"similarity"`
	AdjustedSimilarity float64 `json:"adjusted_similarity"`
}

// Similarity computes cosine similarity between two raw texts via the
// embedding service (as opposed to comparing already-computed vectors,
// which the similarity package does locally).
func (c *Client) Similarity(ctx context.Context, t1, t2 string, preprocess bool) (float64, error) {
	var resp SimilarityResponse
	if err := c.doJSON(ctx, http.MethodPost, "/similarity", SimilarityRequest{Text1: t1, Text2: t2, Preprocess: preprocess}, &resp); err != nil {
		return 0, routeerr.Unavailable(err, "embedding service unavailable")
	}
	return resp.Similarity, nil
}

// EntityOverlap mirrors the embedding service's weighted-entity overlap
// analysis between the current message and prior context.
type EntityOverlap struct {
	HasOverlap     bool     `json:"hasOverlap"`
	OverlapScore   float64  `json:"overlapScore"`
	SharedEntities []string `json:"sharedEntities"`
}

// AnalysisFlags carries the linguistic signals the embedding service
// derives from the raw text of the current and previous message.
type AnalysisFlags struct {
	CurrentIsQuestion      bool          `json:"currentIsQuestion"`
	PreviousIsQuestion     bool          `json:"previousIsQuestion"`
	CurrentHasAnaphoricRef bool          `json:"currentHasAnaphoricRef"`
	HasTopicReturnSignal   bool          `json:"hasTopicReturnSignal"`
	EntityOverlap          EntityOverlap `json:"entityOverlap"`
}

// DriftAnalysis is the response from POST /analyze-drift.
type DriftAnalysis struct {
	RawSimilarity     float64       `json:"rawSimilarity"`
	BoostedSimilarity float64       `json:"boostedSimilarity"`
	BoostMultiplier   float64       `json:"boostMultiplier"`
	BoostsApplied     []string      `json:"boostsApplied"`
	Analysis          AnalysisFlags `json:"analysis"`
}

type analyzeDriftRequest struct {
	Current          string    `json:"current"`
	Previous         string    `json:"previous"`
	CurrentEmbedding []float32 `json:"currentEmbedding"`
	BranchCentroid   []float32 `json:"branchCentroid"`
}

// AnalyzeDrift asks the embedding service for a boosted similarity
// score plus linguistic analysis between the current message and the
// previous message in the branch. This endpoint is non-fatal: on
// failure the caller should fall back to raw cosine with no boosts,
// which is exactly what FallbackDriftAnalysis provides.
func (c *Client) AnalyzeDrift(ctx context.Context, current, previous string, currentEmbedding, branchCentroid []float32) (DriftAnalysis, error) {
	var resp DriftAnalysis
	req := analyzeDriftRequest{
		Current:          current,
		Previous:         previous,
		CurrentEmbedding: currentEmbedding,
		BranchCentroid:   branchCentroid,
	}
	if err := c.doJSON(ctx, http.MethodPost, "/analyze-drift", req, &resp); err != nil {
		return DriftAnalysis{}, err
	}
	return resp, nil
}

// FallbackDriftAnalysis builds the degraded DriftAnalysis a caller
// should use when AnalyzeDrift fails: raw cosine similarity with no
// boosts and no linguistic signals. rawSim is expected to already be
// computed locally (see the similarity package) since the whole point
// of falling back is to avoid a second round-trip to a service that
// just failed.
func FallbackDriftAnalysis(rawSim float64) DriftAnalysis {
	return DriftAnalysis{
		RawSimilarity:     rawSim,
		BoostedSimilarity: rawSim,
		BoostMultiplier:   1.0,
		BoostsApplied:     nil,
	}
}

// HealthStatus is the response from GET /health.
type HealthStatus struct {
	Status    string `json:"status"`
	Model     string `json:"model"`
	Device    string `json:"device"`
	Dimension int    `json:"dimension"`
}

// Health checks embedding service liveness.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var resp HealthStatus
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return HealthStatus{}, routeerr.Unavailable(err, "embedding service health check failed")
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) (err error) {
	defer func() {
		if err != nil && c.errorCounter != nil {
			c.errorCounter.Inc()
		}
	}()

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}

	var lastErr error
	attempts := c.retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		// Each attempt gets a fresh reader so a retry resends the full body.
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
		} else {
			func() {
				defer resp.Body.Close()
				if resp.StatusCode >= 200 && resp.StatusCode < 300 {
					if out != nil {
						lastErr = json.NewDecoder(resp.Body).Decode(out)
					} else {
						lastErr = nil
					}
					return
				}
				b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				lastErr = fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, string(b))
			}()
			if lastErr == nil {
				return nil
			}
		}

		if attempt < attempts-1 {
			select {
			case <-time.After(c.backoff * time.Duration(1<<attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}
