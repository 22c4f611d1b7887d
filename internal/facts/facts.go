// Package facts triggers asynchronous, unawaited fact extraction
// against a branch that a routing request just departed. The
// extraction itself (an LLM call) is out of scope here; this package
// owns only the dispatch: fire-and-forget, bounded by a timeout,
// failures logged and never surfaced to the routing response.
package facts

import (
	"context"
	"log"
	"time"
)

// Extractor fires fact-extraction work for a branch in the
// background. Run is swapped out in tests; in production it wraps
// whatever LLM-backed extraction job the deployment configures.
type Extractor struct {
	Log     *log.Logger
	Timeout time.Duration
	Run     func(ctx context.Context, branchID string) error
}

// New constructs an Extractor. A nil run func makes TriggerAsync a
// no-op (nothing is spawned or logged), useful for configurations that
// don't extract facts at all.
func New(logger *log.Logger, timeout time.Duration, run func(ctx context.Context, branchID string) error) *Extractor {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Extractor{Log: logger, Timeout: timeout, Run: run}
}

// TriggerAsync spawns extraction for branchID without blocking the
// caller. It must never be awaited by the routing pipeline — the
// caller's transaction has already committed by the time this runs.
func (e *Extractor) TriggerAsync(branchID string) {
	if e.Run == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.Timeout)
		defer cancel()
		if err := e.Run(ctx, branchID); err != nil {
			e.Log.Printf("fact extraction failed for branch %s: %v", branchID, err)
		}
	}()
}
