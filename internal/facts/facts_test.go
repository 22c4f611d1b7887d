package facts

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerAsyncRunsInBackground(t *testing.T) {
	var mu sync.Mutex
	var gotBranch string
	done := make(chan struct{})

	e := New(log.New(&bytes.Buffer{}, "", 0), time.Second, func(ctx context.Context, branchID string) error {
		mu.Lock()
		gotBranch = branchID
		mu.Unlock()
		close(done)
		return nil
	})

	e.TriggerAsync("branch-1")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("extraction did not run")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "branch-1", gotBranch)
}

func TestTriggerAsyncLogsFailureWithoutReturningError(t *testing.T) {
	var buf bytes.Buffer
	done := make(chan struct{})

	e := New(log.New(&buf, "", 0), time.Second, func(ctx context.Context, branchID string) error {
		defer close(done)
		return errors.New("extraction boom")
	})

	e.TriggerAsync("branch-2")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("extraction did not run")
	}
	// give the logger a moment to flush since Run returns just before logging
	time.Sleep(10 * time.Millisecond)
	assert.Contains(t, buf.String(), "branch-2")
}

func TestTriggerAsyncNoopWithoutRunFunc(t *testing.T) {
	e := New(log.New(&bytes.Buffer{}, "", 0), time.Second, nil)
	require.NotPanics(t, func() { e.TriggerAsync("branch-3") })
}
