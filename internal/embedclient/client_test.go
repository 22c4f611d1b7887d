package embedclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftos/driftrouter/internal/routeerr"
)

func TestEmbedReturnsFirstVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		var req EmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello", req.Text)
		json.NewEncoder(w).Encode(EmbedResponse{
			Embeddings: [][]float32{{0.1, 0.2, 0.3}},
			Dimension:  3,
			Model:      "paraphrase-MiniLM-L6-v2",
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	vec, err := c.Embed(t.Context(), "hello", false)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestEmbedServiceErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, WithRetries(0))
	_, err := c.Embed(t.Context(), "hello", false)
	require.Error(t, err)
	assert.Equal(t, routeerr.KindUnavailable, routeerr.KindOf(err))
}

func TestEmbedRetriesOnFailureThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			http.Error(w, "transient", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(EmbedResponse{Embeddings: [][]float32{{1, 2}}})
	}))
	defer srv.Close()

	c := New(srv.URL, WithRetries(2), WithBackoff(0))
	vec, err := c.Embed(t.Context(), "hello", false)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, vec)
	assert.Equal(t, 2, attempts)
}

func TestAnalyzeDriftDecodesFullPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/analyze-drift", r.URL.Path)
		json.NewEncoder(w).Encode(DriftAnalysis{
			RawSimilarity:     0.5,
			BoostedSimilarity: 0.75,
			BoostMultiplier:   1.5,
			BoostsApplied:     []string{"topic_return"},
			Analysis: AnalysisFlags{
				CurrentIsQuestion:    true,
				HasTopicReturnSignal: true,
				EntityOverlap: EntityOverlap{
					HasOverlap:     true,
					OverlapScore:   0.4,
					SharedEntities: []string{"Paris"},
				},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	got, err := c.AnalyzeDrift(t.Context(), "current", "previous", []float32{1, 2}, []float32{3, 4})
	require.NoError(t, err)
	assert.Equal(t, 0.75, got.BoostedSimilarity)
	assert.Equal(t, []string{"topic_return"}, got.BoostsApplied)
	assert.True(t, got.Analysis.EntityOverlap.HasOverlap)
	assert.Equal(t, []string{"Paris"}, got.Analysis.EntityOverlap.SharedEntities)
}

func TestAnalyzeDriftFailurePropagatesForCallerFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, WithRetries(0))
	_, err := c.AnalyzeDrift(t.Context(), "a", "b", []float32{1}, []float32{1})
	require.Error(t, err)
}

func TestFallbackDriftAnalysisHasNoBoosts(t *testing.T) {
	got := FallbackDriftAnalysis(0.62)
	assert.Equal(t, 0.62, got.RawSimilarity)
	assert.Equal(t, 0.62, got.BoostedSimilarity)
	assert.Equal(t, 1.0, got.BoostMultiplier)
	assert.Empty(t, got.BoostsApplied)
}

func TestHealthDecodesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		json.NewEncoder(w).Encode(HealthStatus{Status: "ok", Model: "paraphrase-MiniLM-L6-v2", Dimension: 384})
	}))
	defer srv.Close()

	c := New(srv.URL)
	got, err := c.Health(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "ok", got.Status)
	assert.Equal(t, 384, got.Dimension)
}
