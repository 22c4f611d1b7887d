package similarity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineIdentityAndOpposite(t *testing.T) {
	v := []float32{1, 2, 3}
	neg := []float32{-1, -2, -3}

	sim, err := Cosine(v, v)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-9)

	sim, err = Cosine(v, neg)
	require.NoError(t, err)
	assert.InDelta(t, -1.0, sim, 1e-9)
}

func TestCosineSymmetric(t *testing.T) {
	a := []float32{0.3, 0.5, -0.1}
	b := []float32{0.1, -0.2, 0.9}

	ab, err := Cosine(a, b)
	require.NoError(t, err)
	ba, err := Cosine(b, a)
	require.NoError(t, err)
	assert.InDelta(t, ab, ba, 1e-9)
}

func TestCosineDimensionMismatch(t *testing.T) {
	_, err := Cosine([]float32{1, 2}, []float32{1, 2, 3})
	require.Error(t, err)
	var dimErr *DimensionMismatchError
	require.ErrorAs(t, err, &dimErr)
}

func TestCosineZeroMagnitude(t *testing.T) {
	sim, err := Cosine([]float32{0, 0}, []float32{1, 1})
	require.NoError(t, err)
	assert.Equal(t, 0.0, sim)
}

func TestActionBuckets(t *testing.T) {
	cases := []struct {
		sim  float64
		want DriftAction
	}{
		{0.48, Stay},
		{0.47, BranchSameCluster}, // boundary: strict > required for Stay
		{0.21, BranchSameCluster},
		{0.20, BranchNewCluster}, // boundary: strict > required for same-cluster
		{0.0, BranchNewCluster},
		{-0.5, BranchNewCluster},
	}
	for _, c := range cases {
		got := Action(c.sim, 0.47, 0.20)
		assert.Equalf(t, c.want, got, "sim=%v", c.sim)
	}
}

func TestUpdateCentroidEmptyOldReturnsNew(t *testing.T) {
	embed := []float32{1, 2, 3}
	got := UpdateCentroid(nil, embed, 0, "user")
	assert.Equal(t, embed, got)
	// must be a copy, not aliasing the input
	got[0] = 99
	assert.Equal(t, float32(1), embed[0])
}

func TestUpdateCentroidUserWeighting(t *testing.T) {
	old := []float32{0, 0}
	// old is non-empty (zero vector), so it is averaged, not replaced:
	// n=0, w=3, denom = 0+3-1=2 -> 0 + 3*(2-0)/2 = 3
	old = UpdateCentroid(old, []float32{2, 2}, 0, "user")
	// second user message, prior count 1: w=3, denom = 1+3-1=3
	got := UpdateCentroid(old, []float32{5, 5}, 1, "user")
	// old[i] + 3*(5-3)/3 = 3 + 2 = 5
	assert.InDelta(t, 5.0, float64(got[0]), 1e-6)
}

func TestUpdateCentroidAssistantWeighting(t *testing.T) {
	old := []float32{2, 2}
	// assistant message, prior count 1: w=1, denom = 1+1-1=1
	got := UpdateCentroid(old, []float32{5, 5}, 1, "assistant")
	// old[i] + 1*(5-2)/1 = 2 + 3 = 5
	assert.InDelta(t, 5.0, float64(got[0]), 1e-6)
}

func TestRoleWeightDefaults(t *testing.T) {
	assert.Equal(t, UserCentroidWeight, RoleWeight("user"))
	assert.Equal(t, AssistantCentroidWeight, RoleWeight("assistant"))
	assert.Equal(t, AssistantCentroidWeight, RoleWeight("unexpected"))
}
