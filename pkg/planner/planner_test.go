package planner

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanSingleClip(t *testing.T) {
	specs, err := Plan(7, 10)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, ClipSpec{Index: 0, Duration: 7, Final: true}, specs[0])
}

func TestPlanFrontLoadedSplit(t *testing.T) {
	specs, err := Plan(23, 10)
	require.NoError(t, err)
	require.Len(t, specs, 3)
	assert.Equal(t, ClipSpec{Index: 0, Duration: 10}, specs[0])
	assert.Equal(t, ClipSpec{Index: 1, Duration: 10}, specs[1])
	assert.Equal(t, ClipSpec{Index: 2, Duration: 3, Final: true}, specs[2])
}

func TestPlanExactMultiple(t *testing.T) {
	specs, err := Plan(20, 10)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.InDelta(t, 10, specs[0].Duration, DurationEpsilon)
	assert.InDelta(t, 10, specs[1].Duration, DurationEpsilon)
	assert.True(t, specs[1].Final)
	assert.False(t, specs[0].Final)
}

func TestPlanFractionalRemainder(t *testing.T) {
	specs, err := Plan(15.4, 10)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.InDelta(t, 10, specs[0].Duration, DurationEpsilon)
	assert.InDelta(t, 5.4, specs[1].Duration, DurationEpsilon)
	assert.True(t, specs[1].Final)
}

func TestPlanNeverExceedsEngineMax(t *testing.T) {
	// A total just over the ceiling still plans as one clip, capped at the
	// ceiling rather than handed to the engine over its limit.
	specs, err := Plan(10.04, 10)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, 10.0, specs[0].Duration)

	// A sub-epsilon sliver past an exact multiple is dropped, not folded
	// onto a clip already at the ceiling.
	specs, err = Plan(20.02, 10)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	for _, s := range specs {
		assert.LessOrEqual(t, s.Duration, 10.0)
	}
	assert.True(t, specs[1].Final)
}

func TestPlanRejectsBadInput(t *testing.T) {
	_, err := Plan(0, 10)
	assert.Error(t, err)
	_, err = Plan(-3, 10)
	assert.Error(t, err)
	_, err = Plan(10, 0)
	assert.Error(t, err)
}

// Durations must sum to the total and stay within (0, engineMax] across a
// sweep of awkward float inputs.
func TestPlanConservesDuration(t *testing.T) {
	totals := []float64{0.1, 1, 4.99, 5, 5.01, 7.77, 10, 15.4, 23, 29.999, 60, 61.3, 123.456}
	maxes := []float64{5, 6, 10}

	for _, max := range maxes {
		for _, total := range totals {
			specs, err := Plan(total, max)
			require.NoError(t, err)
			require.NotEmpty(t, specs)

			sum := 0.0
			for i, s := range specs {
				assert.Greater(t, s.Duration, 0.0, "total=%v max=%v clip=%d", total, max, i)
				assert.LessOrEqual(t, s.Duration, max, "total=%v max=%v clip=%d", total, max, i)
				assert.Equal(t, i, s.Index)
				assert.Equal(t, i == len(specs)-1, s.Final)
				sum += s.Duration
			}
			assert.InDelta(t, total, sum, DurationEpsilon, "total=%v max=%v", total, max)
		}
	}
}

func TestPlanClipCountIsMinimal(t *testing.T) {
	specs, err := Plan(31, 10)
	require.NoError(t, err)
	assert.Len(t, specs, int(math.Ceil(31.0/10.0)))
}

func TestBuildCompositionPlan(t *testing.T) {
	specs, err := Plan(15.4, 10)
	require.NoError(t, err)

	plan, err := BuildCompositionPlan(specs, []string{"/tmp/c0.mp4", "/tmp/c1.mp4"})
	require.NoError(t, err)
	require.Len(t, plan.Clips, 2)
	assert.Equal(t, "/tmp/c0.mp4", plan.Clips[0].Path)
	assert.InDelta(t, 10, plan.Clips[0].Duration, DurationEpsilon)
	assert.InDelta(t, 5.4, plan.Clips[1].Duration, DurationEpsilon)
	assert.InDelta(t, 15.4, plan.Total, DurationEpsilon)
}

func TestBuildCompositionPlanValidation(t *testing.T) {
	specs, err := Plan(15.4, 10)
	require.NoError(t, err)

	_, err = BuildCompositionPlan(nil, nil)
	assert.Error(t, err)

	_, err = BuildCompositionPlan(specs, []string{"/tmp/only-one.mp4"})
	assert.Error(t, err)

	_, err = BuildCompositionPlan(specs, []string{"/tmp/c0.mp4", ""})
	assert.Error(t, err)
}

func TestTotalDuration(t *testing.T) {
	specs, err := Plan(23, 10)
	require.NoError(t, err)
	assert.InDelta(t, 23, TotalDuration(specs), DurationEpsilon)
	assert.Zero(t, TotalDuration(nil))
}
