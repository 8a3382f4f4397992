package abtest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content_recommend/internal/logger"
)

func TestZTestSignificant(t *testing.T) {
	r := ZTest(100, 10000, 150, 10000)
	assert.Equal(t, MethodZTest, r.Method)
	assert.InDelta(t, 0.01, r.ControlValue, 1e-12)
	assert.InDelta(t, 0.015, r.TreatmentValue, 1e-12)
	assert.InDelta(t, 3.18, r.ZScore, 0.01)
	assert.Less(t, r.PValue, 0.01)
	assert.True(t, r.Significant)
}

func TestZTestNotSignificant(t *testing.T) {
	r := ZTest(100, 10000, 105, 10000)
	assert.False(t, r.Significant)
	assert.Greater(t, r.PValue, 0.05)

	empty := ZTest(0, 0, 0, 0)
	assert.False(t, empty.Significant)
	assert.Equal(t, 1.0, empty.PValue)
}

func TestRelativeImprovement(t *testing.T) {
	assert.True(t, RelativeImprovement(0.10, 0.12, cvrImprovementThreshold).Significant)
	assert.False(t, RelativeImprovement(0.10, 0.105, cvrImprovementThreshold).Significant)
	assert.False(t, RelativeImprovement(10, 11, arpuImprovementThreshold).Significant)
	assert.True(t, RelativeImprovement(10, 12, arpuImprovementThreshold).Significant)
}

func TestStatisticalTestPerMetric(t *testing.T) {
	s := NewStore(logger.NewNop())
	e := newRunning(t, s, "stat", map[string]int{"control": 1, "treatment": 1})
	require.NoError(t, s.RecordMetric(e.ID, "control", MetricImpression, 10000))
	require.NoError(t, s.RecordMetric(e.ID, "control", MetricClick, 100))
	require.NoError(t, s.RecordMetric(e.ID, "treatment", MetricImpression, 10000))
	require.NoError(t, s.RecordMetric(e.ID, "treatment", MetricClick, 150))

	res, err := s.StatisticalTest(e.ID, "ctr")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "treatment", res[0].Treatment)
	assert.Equal(t, "control", res[0].Control)
	assert.True(t, res[0].Significant)

	res, err = s.StatisticalTest(e.ID, "cvr")
	require.NoError(t, err)
	assert.Equal(t, MethodRelativeImprovement, res[0].Method)

	_, err = s.StatisticalTest(e.ID, "latency")
	assert.ErrorIs(t, err, ErrUnknownMetric)
	_, err = s.StatisticalTest("missing", "ctr")
	assert.ErrorIs(t, err, ErrExperimentNotFound)
}
