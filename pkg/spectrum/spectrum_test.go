package spectrum

import (
	"math"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pnmdenoise/internal/models"
	"pnmdenoise/pkg/pnmerr"
)

func sinusoid(freq, fs float64, n int, offset float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = offset + math.Sin(2*math.Pi*freq*float64(i)/fs)
	}
	return out
}

func TestPowerSpectrumBins(t *testing.T) {
	fs := 50.0
	n := 1000
	freqs, power, err := PowerSpectrum(sinusoid(1, fs, n, 0), fs)
	require.NoError(t, err)
	require.Len(t, freqs, n/2+1)
	require.Len(t, power, n/2+1)
	assert.InDelta(t, 0, freqs[0], 1e-12)
	assert.InDelta(t, fs/float64(n), freqs[1], 1e-12)
	assert.InDelta(t, fs/2, freqs[len(freqs)-1], 1e-9)
}

func TestPowerSpectrumRemovesMean(t *testing.T) {
	_, power, err := PowerSpectrum(sinusoid(0.25, 10, 400, 500), 10)
	require.NoError(t, err)
	assert.InDelta(t, 0, power[0], 1e-6)
}

func TestDominantFrequencyWithinOneBin(t *testing.T) {
	cases := []struct {
		freq, fs float64
		n        int
	}{
		{0.3, 50, 3000},
		{1.2, 50, 3000},
		{0.27, 400, 24000},
		{1.73, 100, 2048},
	}
	for _, c := range cases {
		got, err := DominantFrequency(sinusoid(c.freq, c.fs, c.n, 0), c.fs)
		require.NoError(t, err)
		assert.InDelta(t, c.freq, got, c.fs/float64(c.n), "f0=%g fs=%g", c.freq, c.fs)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		freq float64
		want models.ChannelLabel
	}{
		{0.3, models.Respiration},
		{1.2, models.Heartbeat},
		{0.6, models.Heartbeat},
	}
	for _, c := range cases {
		// 100 s at 10 Hz puts each test frequency exactly on a bin
		freq, label, err := Classify(sinusoid(c.freq, 10, 1000, 0), 10)
		require.NoError(t, err)
		assert.InDelta(t, c.freq, freq, 1e-9)
		assert.Equal(t, c.want, label, "freq %g", c.freq)
	}
}

func TestLabelBoundary(t *testing.T) {
	assert.Equal(t, models.Respiration, Label(0.5999))
	assert.Equal(t, models.Heartbeat, Label(0.6))
}

func TestClassifyRejectsBadInput(t *testing.T) {
	_, _, err := Classify(nil, 50)
	assert.ErrorIs(t, err, pnmerr.ErrAlignment)
	_, _, err = Classify([]float64{1, 2, 3}, 0)
	assert.ErrorIs(t, err, pnmerr.ErrAlignment)

	_, err = AssignRoles(&models.PhysiologicalTrace{SamplingRate: 50}, &models.PhysiologicalTrace{
		SamplingRate: 50, Samples: []float64{1, 2, 3},
	}, nil)
	assert.ErrorIs(t, err, pnmerr.ErrAlignment)
}

func TestAssignRoles(t *testing.T) {
	log, _ := test.NewNullLogger()
	resp := &models.PhysiologicalTrace{Channel: "resp", SamplingRate: 10, Samples: sinusoid(0.3, 10, 1000, 0)}
	card := &models.PhysiologicalTrace{Channel: "puls", SamplingRate: 10, Samples: sinusoid(1.2, 10, 1000, 0)}

	roles, err := AssignRoles(resp, card, log)
	require.NoError(t, err)
	assert.True(t, roles.Swapped)
	assert.Same(t, card, roles.Cardiac)
	assert.Same(t, resp, roles.Respiratory)

	roles, err = AssignRoles(card, resp, log)
	require.NoError(t, err)
	assert.False(t, roles.Swapped)
	assert.InDelta(t, 1.2, roles.CardiacHz, 1e-9)
}

func TestAssignRolesSameLabelWarns(t *testing.T) {
	log, hook := test.NewNullLogger()
	slow := &models.PhysiologicalTrace{Channel: "a", SamplingRate: 10, Samples: sinusoid(1.0, 10, 1000, 0)}
	fast := &models.PhysiologicalTrace{Channel: "b", SamplingRate: 10, Samples: sinusoid(1.5, 10, 1000, 0)}

	roles, err := AssignRoles(slow, fast, log)
	require.NoError(t, err)
	assert.Same(t, fast, roles.Cardiac)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}
