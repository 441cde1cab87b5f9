package scoring

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gelogrammer/speech-metrics-service/internal/estimator"
	"github.com/gelogrammer/speech-metrics-service/internal/frame"
)

func newAggregator(t *testing.T) *Aggregator {
	t.Helper()
	a, err := New(DefaultConfig())
	require.NoError(t, err)
	return a
}

func goodFrame() frame.RawFrame {
	return frame.RawFrame{
		Fluency:       frame.Classification{Label: frame.FluencyHigh, Confidence: 0.9},
		Tempo:         frame.Classification{Label: frame.TempoFast, Confidence: 0.8},
		Pronunciation: frame.Classification{Label: frame.PronunciationClear, Confidence: 0.9},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"weights do not sum to one", func(c *Config) { c.TempoWeight = 0.5 }},
		{"negative weight", func(c *Config) { c.FluencyWeight = -0.05; c.TempoWeight = 0.75 }},
		{"short desirability", func(c *Config) { c.FluencyDesirability = []float64{0.1, 0.9} }},
		{"desirability above one", func(c *Config) { c.PronunciationDesirability = []float64{0.2, 1.2} }},
		{"missing tempo rate", func(c *Config) { c.TempoRates = []float64{90, 120} }},
		{"idle floor above ceiling", func(c *Config) { c.IdleSilenceFloor = 0.9 }},
		{"idle multiplier above one", func(c *Config) { c.IdleWordMultiplier = 2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := New(cfg)
			assert.Error(t, err)
		})
	}
}

func TestAggregateGoodSpeech(t *testing.T) {
	est, err := estimator.New(estimator.DefaultConfig())
	require.NoError(t, err)
	a := newAggregator(t)

	s := a.Aggregate(est.Estimate(goodFrame()), true)

	assert.Greater(t, s.Fluency, 0.9)
	assert.Greater(t, s.Pronunciation, 0.9)
	assert.Greater(t, s.Overall, 0.8)
	assert.InDelta(t, 155, s.WordsPerMinute, 5)
	assert.LessOrEqual(t, s.SilenceRatio, 0.1)
	assert.GreaterOrEqual(t, s.SilenceRatio, 0.05)
	assert.Contains(t, []Band{BandVeryGood, BandExcellent}, BandFor(s.Overall))
}

func TestAggregateBounds(t *testing.T) {
	est, err := estimator.New(estimator.DefaultConfig())
	require.NoError(t, err)
	a := newAggregator(t)

	for fl := 0; fl < frame.Fluency.Size(); fl++ {
		for tp := 0; tp < frame.Tempo.Size(); tp++ {
			for pr := 0; pr < frame.Pronunciation.Size(); pr++ {
				for _, c := range []float64{0, 0.5, 1} {
					for _, speaking := range []bool{true, false} {
						f := frame.RawFrame{
							Fluency:       frame.Classification{Label: fl, Confidence: c},
							Tempo:         frame.Classification{Label: tp, Confidence: c},
							Pronunciation: frame.Classification{Label: pr, Confidence: c},
						}
						s := a.Aggregate(est.Estimate(f), speaking)
						for _, v := range []float64{s.Fluency, s.Tempo, s.Pronunciation, s.Overall} {
							assert.GreaterOrEqual(t, v, 0.0)
							assert.LessOrEqual(t, v, 1.0)
						}
						assert.GreaterOrEqual(t, s.SilenceRatio, 0.0)
						assert.LessOrEqual(t, s.SilenceRatio, 0.8)
						assert.GreaterOrEqual(t, s.WordsPerMinute, 89.999)
						assert.LessOrEqual(t, s.WordsPerMinute, 160.001)
					}
				}
			}
		}
	}
}

func TestSilenceRatio(t *testing.T) {
	a := newAggregator(t)

	assert.InDelta(t, 0.05, a.SilenceRatio(1, true), 1e-12)
	assert.InDelta(t, 0.30, a.SilenceRatio(0, true), 1e-12)
	assert.InDelta(t, 0.4, a.SilenceRatio(1, false), 1e-12)
	assert.InDelta(t, 0.8, a.SilenceRatio(0, false), 1e-12)
	assert.InDelta(t, 0.4, a.SilenceRatio(math.NaN(), false), 1e-12)

	// More fluent speech means less silence
	assert.Less(t, a.SilenceRatio(0.9, true), a.SilenceRatio(0.5, true))
	assert.Greater(t, a.SilenceRatio(0.2, false), a.SilenceRatio(0.7, false))
}

func TestWordIncrement(t *testing.T) {
	a := newAggregator(t)

	assert.Equal(t, 3, a.WordIncrement(150, 1*time.Second, true))
	assert.Equal(t, 10, a.WordIncrement(120, 5*time.Second, true))
	assert.Equal(t, 2, a.WordIncrement(120, 5*time.Second, false))
	assert.Zero(t, a.WordIncrement(120, 0, true))
	assert.Zero(t, a.WordIncrement(120, -time.Second, true))
	assert.Zero(t, a.WordIncrement(math.NaN(), time.Second, true))
}

func TestConfidence(t *testing.T) {
	a := newAggregator(t)

	assert.Zero(t, a.Confidence(0))
	assert.InDelta(t, 0.73, a.Confidence(1), 1e-12)
	assert.InDelta(t, 0.85, a.Confidence(5), 1e-12)
	assert.InDelta(t, 0.98, a.Confidence(10), 1e-12)
	assert.InDelta(t, 0.98, a.Confidence(1000), 1e-12)

	prev := 0.0
	for n := 1; n < 20; n++ {
		c := a.Confidence(n)
		assert.GreaterOrEqual(t, c, prev)
		prev = c
	}
}

func TestBandFor(t *testing.T) {
	assert.Equal(t, BandExcellent, BandFor(0.95))
	assert.Equal(t, BandVeryGood, BandFor(0.85))
	assert.Equal(t, BandGood, BandFor(0.7))
	assert.Equal(t, BandFair, BandFor(0.55))
	assert.Equal(t, BandNeedsWork, BandFor(0.1))
}
