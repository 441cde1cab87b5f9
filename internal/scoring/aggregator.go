// Package scoring reduces label distributions to presentable scores and
// derives speech-rate statistics from them.
package scoring

import (
	"fmt"
	"math"
	"time"

	"github.com/gelogrammer/speech-metrics-service/internal/estimator"
	"github.com/gelogrammer/speech-metrics-service/internal/frame"
)

// Config holds the scoring policy. Label-indexed slices follow frame's label order.
type Config struct {
	FluencyDesirability       []float64 `yaml:"fluency_desirability" json:"fluency_desirability"`
	TempoDesirability         []float64 `yaml:"tempo_desirability" json:"tempo_desirability"`
	PronunciationDesirability []float64 `yaml:"pronunciation_desirability" json:"pronunciation_desirability"`

	FluencyWeight       float64 `yaml:"fluency_weight" json:"fluency_weight"`
	TempoWeight         float64 `yaml:"tempo_weight" json:"tempo_weight"`
	PronunciationWeight float64 `yaml:"pronunciation_weight" json:"pronunciation_weight"`

	// Canonical words-per-minute for slow / medium / fast
	TempoRates []float64 `yaml:"tempo_rates" json:"tempo_rates"`

	IdleWordMultiplier float64 `yaml:"idle_word_multiplier" json:"idle_word_multiplier"`

	SpeakingSilenceFloor float64 `yaml:"speaking_silence_floor" json:"speaking_silence_floor"`
	SpeakingSilenceSpan  float64 `yaml:"speaking_silence_span" json:"speaking_silence_span"`
	IdleSilenceFloor     float64 `yaml:"idle_silence_floor" json:"idle_silence_floor"`
	SilenceCeiling       float64 `yaml:"silence_ceiling" json:"silence_ceiling"`

	BaseConfidence    float64 `yaml:"base_confidence" json:"base_confidence"`
	ConfidenceStep    float64 `yaml:"confidence_step" json:"confidence_step"`
	ConfidenceCeiling float64 `yaml:"confidence_ceiling" json:"confidence_ceiling"`
}

// DefaultConfig returns the reference scoring policy
func DefaultConfig() Config {
	return Config{
		FluencyDesirability:       []float64{0.2, 0.6, 1.0},
		TempoDesirability:         []float64{0.6, 1.0, 0.8},
		PronunciationDesirability: []float64{0.2, 1.0},

		FluencyWeight:       0.35,
		TempoWeight:         0.35,
		PronunciationWeight: 0.30,

		TempoRates: []float64{90, 125, 160},

		IdleWordMultiplier: 0.2,

		SpeakingSilenceFloor: 0.05,
		SpeakingSilenceSpan:  0.25,
		IdleSilenceFloor:     0.4,
		SilenceCeiling:       0.8,

		BaseConfidence:    0.7,
		ConfidenceStep:    0.03,
		ConfidenceCeiling: 0.98,
	}
}

// Validate checks shapes and ranges of the policy
func (c Config) Validate() error {
	checks := []struct {
		name   string
		values []float64
		group  frame.Group
	}{
		{"fluency_desirability", c.FluencyDesirability, frame.Fluency},
		{"tempo_desirability", c.TempoDesirability, frame.Tempo},
		{"pronunciation_desirability", c.PronunciationDesirability, frame.Pronunciation},
	}
	for _, ch := range checks {
		if len(ch.values) != ch.group.Size() {
			return fmt.Errorf("%s needs %d values, got %d", ch.name, ch.group.Size(), len(ch.values))
		}
		for _, v := range ch.values {
			if v < 0 || v > 1 {
				return fmt.Errorf("%s values must be between 0 and 1, got %f", ch.name, v)
			}
		}
	}

	if len(c.TempoRates) != frame.Tempo.Size() {
		return fmt.Errorf("tempo_rates needs %d values, got %d", frame.Tempo.Size(), len(c.TempoRates))
	}
	for _, r := range c.TempoRates {
		if r < 0 {
			return fmt.Errorf("tempo_rates cannot be negative, got %f", r)
		}
	}

	if c.FluencyWeight < 0 || c.TempoWeight < 0 || c.PronunciationWeight < 0 {
		return fmt.Errorf("overall weights cannot be negative")
	}
	if sum := c.FluencyWeight + c.TempoWeight + c.PronunciationWeight; math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("overall weights must sum to 1, got %f", sum)
	}

	if c.IdleWordMultiplier < 0 || c.IdleWordMultiplier > 1 {
		return fmt.Errorf("idle_word_multiplier must be between 0 and 1, got %f", c.IdleWordMultiplier)
	}
	if c.SilenceCeiling <= 0 || c.SilenceCeiling > 1 {
		return fmt.Errorf("silence_ceiling must be in (0, 1], got %f", c.SilenceCeiling)
	}
	if c.SpeakingSilenceFloor < 0 || c.IdleSilenceFloor < c.SpeakingSilenceFloor || c.IdleSilenceFloor > c.SilenceCeiling {
		return fmt.Errorf("silence floors must satisfy 0 <= speaking (%f) <= idle (%f) <= ceiling (%f)",
			c.SpeakingSilenceFloor, c.IdleSilenceFloor, c.SilenceCeiling)
	}
	if c.ConfidenceCeiling <= 0 || c.ConfidenceCeiling > 1 || c.BaseConfidence < 0 || c.ConfidenceStep < 0 {
		return fmt.Errorf("confidence policy out of range")
	}
	return nil
}

// Scores is the unsmoothed output of one aggregation
type Scores struct {
	Fluency        float64 `json:"fluency"`
	Tempo          float64 `json:"tempo"`
	Pronunciation  float64 `json:"pronunciation"`
	Overall        float64 `json:"overall"`
	WordsPerMinute float64 `json:"words_per_minute"`
	SilenceRatio   float64 `json:"silence_ratio"`
}

// Aggregator applies the scoring policy
type Aggregator struct {
	cfg Config
}

// New creates an aggregator
func New(cfg Config) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scoring config: %w", err)
	}
	return &Aggregator{cfg: cfg}, nil
}

// Aggregate reduces the distributions to scores
func (a *Aggregator) Aggregate(p estimator.Probabilities, speaking bool) Scores {
	s := Scores{
		Fluency:       weighted(p.Fluency, a.cfg.FluencyDesirability),
		Tempo:         weighted(p.Tempo, a.cfg.TempoDesirability),
		Pronunciation: weighted(p.Pronunciation, a.cfg.PronunciationDesirability),
	}
	s.Overall = clamp(a.cfg.FluencyWeight*s.Fluency+
		a.cfg.TempoWeight*s.Tempo+
		a.cfg.PronunciationWeight*s.Pronunciation, 0, 1)
	s.WordsPerMinute = a.WordsPerMinute(p.Tempo)
	s.SilenceRatio = a.SilenceRatio(s.Fluency, speaking)
	return s
}

// WordsPerMinute blends the canonical per-label rates by the tempo distribution
func (a *Aggregator) WordsPerMinute(tempo estimator.Distribution) float64 {
	wpm := 0.0
	for i, p := range tempo {
		if i < len(a.cfg.TempoRates) && isFinite(p) {
			wpm += p * a.cfg.TempoRates[i]
		}
	}
	if !isFinite(wpm) || wpm < 0 {
		return 0
	}
	return wpm
}

// SilenceRatio derives the share of silence from fluency and activity
func (a *Aggregator) SilenceRatio(fluency float64, speaking bool) float64 {
	disfluency := clamp(1-fluency, 0, 1)
	var r float64
	if speaking {
		r = a.cfg.SpeakingSilenceFloor + a.cfg.SpeakingSilenceSpan*disfluency
	} else {
		r = a.cfg.IdleSilenceFloor + (a.cfg.SilenceCeiling-a.cfg.IdleSilenceFloor)*disfluency
	}
	return clamp(r, 0, a.cfg.SilenceCeiling)
}

// WordIncrement estimates the words spoken over elapsed at the given rate.
// Idle time advances the clock at a reduced rate so silence does not invent words.
func (a *Aggregator) WordIncrement(wpm float64, elapsed time.Duration, speaking bool) int {
	if elapsed <= 0 || !isFinite(wpm) || wpm <= 0 {
		return 0
	}
	mult := 1.0
	if !speaking {
		mult = a.cfg.IdleWordMultiplier
	}
	n := math.Round(wpm / 60 * elapsed.Seconds() * mult)
	if n < 0 || !isFinite(n) {
		return 0
	}
	return int(n)
}

// Confidence is the engine's own certainty after n accepted observations
func (a *Aggregator) Confidence(observations int) float64 {
	if observations <= 0 {
		return 0
	}
	c := a.cfg.BaseConfidence + float64(observations)*a.cfg.ConfidenceStep
	return clamp(math.Min(a.cfg.ConfidenceCeiling, c), 0, 1)
}

// Config returns the scoring policy
func (a *Aggregator) Config() Config {
	return a.cfg
}

func weighted(d estimator.Distribution, w []float64) float64 {
	var s float64
	for i, p := range d {
		if i < len(w) && isFinite(p) {
			s += p * w[i]
		}
	}
	return clamp(s, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
