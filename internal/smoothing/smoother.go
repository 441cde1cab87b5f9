// Package smoothing implements the adaptive exponential filter that keeps
// published metrics steady without hiding genuine change.
package smoothing

import (
	"fmt"
	"math"
)

// Field names a smoothed metric
type Field string

const (
	FieldFluency        Field = "fluency"
	FieldTempo          Field = "tempo"
	FieldPronunciation  Field = "pronunciation"
	FieldOverall        Field = "overall"
	FieldWordsPerMinute Field = "words_per_minute"
	FieldSilenceRatio   Field = "silence_ratio"
)

// Fields lists every smoothed field
var Fields = []Field{
	FieldFluency,
	FieldTempo,
	FieldPronunciation,
	FieldOverall,
	FieldWordsPerMinute,
	FieldSilenceRatio,
}

// FieldParams tunes one field. A zero DeadBand falls back to Config.DeadBand.
type FieldParams struct {
	Weight   float64 `yaml:"weight" json:"weight"`
	DeadBand float64 `yaml:"dead_band" json:"dead_band"`
}

// Config holds the filter parameters
type Config struct {
	BaseAlpha     float64               `yaml:"base_alpha" json:"base_alpha"`
	SpeakingScale float64               `yaml:"speaking_scale" json:"speaking_scale"` // < 1: more responsive while speaking
	IdleScale     float64               `yaml:"idle_scale" json:"idle_scale"`         // > 1: steadier while idle
	MinAlpha      float64               `yaml:"min_alpha" json:"min_alpha"`
	MaxAlpha      float64               `yaml:"max_alpha" json:"max_alpha"`
	DeadBand      float64               `yaml:"dead_band" json:"dead_band"`
	Fields        map[Field]FieldParams `yaml:"fields" json:"fields"`
}

// DefaultConfig returns the reference filter
func DefaultConfig() Config {
	return Config{
		BaseAlpha:     0.4,
		SpeakingScale: 0.75,
		IdleScale:     1.5,
		MinAlpha:      0.05,
		MaxAlpha:      0.95,
		DeadBand:      0.005,
		Fields: map[Field]FieldParams{
			FieldFluency:        {Weight: 1.0},
			FieldTempo:          {Weight: 1.0},
			FieldPronunciation:  {Weight: 1.0},
			FieldOverall:        {Weight: 1.1},
			FieldWordsPerMinute: {Weight: 1.2, DeadBand: 0.5},
			FieldSilenceRatio:   {Weight: 1.2},
		},
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.BaseAlpha < 0 || c.BaseAlpha >= 1 {
		return fmt.Errorf("base_alpha must be in [0, 1), got %f", c.BaseAlpha)
	}
	if c.SpeakingScale <= 0 || c.IdleScale <= 0 {
		return fmt.Errorf("activity scales must be positive, got speaking=%f idle=%f", c.SpeakingScale, c.IdleScale)
	}
	if c.MinAlpha < 0 || c.MaxAlpha >= 1 || c.MinAlpha > c.MaxAlpha {
		return fmt.Errorf("alpha bounds must satisfy 0 <= min (%f) <= max (%f) < 1", c.MinAlpha, c.MaxAlpha)
	}
	if c.DeadBand < 0 {
		return fmt.Errorf("dead_band cannot be negative, got %f", c.DeadBand)
	}
	for f, p := range c.Fields {
		if p.Weight <= 0 {
			return fmt.Errorf("field %s: weight must be positive, got %f", f, p.Weight)
		}
		if p.DeadBand < 0 {
			return fmt.Errorf("field %s: dead_band cannot be negative, got %f", f, p.DeadBand)
		}
	}
	return nil
}

// Smoother applies the filter. It is stateless; callers keep the previous values.
type Smoother struct {
	cfg Config
}

// New creates a smoother
func New(cfg Config) (*Smoother, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid smoothing config: %w", err)
	}
	return &Smoother{cfg: cfg}, nil
}

func (s *Smoother) params(f Field) FieldParams {
	p, ok := s.cfg.Fields[f]
	if !ok || p.Weight <= 0 {
		p.Weight = 1
	}
	if p.DeadBand == 0 {
		p.DeadBand = s.cfg.DeadBand
	}
	return p
}

// Alpha returns the effective weight of the previous value for a field
func (s *Smoother) Alpha(f Field, speaking bool) float64 {
	scale := s.cfg.IdleScale
	if speaking {
		scale = s.cfg.SpeakingScale
	}
	a := s.cfg.BaseAlpha * s.params(f).Weight * scale
	return math.Max(s.cfg.MinAlpha, math.Min(s.cfg.MaxAlpha, a))
}

// Smooth blends prev and cur. The first observation of a session is passed
// through unchanged, changes inside the dead-band keep prev, and a non-finite
// operand yields the other one (0 when both are unusable).
func (s *Smoother) Smooth(f Field, prev, cur float64, speaking, first bool) float64 {
	prevOK, curOK := finite(prev), finite(cur)
	switch {
	case !prevOK && !curOK:
		return 0
	case !curOK:
		return prev
	case !prevOK, first:
		return cur
	}

	if math.Abs(cur-prev) < s.params(f).DeadBand {
		return prev
	}

	a := s.Alpha(f, speaking)
	return prev*a + cur*(1-a)
}

// Config returns the filter configuration
func (s *Smoother) Config() Config {
	return s.cfg
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
