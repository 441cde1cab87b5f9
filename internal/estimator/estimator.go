// Package estimator expands a single (label, confidence) verdict into a full
// probability distribution over a group's labels.
package estimator

import (
	"fmt"
	"math"

	"github.com/gelogrammer/speech-metrics-service/internal/frame"
)

// Config controls how residual probability is spread across labels
type Config struct {
	// Floor is added to every label weight before normalization, keeping
	// distributions strictly positive.
	Floor float64 `yaml:"floor" json:"floor"`
	// AdjacencyDecay scales the residual share per step of label distance.
	AdjacencyDecay float64 `yaml:"adjacency_decay" json:"adjacency_decay"`
}

// DefaultConfig returns the reference estimator policy
func DefaultConfig() Config {
	return Config{Floor: 0.01, AdjacencyDecay: 0.5}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Floor < 0 || c.Floor > 1 {
		return fmt.Errorf("floor must be between 0 and 1, got %f", c.Floor)
	}
	if c.AdjacencyDecay <= 0 || c.AdjacencyDecay > 1 {
		return fmt.Errorf("adjacency_decay must be in (0, 1], got %f", c.AdjacencyDecay)
	}
	return nil
}

// Distribution is a normalized probability per label index
type Distribution []float64

// Sum returns the total mass
func (d Distribution) Sum() float64 {
	var s float64
	for _, p := range d {
		s += p
	}
	return s
}

// Argmax returns the most probable label index
func (d Distribution) Argmax() int {
	best := 0
	for i, p := range d {
		if p > d[best] {
			best = i
		}
	}
	return best
}

// Probabilities holds one distribution per metric group
type Probabilities struct {
	Fluency       Distribution `json:"fluency"`
	Tempo         Distribution `json:"tempo"`
	Pronunciation Distribution `json:"pronunciation"`
}

// Get returns the distribution of group g
func (p Probabilities) Get(g frame.Group) Distribution {
	switch g {
	case frame.Fluency:
		return p.Fluency
	case frame.Tempo:
		return p.Tempo
	default:
		return p.Pronunciation
	}
}

// Clone returns a deep copy
func (p Probabilities) Clone() Probabilities {
	return Probabilities{
		Fluency:       append(Distribution(nil), p.Fluency...),
		Tempo:         append(Distribution(nil), p.Tempo...),
		Pronunciation: append(Distribution(nil), p.Pronunciation...),
	}
}

// Map returns the distributions keyed by group and label name, for display
func (p Probabilities) Map() map[string]map[string]float64 {
	out := make(map[string]map[string]float64, len(frame.Groups))
	for _, g := range frame.Groups {
		d := p.Get(g)
		m := make(map[string]float64, len(d))
		for i, v := range d {
			m[g.LabelName(i)] = v
		}
		out[g.String()] = m
	}
	return out
}

// Estimator maps classifications to distributions
type Estimator struct {
	cfg Config
}

// New creates an estimator
func New(cfg Config) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid estimator config: %w", err)
	}
	return &Estimator{cfg: cfg}, nil
}

// Estimate produces the three distributions for a frame
func (e *Estimator) Estimate(f frame.RawFrame) Probabilities {
	return Probabilities{
		Fluency:       e.Distribution(frame.Fluency, f.Fluency),
		Tempo:         e.Distribution(frame.Tempo, f.Tempo),
		Pronunciation: e.Distribution(frame.Pronunciation, f.Pronunciation),
	}
}

// Distribution expands one classification. A native posterior of the right
// shape is passed through unchanged.
func (e *Estimator) Distribution(g frame.Group, c frame.Classification) Distribution {
	n := g.Size()
	if n == 0 {
		return nil
	}
	if len(c.Posterior) == n {
		return append(Distribution(nil), c.Posterior...)
	}

	label := c.Label
	if label < 0 || label >= n {
		label = g.Neutral()
	}
	conf := frame.ClampUnit(c.Confidence)
	uniform := 1 / float64(n)

	weights := make(Distribution, n)
	for i := range weights {
		if i == label {
			weights[i] = uniform + conf*(1-uniform)
		} else {
			dist := math.Abs(float64(i - label))
			weights[i] = (1 - conf) * uniform * math.Pow(e.cfg.AdjacencyDecay, dist-1)
		}
		weights[i] += e.cfg.Floor
	}

	return normalize(weights)
}

func normalize(d Distribution) Distribution {
	sum := d.Sum()
	if sum <= 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		u := 1 / float64(len(d))
		for i := range d {
			d[i] = u
		}
		return d
	}
	for i := range d {
		d[i] /= sum
	}
	return d
}
