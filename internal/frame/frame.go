package frame

import (
	"fmt"
	"time"
)

// Group identifies one of the three independent speech-quality dimensions
type Group int

const (
	Fluency Group = iota
	Tempo
	Pronunciation
)

// Groups lists every metric group in processing order
var Groups = [...]Group{Fluency, Tempo, Pronunciation}

// Label indexes for each group. Labels are ordered from least to most
// desirable/fastest so that index distance doubles as label adjacency.
const (
	FluencyLow    = 0
	FluencyMedium = 1
	FluencyHigh   = 2

	TempoSlow   = 0
	TempoMedium = 1
	TempoFast   = 2

	PronunciationUnclear = 0
	PronunciationClear   = 1
)

var groupLabels = [...][]string{
	Fluency:       {"low", "medium", "high"},
	Tempo:         {"slow", "medium", "fast"},
	Pronunciation: {"unclear", "clear"},
}

var groupNeutral = [...]int{
	Fluency:       FluencyMedium,
	Tempo:         TempoMedium,
	Pronunciation: PronunciationClear,
}

// String returns the wire name of the group
func (g Group) String() string {
	switch g {
	case Fluency:
		return "fluency"
	case Tempo:
		return "tempo"
	case Pronunciation:
		return "pronunciation"
	default:
		return fmt.Sprintf("group(%d)", int(g))
	}
}

// Labels returns the ordered label names of the group. The slice must not be modified.
func (g Group) Labels() []string {
	if g < Fluency || g > Pronunciation {
		return nil
	}
	return groupLabels[g]
}

// Size returns the number of labels in the group
func (g Group) Size() int {
	return len(g.Labels())
}

// Neutral returns the label index used when a category cannot be recognised
func (g Group) Neutral() int {
	if g < Fluency || g > Pronunciation {
		return 0
	}
	return groupNeutral[g]
}

// LabelName returns the name of label index i, or "" when out of range
func (g Group) LabelName(i int) string {
	labels := g.Labels()
	if i < 0 || i >= len(labels) {
		return ""
	}
	return labels[i]
}

// Classification is the upstream classifier's verdict for one group
type Classification struct {
	Label      int       `json:"label"`
	Confidence float64   `json:"confidence"`
	Posterior  []float64 `json:"posterior,omitempty"` // full distribution, when the classifier emits one
}

// RawFrame is one validated observation from the upstream classifier
type RawFrame struct {
	Fluency       Classification `json:"fluency"`
	Tempo         Classification `json:"tempo"`
	Pronunciation Classification `json:"pronunciation"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Get returns the classification for the given group
func (f RawFrame) Get(g Group) Classification {
	switch g {
	case Fluency:
		return f.Fluency
	case Tempo:
		return f.Tempo
	default:
		return f.Pronunciation
	}
}

// Energy is the voice activity proxy: the mean of the three confidences
func (f RawFrame) Energy() float64 {
	return (f.Fluency.Confidence + f.Tempo.Confidence + f.Pronunciation.Confidence) / 3
}
