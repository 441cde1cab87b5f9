package frame

import (
	"math"
	"sort"
	"strings"
	"time"
)

// LabelInput is the loosely-typed shape of one group as it arrives from a transport
type LabelInput struct {
	Category     string             `json:"category"`
	Confidence   float64            `json:"confidence"`
	Distribution map[string]float64 `json:"distribution,omitempty"`
}

// Input is an unvalidated classifier observation
type Input struct {
	Fluency       LabelInput `json:"fluency"`
	Tempo         LabelInput `json:"tempo"`
	Pronunciation LabelInput `json:"pronunciation"`
	Timestamp     time.Time  `json:"timestamp"`
}

func (in *Input) group(g Group) LabelInput {
	switch g {
	case Fluency:
		return in.Fluency
	case Tempo:
		return in.Tempo
	default:
		return in.Pronunciation
	}
}

// Validate turns arbitrary input into a RawFrame. It never fails: confidences
// are clamped to [0,1], unknown categories fall back to the group's neutral
// label and a missing timestamp is replaced by now. A nil input yields the
// all-default frame.
func Validate(in *Input, now time.Time) RawFrame {
	if in == nil {
		in = &Input{}
	}

	f := RawFrame{Timestamp: in.Timestamp}
	if f.Timestamp.IsZero() {
		f.Timestamp = now
	}

	f.Fluency = validateGroup(Fluency, in.group(Fluency))
	f.Tempo = validateGroup(Tempo, in.group(Tempo))
	f.Pronunciation = validateGroup(Pronunciation, in.group(Pronunciation))

	return f
}

func validateGroup(g Group, li LabelInput) Classification {
	return Classification{
		Label:      MatchLabel(g, li.Category),
		Confidence: ClampUnit(li.Confidence),
		Posterior:  normalizePosterior(g, li.Distribution),
	}
}

// ClampUnit clamps v to [0,1], mapping NaN to 0
func ClampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// MatchLabel coerces a free-form category string to a label index of g.
// Matching is exact first, then by substring with the longest label winning
// (so "unclear" is not mistaken for "clear"), then by prefix ("med" → medium).
func MatchLabel(g Group, category string) int {
	s := strings.ToLower(strings.TrimSpace(category))
	if s == "" {
		return g.Neutral()
	}

	labels := g.Labels()
	for i, l := range labels {
		if s == l {
			return i
		}
	}

	for _, i := range byLengthDesc(labels) {
		if strings.Contains(s, labels[i]) {
			return i
		}
	}

	for i, l := range labels {
		if strings.HasPrefix(l, s) {
			return i
		}
	}

	return g.Neutral()
}

func byLengthDesc(labels []string) []int {
	idx := make([]int, len(labels))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return len(labels[idx[a]]) > len(labels[idx[b]])
	})
	return idx
}

// normalizePosterior accepts a native distribution only when every label of the
// group is present with finite, non-negative mass and the total is positive.
func normalizePosterior(g Group, dist map[string]float64) []float64 {
	if len(dist) == 0 {
		return nil
	}

	lowered := make(map[string]float64, len(dist))
	for k, v := range dist {
		lowered[strings.ToLower(strings.TrimSpace(k))] = v
	}

	labels := g.Labels()
	out := make([]float64, len(labels))
	var sum float64
	for i, l := range labels {
		v, ok := lowered[l]
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return nil
		}
		out[i] = v
		sum += v
	}
	if sum <= 0 {
		return nil
	}

	for i := range out {
		out[i] /= sum
	}
	return out
}
