package engine

import (
	"sync"
	"time"

	"github.com/gelogrammer/speech-metrics-service/internal/estimator"
	"github.com/gelogrammer/speech-metrics-service/internal/vad"
)

// Metrics is the published, smoothed view of a session
type Metrics struct {
	FluencyScore       float64                  `json:"fluency_score"`
	TempoScore         float64                  `json:"tempo_score"`
	PronunciationScore float64                  `json:"pronunciation_score"`
	OverallScore       float64                  `json:"overall_score"`
	WordCount          int                      `json:"word_count"`
	WordsPerMinute     float64                  `json:"words_per_minute"`
	SilenceRatio       float64                  `json:"silence_ratio"`
	Confidence         float64                  `json:"confidence"`
	Observations       int                      `json:"observations"`
	LastUpdated        time.Time                `json:"last_updated"`
	ClassProbabilities *estimator.Probabilities `json:"class_probabilities,omitempty"`
}

// Clone returns a deep copy
func (m Metrics) Clone() Metrics {
	if m.ClassProbabilities != nil {
		p := m.ClassProbabilities.Clone()
		m.ClassProbabilities = &p
	}
	return m
}

// UpdateKind classifies a notification
type UpdateKind string

const (
	UpdateMetrics  UpdateKind = "metrics"
	UpdateActivity UpdateKind = "activity"
	UpdateReset    UpdateKind = "reset"
)

// Update is delivered to subscribers after every published change
type Update struct {
	Kind       UpdateKind     `json:"kind"`
	Metrics    Metrics        `json:"metrics"`
	Activity   vad.Activity   `json:"activity"`
	Transition vad.Transition `json:"transition"`
	Forced     bool           `json:"forced,omitempty"`

	seq uint64 // publish order; 0 means unordered
}

// Store holds the latest snapshot and the subscriber set. Publishing only
// replaces the snapshot; Broadcast delivers updates and must be called
// without holding any engine lock.
type Store struct {
	mu       sync.RWMutex
	current  Metrics
	subs     map[uint64]func(Update)
	nextSub  uint64

	delivery  sync.Mutex
	delivered uint64 // highest seq handed to subscribers
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{subs: make(map[uint64]func(Update))}
}

// Publish replaces the snapshot with a copy of m
func (s *Store) Publish(m Metrics) {
	s.mu.Lock()
	s.current = m.Clone()
	s.mu.Unlock()
}

// Snapshot returns a copy of the latest metrics
func (s *Store) Snapshot() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Reset restores the default snapshot
func (s *Store) Reset() {
	s.mu.Lock()
	s.current = Metrics{}
	s.mu.Unlock()
}

// Subscribe registers fn and returns a function that removes it. Cancelling
// twice is harmless.
func (s *Store) Subscribe(fn func(Update)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Subscribers returns the number of registered subscribers
func (s *Store) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Broadcast delivers updates in order to every subscriber. Each subscriber
// receives its own copy of the metrics. A sequenced update that arrives after
// a later one was delivered is stale and dropped.
func (s *Store) Broadcast(updates ...Update) {
	if len(updates) == 0 {
		return
	}

	// Serialize deliveries so subscribers observe updates in publish order.
	s.delivery.Lock()
	defer s.delivery.Unlock()

	s.mu.RLock()
	fns := make([]func(Update), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, u := range updates {
		if u.seq != 0 {
			if u.seq <= s.delivered {
				continue
			}
			s.delivered = u.seq
		}
		for _, fn := range fns {
			cp := u
			cp.Metrics = u.Metrics.Clone()
			fn(cp)
		}
	}
}

// Clear drops every subscriber
func (s *Store) Clear() {
	s.mu.Lock()
	s.subs = make(map[uint64]func(Update))
	s.mu.Unlock()
}
