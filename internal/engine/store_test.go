package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gelogrammer/speech-metrics-service/internal/estimator"
)

func TestStorePublishAndSnapshot(t *testing.T) {
	s := NewStore()
	assert.Equal(t, Metrics{}, s.Snapshot())

	p := estimator.Probabilities{
		Fluency:       estimator.Distribution{0.1, 0.2, 0.7},
		Tempo:         estimator.Distribution{0.2, 0.6, 0.2},
		Pronunciation: estimator.Distribution{0.3, 0.7},
	}
	m := Metrics{OverallScore: 0.8, WordCount: 4, ClassProbabilities: &p}
	s.Publish(m)

	// Mutating the published value must not leak into the store
	p.Fluency[2] = 0
	snap := s.Snapshot()
	assert.Equal(t, 0.7, snap.ClassProbabilities.Fluency[2])

	snap.ClassProbabilities.Tempo[1] = 0
	assert.Equal(t, 0.6, s.Snapshot().ClassProbabilities.Tempo[1])

	s.Reset()
	assert.Equal(t, Metrics{}, s.Snapshot())
}

func TestStoreBroadcastOrder(t *testing.T) {
	s := NewStore()

	var a, b []UpdateKind
	cancelA := s.Subscribe(func(u Update) { a = append(a, u.Kind) })
	s.Subscribe(func(u Update) { b = append(b, u.Kind) })
	require.Equal(t, 2, s.Subscribers())

	s.Broadcast(Update{Kind: UpdateActivity}, Update{Kind: UpdateMetrics})
	assert.Equal(t, []UpdateKind{UpdateActivity, UpdateMetrics}, a)
	assert.Equal(t, []UpdateKind{UpdateActivity, UpdateMetrics}, b)

	cancelA()
	s.Broadcast(Update{Kind: UpdateReset})
	assert.Len(t, a, 2)
	assert.Len(t, b, 3)

	s.Broadcast()
	assert.Len(t, b, 3)

	s.Clear()
	assert.Zero(t, s.Subscribers())
}

func TestStoreSubscribersGetCopies(t *testing.T) {
	s := NewStore()

	p := estimator.Probabilities{Fluency: estimator.Distribution{1, 0, 0}}
	s.Subscribe(func(u Update) { u.Metrics.ClassProbabilities.Fluency[0] = -1 })

	var seen float64
	s.Subscribe(func(u Update) { seen = u.Metrics.ClassProbabilities.Fluency[0] })

	s.Broadcast(Update{Kind: UpdateMetrics, Metrics: Metrics{ClassProbabilities: &p}})
	assert.Equal(t, 1.0, seen)
	assert.Equal(t, 1.0, p.Fluency[0])
}

func TestStoreDropsOvertakenUpdates(t *testing.T) {
	s := NewStore()

	var got []UpdateKind
	s.Subscribe(func(u Update) { got = append(got, u.Kind) })

	// A reset stamped after a metrics update reaches the store first
	s.Broadcast(Update{Kind: UpdateReset, seq: 2})
	s.Broadcast(Update{Kind: UpdateMetrics, seq: 1})
	s.Broadcast(Update{Kind: UpdateActivity, seq: 3}, Update{Kind: UpdateMetrics, seq: 3})

	assert.Equal(t, []UpdateKind{UpdateReset, UpdateActivity}, got)

	// Unsequenced updates are always delivered
	s.Broadcast(Update{Kind: UpdateMetrics})
	assert.Equal(t, []UpdateKind{UpdateReset, UpdateActivity, UpdateMetrics}, got)
}
