package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/mdobak/go-xerrors"

	"github.com/gelogrammer/speech-metrics-service/internal/estimator"
	"github.com/gelogrammer/speech-metrics-service/internal/frame"
	"github.com/gelogrammer/speech-metrics-service/internal/scoring"
	"github.com/gelogrammer/speech-metrics-service/internal/smoothing"
	"github.com/gelogrammer/speech-metrics-service/internal/vad"
)

// ErrClosed is returned by every mutating call after Close
var ErrClosed = errors.New("engine closed")

// Config aggregates the parameters of every stage
type Config struct {
	VAD                  vad.Config
	Estimator            estimator.Config
	Scoring              scoring.Config
	Smoothing            smoothing.Config
	IncludeProbabilities bool
}

// DefaultConfig returns the reference parameters of every stage
func DefaultConfig() Config {
	return Config{
		VAD:       vad.DefaultConfig(),
		Estimator: estimator.DefaultConfig(),
		Scoring:   scoring.DefaultConfig(),
		Smoothing: smoothing.DefaultConfig(),
	}
}

// Recorder receives processing observations, typically for Prometheus
type Recorder interface {
	ObserveFrame(hasVoice bool)
	ObserveAnalysis(forced bool, overall float64, took time.Duration)
	ObserveTransition(t vad.Transition)
	ObserveWaiting(waiting bool)
}

type nopRecorder struct{}

func (nopRecorder) ObserveFrame(bool)                            {}
func (nopRecorder) ObserveAnalysis(bool, float64, time.Duration) {}
func (nopRecorder) ObserveTransition(vad.Transition)             {}
func (nopRecorder) ObserveWaiting(bool)                          {}

// Option configures an Engine
type Option func(*Engine)

// WithClock replaces the system clock
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRecorder sets the observation sink
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// Decision reports what SubmitFrame did with a frame
type Decision struct {
	Energy     float64        `json:"energy"`
	HasVoice   bool           `json:"has_voice"`
	Transition vad.Transition `json:"transition"`
	Analyzed   bool           `json:"analyzed"`
	Forced     bool           `json:"forced"`
}

// Engine turns a stream of classifier frames into stable session metrics.
// All processing is serialized. Subscribers are notified outside the lock in
// publish order; an update overtaken by a later one is not delivered.
type Engine struct {
	cfg      Config
	clock    Clock
	logger   *slog.Logger
	recorder Recorder

	detector   *vad.Detector
	estimator  *estimator.Estimator
	aggregator *scoring.Aggregator
	smoother   *smoothing.Smoother
	store      *Store

	mu           sync.Mutex
	sessionStart time.Time
	lastAccepted time.Time
	lastFrameAt  time.Time
	observations int
	frames       uint64
	updateSeq    uint64
	watchdog     Timer
	closed       bool
}

// New creates an engine and starts its first session
func New(cfg Config, opts ...Option) (*Engine, error) {
	detector, err := vad.NewDetector(cfg.VAD)
	if err != nil {
		return nil, err
	}
	est, err := estimator.New(cfg.Estimator)
	if err != nil {
		return nil, err
	}
	agg, err := scoring.New(cfg.Scoring)
	if err != nil {
		return nil, err
	}
	sm, err := smoothing.New(cfg.Smoothing)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		clock:      SystemClock(),
		logger:     slog.Default(),
		recorder:   nopRecorder{},
		detector:   detector,
		estimator:  est,
		aggregator: agg,
		smoother:   sm,
		store:      NewStore(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.mu.Lock()
	e.startSessionLocked(e.clock.Now())
	e.mu.Unlock()

	return e, nil
}

// SubmitFrame ingests one classifier frame. A missing timestamp is replaced
// by the clock, and timestamps never move backwards within a session.
func (e *Engine) SubmitFrame(in *frame.Input) (Decision, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		err := xerrors.New(ErrClosed)
		e.logger.Warn("Frame submitted to closed engine", slog.Any("error", err))
		return Decision{}, err
	}

	f := frame.Validate(in, e.clock.Now())
	if f.Timestamp.Before(e.lastFrameAt) {
		f.Timestamp = e.lastFrameAt
	}
	e.lastFrameAt = f.Timestamp
	e.frames++

	res := e.detector.Process(f)
	e.recorder.ObserveFrame(res.HasVoice)

	dec := Decision{Energy: res.Energy, HasVoice: res.HasVoice, Transition: res.Transition}
	var updates []Update

	if res.Transition != vad.TransitionNone || res.WaitingChanged {
		e.observeActivityLocked(res)
		updates = append(updates, e.stampLocked(Update{
			Kind:       UpdateActivity,
			Metrics:    e.store.Snapshot(),
			Activity:   res.Activity,
			Transition: res.Transition,
		}))
	}

	admit := e.detector.ShouldAnalyze(f.Timestamp, e.lastAccepted)
	if admit.Analyze {
		m := e.analyzeLocked(f, res.Activity.IsSpeaking, admit.Forced)
		dec.Analyzed = true
		dec.Forced = admit.Forced
		updates = append(updates, e.stampLocked(Update{
			Kind:     UpdateMetrics,
			Metrics:  m,
			Activity: res.Activity,
			Forced:   admit.Forced,
		}))
	}

	if res.HasVoice {
		e.armWatchdogLocked()
	}
	e.mu.Unlock()

	e.store.Broadcast(updates...)
	return dec, nil
}

// analyzeLocked runs estimation, aggregation and smoothing and publishes the
// result
func (e *Engine) analyzeLocked(f frame.RawFrame, speaking, forced bool) Metrics {
	start := time.Now()

	probs := e.estimator.Estimate(f)
	raw := e.aggregator.Aggregate(probs, speaking)
	prev := e.store.Snapshot()
	first := e.observations == 0

	smooth := func(field smoothing.Field, p, c float64) float64 {
		return e.smoother.Smooth(field, p, c, speaking, first)
	}

	next := Metrics{
		FluencyScore:       frame.ClampUnit(smooth(smoothing.FieldFluency, prev.FluencyScore, raw.Fluency)),
		TempoScore:         frame.ClampUnit(smooth(smoothing.FieldTempo, prev.TempoScore, raw.Tempo)),
		PronunciationScore: frame.ClampUnit(smooth(smoothing.FieldPronunciation, prev.PronunciationScore, raw.Pronunciation)),
		OverallScore:       frame.ClampUnit(smooth(smoothing.FieldOverall, prev.OverallScore, raw.Overall)),
		WordsPerMinute:     math.Max(0, smooth(smoothing.FieldWordsPerMinute, prev.WordsPerMinute, raw.WordsPerMinute)),
		SilenceRatio: math.Min(e.aggregator.Config().SilenceCeiling,
			frame.ClampUnit(smooth(smoothing.FieldSilenceRatio, prev.SilenceRatio, raw.SilenceRatio))),
	}

	next.WordCount = prev.WordCount + e.aggregator.WordIncrement(next.WordsPerMinute, f.Timestamp.Sub(e.lastAccepted), speaking)
	e.observations++
	next.Observations = e.observations
	next.Confidence = e.aggregator.Confidence(e.observations)
	next.LastUpdated = f.Timestamp
	if e.cfg.IncludeProbabilities {
		p := probs.Clone()
		next.ClassProbabilities = &p
	}

	e.store.Publish(next)
	e.lastAccepted = f.Timestamp

	took := time.Since(start)
	e.recorder.ObserveAnalysis(forced, next.OverallScore, took)
	e.logger.Debug("Metrics updated",
		slog.Float64("overall", next.OverallScore),
		slog.Float64("wpm", next.WordsPerMinute),
		slog.Int("word_count", next.WordCount),
		slog.Bool("speaking", speaking),
		slog.Bool("forced", forced),
		slog.Duration("took", took),
	)

	return next
}

func (e *Engine) observeActivityLocked(res vad.Result) {
	if res.Transition != vad.TransitionNone {
		e.recorder.ObserveTransition(res.Transition)
		e.logger.Debug("Speech activity changed",
			slog.String("transition", res.Transition.String()),
			slog.Time("last_activity", res.Activity.LastActivityAt),
		)
	}
	if res.WaitingChanged {
		e.recorder.ObserveWaiting(res.Activity.WaitingForVoice)
		e.logger.Debug("Waiting for voice changed",
			slog.Bool("waiting_for_voice", res.Activity.WaitingForVoice),
		)
	}
}

// armWatchdogLocked schedules the inactivity check for the current deadline.
// The engine owns a single timer that is rescheduled in place; nothing is
// pending while already waiting.
func (e *Engine) armWatchdogLocked() {
	if e.closed || e.detector.Activity().WaitingForVoice {
		e.stopWatchdogLocked()
		return
	}

	delay := e.detector.InactivityDeadline().Sub(e.clock.Now())
	if delay < 0 {
		delay = 0
	}
	if e.watchdog == nil {
		e.watchdog = e.clock.AfterFunc(delay, e.onWatchdog)
		return
	}
	e.watchdog.Reset(delay)
}

func (e *Engine) stopWatchdogLocked() {
	if e.watchdog != nil {
		e.watchdog.Stop()
	}
}

// onWatchdog may run late or twice after a reschedule; the detector's own
// deadline decides whether anything changed.
func (e *Engine) onWatchdog() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	res := e.detector.CheckInactivity(e.clock.Now())
	if !res.WaitingChanged {
		// Fired ahead of a deadline that moved; try again later.
		e.armWatchdogLocked()
		e.mu.Unlock()
		return
	}

	e.observeActivityLocked(res)
	u := e.stampLocked(Update{
		Kind:       UpdateActivity,
		Metrics:    e.store.Snapshot(),
		Activity:   res.Activity,
		Transition: res.Transition,
	})
	e.mu.Unlock()

	e.store.Broadcast(u)
}

// stampLocked orders u after every update stamped before it
func (e *Engine) stampLocked(u Update) Update {
	e.updateSeq++
	u.seq = e.updateSeq
	return u
}

// startSessionLocked restores every default and reschedules the watchdog
func (e *Engine) startSessionLocked(now time.Time) {
	e.stopWatchdogLocked()

	e.detector.Reset(now)
	e.store.Reset()
	e.sessionStart = now
	e.lastAccepted = now
	e.lastFrameAt = now
	e.observations = 0
	e.frames = 0

	e.armWatchdogLocked()
}

// ResetSession discards all session state, as if the engine had just been
// created. Resetting an open engine is always allowed.
func (e *Engine) ResetSession() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		err := xerrors.New(ErrClosed)
		e.logger.Warn("Reset requested on closed engine", slog.Any("error", err))
		return err
	}

	e.startSessionLocked(e.clock.Now())
	u := e.stampLocked(Update{
		Kind:     UpdateReset,
		Metrics:  Metrics{},
		Activity: e.detector.Activity(),
	})
	e.mu.Unlock()

	e.logger.Debug("Session reset")
	e.store.Broadcast(u)
	return nil
}

// Close stops the watchdog and drops every subscriber. A second Close
// returns ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return xerrors.New(ErrClosed)
	}
	e.closed = true
	e.stopWatchdogLocked()
	e.watchdog = nil
	e.mu.Unlock()

	e.store.Clear()
	return nil
}

// Metrics returns a copy of the latest published metrics
func (e *Engine) Metrics() Metrics {
	return e.store.Snapshot()
}

// Activity returns the current activity state
func (e *Engine) Activity() vad.Activity {
	return e.detector.Activity()
}

// Subscribe registers fn for every subsequent update
func (e *Engine) Subscribe(fn func(Update)) (cancel func()) {
	return e.store.Subscribe(fn)
}

// Stats summarizes the session for monitoring
type Stats struct {
	SessionStart time.Time `json:"session_start"`
	LastAccepted time.Time `json:"last_accepted"`
	Frames       uint64    `json:"frames"`
	Observations int       `json:"observations"`
	Subscribers  int       `json:"subscribers"`
	Segments     int       `json:"segments"`
	VoiceRatio   float64   `json:"voice_ratio"`
	Closed       bool      `json:"closed"`
}

// GetStats returns current session statistics
func (e *Engine) GetStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	ds := e.detector.GetStats()
	return Stats{
		SessionStart: e.sessionStart,
		LastAccepted: e.lastAccepted,
		Frames:       e.frames,
		Observations: e.observations,
		Subscribers:  e.store.Subscribers(),
		Segments:     ds.Segments,
		VoiceRatio:   ds.VoicePercentage / 100,
		Closed:       e.closed,
	}
}

// Config returns the engine configuration
func (e *Engine) Config() Config {
	return e.cfg
}

func (c Config) String() string {
	return fmt.Sprintf("energy>%.3f inactivity=%v min_speech=%v delay=%v force=%v",
		c.VAD.EnergyThreshold, c.VAD.InactivityThreshold, c.VAD.MinSpeechDuration,
		c.VAD.AnalysisDelay, c.VAD.ForceUpdateInterval)
}
