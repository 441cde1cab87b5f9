package vad

import (
	"fmt"
	"sync"
	"time"

	"github.com/gelogrammer/speech-metrics-service/internal/frame"
)

// Config holds the voice activity and admission thresholds
type Config struct {
	EnergyThreshold     float64       `json:"energy_threshold"`      // Mean confidence that counts as voice
	InactivityThreshold time.Duration `json:"inactivity_threshold"`  // Silence before waiting-for-voice
	MinSpeechDuration   time.Duration `json:"min_speech_duration"`   // Speech needed before analysis
	AnalysisDelay       time.Duration `json:"analysis_delay"`        // Debounce between analyses
	ForceUpdateInterval time.Duration `json:"force_update_interval"` // Liveness refresh
}

// DefaultConfig returns the reference thresholds
func DefaultConfig() Config {
	return Config{
		EnergyThreshold:     0.01,
		InactivityThreshold: 3 * time.Second,
		MinSpeechDuration:   500 * time.Millisecond,
		AnalysisDelay:       200 * time.Millisecond,
		ForceUpdateInterval: 5 * time.Second,
	}
}

// Validate checks the configuration for consistency
func (c Config) Validate() error {
	if c.EnergyThreshold < 0 || c.EnergyThreshold >= 1 {
		return fmt.Errorf("energy threshold must be in [0, 1), got %f", c.EnergyThreshold)
	}
	if c.InactivityThreshold <= 0 {
		return fmt.Errorf("inactivity threshold must be positive, got %v", c.InactivityThreshold)
	}
	if c.MinSpeechDuration < 0 {
		return fmt.Errorf("min speech duration cannot be negative, got %v", c.MinSpeechDuration)
	}
	if c.AnalysisDelay < 0 {
		return fmt.Errorf("analysis delay cannot be negative, got %v", c.AnalysisDelay)
	}
	if c.ForceUpdateInterval <= c.AnalysisDelay {
		return fmt.Errorf("force update interval (%v) must exceed analysis delay (%v)",
			c.ForceUpdateInterval, c.AnalysisDelay)
	}
	return nil
}

// Activity is the detector's externally visible state
type Activity struct {
	IsSpeaking      bool      `json:"is_speaking"`
	WaitingForVoice bool      `json:"waiting_for_voice"`
	SpeechStartedAt time.Time `json:"speech_started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
}

// Transition describes a state change caused by a frame
type Transition int

const (
	TransitionNone Transition = iota
	TransitionSpeechStart
	TransitionSpeechEnd
)

func (t Transition) String() string {
	switch t {
	case TransitionSpeechStart:
		return "speech_start"
	case TransitionSpeechEnd:
		return "speech_end"
	default:
		return "none"
	}
}

// Result represents the outcome of processing one frame
type Result struct {
	Energy         float64    `json:"energy"`
	HasVoice       bool       `json:"has_voice"`
	Transition     Transition `json:"transition"`
	WaitingChanged bool       `json:"waiting_changed"` // WaitingForVoice flipped on this frame
	Activity       Activity   `json:"activity"`
}

// Decision is the admission verdict for a full recomputation
type Decision struct {
	Analyze bool `json:"analyze"`
	Forced  bool `json:"forced"` // admitted only by the force-update interval
}

// MaxRecentSegments bounds the speech segments a detector retains
const MaxRecentSegments = 32

// Segment represents a completed stretch of speech
type Segment struct {
	Start      time.Time     `json:"start"`
	End        time.Time     `json:"end"`
	Duration   time.Duration `json:"duration"`
	MeanEnergy float64       `json:"mean_energy"`
}

// Stats represents detector statistics
type Stats struct {
	TotalFrames     uint64        `json:"total_frames"`
	VoiceFrames     uint64        `json:"voice_frames"`
	VoicePercentage float64       `json:"voice_percentage"`
	Segments        int           `json:"segments"`
	SpeechTime      time.Duration `json:"speech_time"`
	MeanSegment     float64       `json:"mean_segment_energy"`
	LastProcessed   time.Time     `json:"last_processed"`
	Threshold       float64       `json:"threshold"`
}

// Detector tracks speaking / idle state and the waiting-for-voice overlay.
// It is driven entirely by frame timestamps and explicit clock readings, so
// it holds no timers of its own.
type Detector struct {
	cfg   Config
	state Activity

	// Current segment accumulation
	segEnergy float64
	segFrames int

	// Completed segments: running totals plus a ring of the most recent
	recent       [MaxRecentSegments]Segment
	recentNext   int
	recentLen    int
	segmentCount int
	speechTime   time.Duration
	energySum    float64

	// Statistics
	totalFrames   uint64
	voiceFrames   uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// NewDetector creates a detector; Start must be called before processing
func NewDetector(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid vad config: %w", err)
	}
	return &Detector{cfg: cfg}, nil
}

// Start begins a fresh session at now
func (d *Detector) Start(now time.Time) {
	d.Reset(now)
}

// Reset returns the detector to its session defaults. The session start
// counts as the last activity so that waiting-for-voice fires no later than
// InactivityThreshold after it.
func (d *Detector) Reset(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.state = Activity{LastActivityAt: now}
	d.segEnergy = 0
	d.segFrames = 0
	d.recentNext = 0
	d.recentLen = 0
	d.segmentCount = 0
	d.speechTime = 0
	d.energySum = 0
	d.totalFrames = 0
	d.voiceFrames = 0
	d.lastProcessed = time.Time{}
}

// Process advances the state machine with one frame
func (d *Detector) Process(f frame.RawFrame) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := f.Timestamp
	energy := f.Energy()
	hasVoice := energy > d.cfg.EnergyThreshold
	wasWaiting := d.state.WaitingForVoice

	res := Result{Energy: energy, HasVoice: hasVoice}

	d.totalFrames++
	d.lastProcessed = now

	if hasVoice {
		d.voiceFrames++
		if !d.state.IsSpeaking {
			d.state.IsSpeaking = true
			d.state.SpeechStartedAt = now
			d.segEnergy = 0
			d.segFrames = 0
			res.Transition = TransitionSpeechStart
		}
		d.segEnergy += energy
		d.segFrames++
		d.state.LastActivityAt = now
		d.state.WaitingForVoice = false
	} else {
		if d.state.IsSpeaking {
			d.state.IsSpeaking = false
			d.closeSegment(now)
			res.Transition = TransitionSpeechEnd
		}
		d.checkInactivity(now)
	}

	res.WaitingChanged = wasWaiting != d.state.WaitingForVoice
	res.Activity = d.state
	return res
}

// CheckInactivity raises WaitingForVoice once the inactivity threshold has
// elapsed since the last qualifying frame, whatever the current state. A
// speech segment that went stale because frames stopped arriving is closed
// at its last activity.
func (d *Detector) CheckInactivity(now time.Time) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	tr, changed := d.checkInactivity(now)
	return Result{Transition: tr, WaitingChanged: changed, Activity: d.state}
}

func (d *Detector) checkInactivity(now time.Time) (Transition, bool) {
	if d.state.WaitingForVoice {
		return TransitionNone, false
	}
	if now.Sub(d.state.LastActivityAt) < d.cfg.InactivityThreshold {
		return TransitionNone, false
	}

	tr := TransitionNone
	if d.state.IsSpeaking {
		d.state.IsSpeaking = false
		d.closeSegment(d.state.LastActivityAt)
		tr = TransitionSpeechEnd
	}
	d.state.WaitingForVoice = true
	return tr, true
}

// InactivityDeadline returns the instant at which waiting-for-voice would be
// raised if no qualifying frame arrives
func (d *Detector) InactivityDeadline() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.LastActivityAt.Add(d.cfg.InactivityThreshold)
}

// ShouldAnalyze decides whether a recomputation is warranted at now, given the
// time of the last accepted analysis
func (d *Detector) ShouldAnalyze(now, lastAccepted time.Time) Decision {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sinceLast := now.Sub(lastAccepted)

	if d.state.IsSpeaking &&
		now.Sub(d.state.SpeechStartedAt) >= d.cfg.MinSpeechDuration &&
		sinceLast >= d.cfg.AnalysisDelay {
		return Decision{Analyze: true}
	}

	if sinceLast >= d.cfg.ForceUpdateInterval {
		return Decision{Analyze: true, Forced: true}
	}

	return Decision{}
}

func (d *Detector) closeSegment(end time.Time) {
	seg := Segment{
		Start:    d.state.SpeechStartedAt,
		End:      end,
		Duration: end.Sub(d.state.SpeechStartedAt),
	}
	if d.segFrames > 0 {
		seg.MeanEnergy = d.segEnergy / float64(d.segFrames)
	}

	d.recent[d.recentNext] = seg
	d.recentNext = (d.recentNext + 1) % MaxRecentSegments
	if d.recentLen < MaxRecentSegments {
		d.recentLen++
	}
	d.segmentCount++
	d.speechTime += seg.Duration
	d.energySum += seg.MeanEnergy
	d.segEnergy = 0
	d.segFrames = 0
}

// Activity returns a copy of the current activity state
func (d *Detector) Activity() Activity {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Segments returns up to MaxRecentSegments of the latest completed speech
// segments, oldest first
func (d *Detector) Segments() []Segment {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Segment, 0, d.recentLen)
	start := (d.recentNext - d.recentLen + MaxRecentSegments) % MaxRecentSegments
	for i := 0; i < d.recentLen; i++ {
		out = append(out, d.recent[(start+i)%MaxRecentSegments])
	}
	return out
}

// GetStats returns current detector statistics
func (d *Detector) GetStats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	voicePercentage := float64(0)
	if d.totalFrames > 0 {
		voicePercentage = float64(d.voiceFrames) / float64(d.totalFrames) * 100
	}

	meanSegment := float64(0)
	if d.segmentCount > 0 {
		meanSegment = d.energySum / float64(d.segmentCount)
	}

	return Stats{
		TotalFrames:     d.totalFrames,
		VoiceFrames:     d.voiceFrames,
		VoicePercentage: voicePercentage,
		Segments:        d.segmentCount,
		SpeechTime:      d.speechTime,
		MeanSegment:     meanSegment,
		LastProcessed:   d.lastProcessed,
		Threshold:       d.cfg.EnergyThreshold,
	}
}

// UpdateThreshold updates the voice energy threshold
func (d *Detector) UpdateThreshold(threshold float64) error {
	if threshold < 0 || threshold >= 1 {
		return fmt.Errorf("threshold must be in [0, 1), got %f", threshold)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.cfg.EnergyThreshold = threshold
	return nil
}

// Config returns the detector configuration
func (d *Detector) Config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}
