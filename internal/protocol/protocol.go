package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"github.com/gelogrammer/speech-metrics-service/internal/engine"
	"github.com/gelogrammer/speech-metrics-service/internal/frame"
	"github.com/gelogrammer/speech-metrics-service/internal/scoring"
	"github.com/gelogrammer/speech-metrics-service/internal/vad"
)

// Message types
const (
	// Inbound
	TypeStart = "start"
	TypeFrame = "frame"
	TypeReset = "reset"
	TypeEnd   = "end"

	// Outbound
	TypeSession  = "session"
	TypeMetrics  = "metrics"
	TypeActivity = "activity"
	TypeError    = "error"
)

// MaxMessageSize bounds a single encoded message
const MaxMessageSize = 16 * 1024

var (
	ErrEmptyMessage   = errors.New("empty message")
	ErrUnknownType    = errors.New("unknown message type")
	ErrMissingSession = errors.New("missing session_id")
	ErrTooLarge       = errors.New("message too large")
)

// FramePayload is one classifier observation on the wire. Frames carry no
// timestamp; the receiver stamps them on arrival.
type FramePayload struct {
	Fluency       frame.LabelInput `json:"fluency"`
	Tempo         frame.LabelInput `json:"tempo"`
	Pronunciation frame.LabelInput `json:"pronunciation"`
}

// UnmarshalJSON treats a frame that is not an object as an empty
// observation; the validator supplies every default.
func (p *FramePayload) UnmarshalJSON(data []byte) error {
	*p = FramePayload{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil
	}
	type plain FramePayload
	return sonic.Unmarshal(data, (*plain)(p))
}

// Input converts the payload into an engine input
func (p *FramePayload) Input() *frame.Input {
	if p == nil {
		return nil
	}
	return &frame.Input{
		Fluency:       p.Fluency,
		Tempo:         p.Tempo,
		Pronunciation: p.Pronunciation,
	}
}

// Message is an inbound client message
// Layout: {"type": ..., "session_id": ..., "seq": ..., "frame": {...}}
type Message struct {
	Type      string        `json:"type"`
	SessionID string        `json:"session_id,omitempty"`
	Sequence  uint64        `json:"seq,omitempty"` // 0 disables reorder detection
	Frame     *FramePayload `json:"frame,omitempty"`
}

// Outbound is a server message. Only the fields of its Type are set.
type Outbound struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Metrics    *engine.Metrics `json:"metrics,omitempty"`
	Band       scoring.Band    `json:"band,omitempty"`
	Forced     bool            `json:"forced,omitempty"`
	Reset      bool            `json:"reset,omitempty"`
	Activity   *vad.Activity   `json:"activity,omitempty"`
	Transition string          `json:"transition,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Parse decodes and validates an inbound message
func Parse(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(data), MaxMessageSize)
	}

	var msg Message
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	return &msg, nil
}

// Validate checks type and required fields
func (m *Message) Validate() error {
	if !IsValidType(m.Type) {
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	if m.Type != TypeStart && m.SessionID == "" {
		return fmt.Errorf("%s message: %w", m.Type, ErrMissingSession)
	}
	return nil
}

// IsValidType checks if t is an inbound message type
func IsValidType(t string) bool {
	switch t {
	case TypeStart, TypeFrame, TypeReset, TypeEnd:
		return true
	}
	return false
}

// Encode marshals any message
func Encode(v any) ([]byte, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// NewFrame builds a frame message
func NewFrame(sessionID string, seq uint64, p FramePayload) *Message {
	return &Message{Type: TypeFrame, SessionID: sessionID, Sequence: seq, Frame: &p}
}

// SessionMessage acknowledges a session
func SessionMessage(sessionID string, at time.Time) *Outbound {
	return &Outbound{Type: TypeSession, SessionID: sessionID, Timestamp: at}
}

// ErrorMessage reports a failure to the client
func ErrorMessage(sessionID string, err error, at time.Time) *Outbound {
	return &Outbound{Type: TypeError, SessionID: sessionID, Timestamp: at, Error: err.Error()}
}

// FromUpdate converts an engine update into its outbound message
func FromUpdate(sessionID string, u engine.Update, at time.Time) *Outbound {
	out := &Outbound{SessionID: sessionID, Timestamp: at}

	switch u.Kind {
	case engine.UpdateActivity:
		act := u.Activity
		out.Type = TypeActivity
		out.Activity = &act
		if u.Transition != vad.TransitionNone {
			out.Transition = u.Transition.String()
		}
	default:
		m := u.Metrics
		out.Type = TypeMetrics
		out.Metrics = &m
		out.Forced = u.Forced
		out.Reset = u.Kind == engine.UpdateReset
		if m.Observations > 0 {
			out.Band = scoring.BandFor(m.OverallScore)
		}
	}

	return out
}

// ParseOutbound decodes a server message, as clients do
func ParseOutbound(data []byte) (*Outbound, error) {
	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}
	var out Outbound
	if err := sonic.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &out, nil
}

// String returns a human-readable representation of the message
func (m *Message) String() string {
	return fmt.Sprintf("Message{Type:%s, SessionID:%q, Seq:%d, HasFrame:%t}",
		m.Type, m.SessionID, m.Sequence, m.Frame != nil)
}
