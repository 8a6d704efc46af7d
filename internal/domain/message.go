package domain

import (
	"strconv"
	"time"
)

// MessageKind discriminates message payloads. Only text messages carry
// generated content; system notices are text messages flagged in metadata.
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindSystem MessageKind = "system"
	KindOther  MessageKind = "other"
)

// Author identifies who wrote a message.
type Author struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// StopState records whether the last generation ended at the model's own
// end-of-sequence token. The zero value means no generation is known.
type StopState int

const (
	StopUnknown StopState = iota
	StopAtEOS
	StopCutShort
)

func (s StopState) String() string {
	switch s {
	case StopAtEOS:
		return "eos"
	case StopCutShort:
		return "cut_short"
	default:
		return "unknown"
	}
}

func (s StopState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *StopState) UnmarshalText(text []byte) error {
	*s = ParseStopState(string(text))
	return nil
}

// ParseStopState is the inverse of String. Unrecognized input maps to
// StopUnknown.
func ParseStopState(s string) StopState {
	switch s {
	case "eos":
		return StopAtEOS
	case "cut_short":
		return StopCutShort
	default:
		return StopUnknown
	}
}

// Timings are the performance numbers reported by the engine for one
// completion.
type Timings struct {
	PromptN             int     `json:"prompt_n"`
	PromptMS            float64 `json:"prompt_ms"`
	PromptPerTokenMS    float64 `json:"prompt_per_token_ms"`
	PromptPerSecond     float64 `json:"prompt_per_second"`
	PredictedN          int     `json:"predicted_n"`
	PredictedMS         float64 `json:"predicted_ms"`
	PredictedPerTokenMS float64 `json:"predicted_per_token_ms"`
	PredictedPerSecond  float64 `json:"predicted_per_second"`
}

// Metadata holds the auxiliary fields of a message. Updates are merged with
// Merge; unset fields in a patch leave the stored value alone.
type Metadata struct {
	ConversationID string    `json:"conversationId,omitempty"`
	ContextID      string    `json:"contextId,omitempty"`
	Copyable       *bool     `json:"copyable,omitempty"`
	StoppedAtEOS   StopState `json:"stoppedAtEndOfSequence,omitempty"`
	Timings        *Timings  `json:"timings,omitempty"`
	System         bool      `json:"system,omitempty"`
}

// Merge returns m overlaid with every field set in patch.
func (m Metadata) Merge(patch Metadata) Metadata {
	out := m
	if patch.ConversationID != "" {
		out.ConversationID = patch.ConversationID
	}
	if patch.ContextID != "" {
		out.ContextID = patch.ContextID
	}
	if patch.Copyable != nil {
		v := *patch.Copyable
		out.Copyable = &v
	}
	if patch.StoppedAtEOS != StopUnknown {
		out.StoppedAtEOS = patch.StoppedAtEOS
	}
	if patch.Timings != nil {
		t := *patch.Timings
		out.Timings = &t
	}
	if patch.System {
		out.System = true
	}
	return out
}

// MessageKey identifies a message by creation time and id. It is captured
// when a generation starts and used to address every later patch.
type MessageKey struct {
	CreatedAt time.Time
	ID        string
}

func (k MessageKey) IsZero() bool {
	return k.ID == "" && k.CreatedAt.IsZero()
}

func (k MessageKey) String() string {
	return strconv.FormatInt(k.CreatedAt.UnixMilli(), 10) + "/" + k.ID
}

// Message is one turn in the conversation.
type Message struct {
	ID        string
	Author    Author
	CreatedAt time.Time
	Kind      MessageKind
	Text      string
	Metadata  Metadata
}

func (m Message) Key() MessageKey {
	return MessageKey{CreatedAt: m.CreatedAt, ID: m.ID}
}

// IsNotice reports whether m is a system notice rather than a conversation
// turn.
func (m Message) IsNotice() bool {
	return m.Kind == KindSystem || m.Metadata.System
}

// MessagePatch appends text to a message and merges metadata into it.
type MessagePatch struct {
	AppendText string
	Metadata   Metadata
}

// Apply returns m with the patch applied.
func (p MessagePatch) Apply(m Message) Message {
	m.Text += p.AppendText
	m.Metadata = m.Metadata.Merge(p.Metadata)
	return m
}

// BoolPtr is a convenience for optional metadata flags.
func BoolPtr(v bool) *bool {
	return &v
}
