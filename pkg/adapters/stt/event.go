package stt

// EventType classifies a speech event.
type EventType int

const (
	EventInterim EventType = iota
	EventFinal
)

func (t EventType) String() string {
	switch t {
	case EventFinal:
		return "final"
	default:
		return "interim"
	}
}

// SpeechEvent is one transcript update delivered to the caller.
type SpeechEvent struct {
	Type       EventType `json:"-"`
	Text       string    `json:"text"`
	Language   string    `json:"language,omitempty"`
	Speaker    string    `json:"speaker,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
}

func (e SpeechEvent) IsFinal() bool { return e.Type == EventFinal }
