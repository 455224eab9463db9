package aggregators

import (
	"strings"

	"github.com/harunnryd/ranya-stt/pkg/adapters/stt"
)

// Token is one recognition fragment reported by the service.
type Token struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Speaker    string  `json:"speaker,omitempty"`
	Language   string  `json:"language,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	StartMs    int64   `json:"start_ms,omitempty"`
	EndMs      int64   `json:"end_ms,omitempty"`
}

type TokenConfig struct {
	// Language is reported on every event unless DetectLanguage is set.
	Language string
	// DetectLanguage reports the language detected on the tokens instead.
	DetectLanguage bool
	// Diarize attaches the speaker of the last token to each event.
	Diarize bool
}

// TokenAggregator reconciles token messages into speech events. It keeps the
// finals not yet emitted in a Final event and the latest non-final hypothesis.
// It is not safe for concurrent use; a single listen loop owns it.
type TokenAggregator struct {
	cfg      TokenConfig
	finals   []Token
	nonFinal []Token
}

func NewTokenAggregator(cfg TokenConfig) *TokenAggregator {
	return &TokenAggregator{cfg: cfg}
}

// Apply folds one message worth of tokens into the buffers. It returns false
// when the combined token set is empty and no event should be emitted.
func (a *TokenAggregator) Apply(tokens []Token) (stt.SpeechEvent, bool) {
	a.nonFinal = a.nonFinal[:0]
	for _, tok := range tokens {
		if tok.Text == "" {
			continue
		}
		if tok.IsFinal {
			a.finals = append(a.finals, tok)
		} else {
			a.nonFinal = append(a.nonFinal, tok)
		}
	}

	total := len(a.finals) + len(a.nonFinal)
	if total == 0 {
		return stt.SpeechEvent{}, false
	}

	combined := make([]Token, 0, total)
	combined = append(combined, a.finals...)
	combined = append(combined, a.nonFinal...)

	ev := a.event(combined)
	if len(a.nonFinal) == 0 {
		ev.Type = stt.EventFinal
		a.finals = a.finals[:0]
	}
	return ev, true
}

func (a *TokenAggregator) event(tokens []Token) stt.SpeechEvent {
	parts := make([]string, 0, len(tokens))
	var confSum float64
	var confN int
	for _, tok := range tokens {
		parts = append(parts, tok.Text)
		if tok.Confidence > 0 {
			confSum += tok.Confidence
			confN++
		}
	}
	ev := stt.SpeechEvent{
		Type:     stt.EventInterim,
		Text:     strings.Join(parts, " "),
		Language: a.cfg.Language,
	}
	if confN > 0 {
		ev.Confidence = confSum / float64(confN)
	}
	if a.cfg.DetectLanguage {
		for i := len(tokens) - 1; i >= 0; i-- {
			if tokens[i].Language != "" {
				ev.Language = tokens[i].Language
				break
			}
		}
	}
	if a.cfg.Diarize {
		ev.Speaker = tokens[len(tokens)-1].Speaker
	}
	return ev
}

// Reset drops both buffers.
func (a *TokenAggregator) Reset() {
	a.finals = nil
	a.nonFinal = nil
}

// Snapshot returns copies of the pending final and non-final tokens.
func (a *TokenAggregator) Snapshot() (finals, nonFinal []Token) {
	return append([]Token(nil), a.finals...), append([]Token(nil), a.nonFinal...)
}
