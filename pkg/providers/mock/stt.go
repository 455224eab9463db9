package mock

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/harunnryd/ranya-stt/pkg/adapters/stt"
	"github.com/harunnryd/ranya-stt/pkg/errorsx"
	"github.com/harunnryd/ranya-stt/pkg/frames"
)

type STTConfig struct {
	StreamID          string `mapstructure:"-"`
	Language          string `mapstructure:"language"`
	Transcript        string `mapstructure:"transcript"`
	InterimTranscript string `mapstructure:"interim_transcript"`
	EmitInterim       bool   `mapstructure:"emit_interim"`
	// FailAfter ends the stream with a service error once this many frames
	// were written. Zero disables it.
	FailAfter int `mapstructure:"fail_after"`
	// FailFlush makes every Flush return a service error while the stream
	// stays open.
	FailFlush bool `mapstructure:"fail_flush"`
}

// StreamingSTT is a scripted provider. Each Flush that follows audio emits
// the optional interim and then the final transcript.
type StreamingSTT struct {
	cfg    STTConfig
	events chan stt.SpeechEvent

	mu      sync.Mutex
	started bool
	closed  bool
	pending bool
	written int
	err     error
	frames  []frames.AudioFrame
}

func NewSTT(cfg STTConfig) *StreamingSTT {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	return &StreamingSTT{cfg: cfg, events: make(chan stt.SpeechEvent, 16)}
}

func (s *StreamingSTT) Name() string { return "mock_stt" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errorsx.Wrap(fmt.Errorf("%w: mock stream is closed", stt.ErrConnectionClosed), errorsx.ReasonSTTClosed)
	}
	s.started = true
	return nil
}

func (s *StreamingSTT) Write(ctx context.Context, frame frames.AudioFrame) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.written++
	s.pending = true
	s.frames = append(s.frames, frame)
	if s.cfg.FailAfter > 0 && s.written >= s.cfg.FailAfter {
		s.err = errorsx.Wrap(&stt.ServiceError{Code: 500, Message: "mock failure"}, errorsx.ReasonSTTService)
		s.closeLocked()
	}
	return nil
}

func (s *StreamingSTT) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if s.err != nil {
			return s.err
		}
		return errorsx.Wrap(fmt.Errorf("%w: mock stream is closed", stt.ErrConnectionClosed), errorsx.ReasonSTTClosed)
	}
	if s.cfg.FailFlush {
		return errorsx.Wrap(&stt.ServiceError{Code: 503, Message: "mock flush failure"}, errorsx.ReasonSTTService)
	}
	if !s.pending {
		return nil
	}
	s.pending = false
	if s.cfg.EmitInterim {
		interim := s.cfg.InterimTranscript
		if interim == "" {
			interim = s.cfg.Transcript
		}
		s.events <- stt.SpeechEvent{Type: stt.EventInterim, Text: interim, Language: s.cfg.Language}
	}
	s.events <- stt.SpeechEvent{Type: stt.EventFinal, Text: s.cfg.Transcript, Language: s.cfg.Language}
	return nil
}

func (s *StreamingSTT) Events() iter.Seq2[stt.SpeechEvent, error] {
	return func(yield func(stt.SpeechEvent, error) bool) {
		for ev := range s.events {
			if !yield(ev, nil) {
				return
			}
		}
		s.mu.Lock()
		err := s.err
		s.err = nil
		s.mu.Unlock()
		if err != nil {
			yield(stt.SpeechEvent{}, err)
		}
	}
}

// Written returns the frames received so far.
func (s *StreamingSTT) Written() []frames.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frames.AudioFrame(nil), s.frames...)
}

func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *StreamingSTT) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
