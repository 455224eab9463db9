package soniox

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/ranya-stt/pkg/adapters/stt"
	"github.com/harunnryd/ranya-stt/pkg/frames"
	"github.com/harunnryd/ranya-stt/pkg/logging"
	"github.com/harunnryd/ranya-stt/pkg/resilience"
)

// STT builds Soniox streams from one validated Config. All streams share a
// circuit breaker that opens after repeated rate limited connects.
type STT struct {
	cfg     Config
	log     *slog.Logger
	breaker *resilience.CircuitBreaker
}

// New validates cfg. The API key falls back to $SONIOX_API_KEY.
func New(cfg Config) (*STT, error) {
	cfg, err := cfg.resolve()
	if err != nil {
		return nil, err
	}
	s := &STT{
		cfg:     cfg,
		log:     logging.NewComponentLogger(cfg.Logger, "soniox_stt"),
		breaker: resilience.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
	}
	s.log.Info("soniox_stt_initialized",
		slog.String("model", cfg.Model),
		slog.String("language", cfg.Language),
		slog.Int("sample_rate", cfg.SampleRate))
	return s, nil
}

func (s *STT) Name() string { return "soniox_stt" }

// Label is a human readable provider name.
func (s *STT) Label() string { return "Soniox (" + s.cfg.Model + ")" }

func (s *STT) Capabilities() stt.Capabilities {
	return stt.Capabilities{Streaming: true, InterimResults: s.cfg.InterimResults}
}

// Config returns the resolved configuration.
func (s *STT) Config() Config { return s.cfg }

// Breaker exposes the shared circuit breaker.
func (s *STT) Breaker() *resilience.CircuitBreaker { return s.breaker }

type StreamOption func(*streamParams)

// WithLanguage overrides the configured language for one stream. An empty
// value keeps the default.
func WithLanguage(lang string) StreamOption {
	return func(p *streamParams) {
		if lang != "" {
			p.language = normalizeLanguage(lang)
		}
	}
}

func WithStreamID(id string) StreamOption {
	return func(p *streamParams) {
		if id != "" {
			p.streamID = id
		}
	}
}

func WithCallSID(sid string) StreamOption {
	return func(p *streamParams) { p.callSID = sid }
}

func WithTraceID(id string) StreamOption {
	return func(p *streamParams) { p.traceID = id }
}

// Stream creates a session. Nothing is dialed until Start or the first Write.
func (s *STT) Stream(opts ...StreamOption) *Stream {
	p := streamParams{
		language: s.cfg.Language,
		streamID: uuid.NewString(),
		breaker:  s.breaker,
	}
	for _, opt := range opts {
		opt(&p)
	}
	if s.cfg.ReferenceID {
		p.referenceID = p.streamID
	}
	return newStream(s.cfg, p)
}

// Recognize transcribes a finite batch of frames on a temporary stream. It
// returns the first Final event, or an empty Final event when none arrives
// within RecognizeWait.
func (s *STT) Recognize(ctx context.Context, audio []frames.AudioFrame, language string) (stt.SpeechEvent, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	st := s.Stream(WithLanguage(language))
	defer st.Close()

	empty := stt.SpeechEvent{Type: stt.EventFinal, Language: st.Language()}
	for _, f := range audio {
		if err := st.Write(ctx, f); err != nil {
			return empty, err
		}
	}
	if err := st.Flush(); err != nil {
		return empty, err
	}

	type result struct {
		ev  stt.SpeechEvent
		err error
	}
	out := make(chan result, 1)
	go func() {
		for ev, err := range st.Events() {
			if err != nil {
				out <- result{ev: empty, err: err}
				return
			}
			if ev.IsFinal() {
				out <- result{ev: ev}
				return
			}
		}
		out <- result{ev: empty}
	}()

	timer := time.NewTimer(s.cfg.RecognizeWait)
	defer timer.Stop()
	select {
	case r := <-out:
		return r.ev, r.err
	case <-timer.C:
		s.log.Warn("soniox_recognize_timeout", slog.Duration("waited", s.cfg.RecognizeWait))
		return empty, nil
	case <-ctx.Done():
		return empty, ctx.Err()
	}
}
