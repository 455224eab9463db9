package soniox

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/harunnryd/ranya-stt/pkg/adapters/stt"
	"github.com/harunnryd/ranya-stt/pkg/aggregators"
	"github.com/harunnryd/ranya-stt/pkg/errorsx"
	"github.com/harunnryd/ranya-stt/pkg/frames"
	"github.com/harunnryd/ranya-stt/pkg/logging"
	"github.com/harunnryd/ranya-stt/pkg/metrics"
	"github.com/harunnryd/ranya-stt/pkg/redact"
	"github.com/harunnryd/ranya-stt/pkg/resilience"
)

// Stream is one transcription session. It owns exactly one Connection and
// one TokenAggregator. Events are delivered in receive order.
type Stream struct {
	cfg      Config
	language string
	streamID string
	log      *slog.Logger
	obs      metrics.Observer
	tags     map[string]string

	conn *Connection
	agg  *aggregators.TokenAggregator

	in     chan ingestItem
	events chan stt.SpeechEvent

	mu      sync.Mutex
	started bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	done      chan struct{}
	endOnce   sync.Once
	err       error
	errTaken  bool
	errTakeMu sync.Mutex
}

type streamParams struct {
	language    string
	streamID    string
	callSID     string
	traceID     string
	referenceID string
	breaker     *resilience.CircuitBreaker
	conn        *Connection
}

func newStream(cfg Config, p streamParams) *Stream {
	tags := map[string]string{
		metrics.TagStreamID: p.streamID,
		metrics.TagProvider: provider,
	}
	if p.traceID != "" {
		tags[metrics.TagTraceID] = p.traceID
	}
	log := logging.NewComponentLogger(cfg.Logger, "soniox_stt").With(
		slog.String("stream_id", p.streamID),
		slog.String("call_sid", p.callSID),
		slog.String("trace_id", p.traceID),
	)
	conn := p.conn
	if conn == nil {
		conn = NewConnection(cfg, ConnectionOptions{
			Language:    p.language,
			ReferenceID: p.referenceID,
			Logger:      log,
			Observer:    cfg.Observer,
			Tags:        tags,
			Breaker:     p.breaker,
		})
	}
	auto := p.language == DefaultLanguage
	return &Stream{
		cfg:      cfg,
		language: p.language,
		streamID: p.streamID,
		log:      log,
		obs:      cfg.Observer,
		tags:     tags,
		conn:     conn,
		agg: aggregators.NewTokenAggregator(aggregators.TokenConfig{
			Language:       p.language,
			DetectLanguage: auto,
			Diarize:        cfg.Diarize,
		}),
		in:     make(chan ingestItem, cfg.IngestBuffer),
		events: make(chan stt.SpeechEvent, cfg.EventBuffer),
		done:   make(chan struct{}),
	}
}

func (s *Stream) Name() string { return "soniox_stt" }

// StreamID identifies the stream in logs and metrics.
func (s *Stream) StreamID() string { return s.streamID }

func (s *Stream) Language() string { return s.language }

// Start connects and launches the listen and ingest goroutines. The session
// lives until Close or ctx ends. Calling Start again is a no-op.
func (s *Stream) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.closedErr()
	}
	if s.started {
		return nil
	}

	sctx, cancel := context.WithCancel(ctx)
	if err := s.conn.Connect(sctx); err != nil {
		cancel()
		return err
	}
	s.ctx, s.cancel = sctx, cancel
	s.started = true

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.listen()
	}()
	go func() {
		defer s.wg.Done()
		p := newIngest(s.conn, s.in, s.log, s.obs, s.tags)
		if err := p.run(s.ctx); err != nil {
			s.end(err)
		}
	}()
	s.log.Info("soniox_stream_started", slog.String("language", s.language))
	return nil
}

// Write queues one audio frame, starting the stream on first use. It blocks
// only on queue back-pressure or ctx.
func (s *Stream) Write(ctx context.Context, frame frames.AudioFrame) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.ensureStarted(ctx); err != nil {
		return err
	}
	select {
	case <-s.done:
		return s.writeErr()
	default:
	}
	select {
	case s.in <- ingestItem{frame: frame}:
		return nil
	case <-s.done:
		return s.writeErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush queues the end-of-utterance signal behind any pending audio. It does
// not wait for the service.
func (s *Stream) Flush() error {
	s.mu.Lock()
	started, closed := s.started, s.closed
	s.mu.Unlock()
	if closed {
		return s.closedErr()
	}
	if !started {
		return nil
	}
	select {
	case s.in <- ingestItem{flush: true}:
		return nil
	case <-s.done:
		return s.writeErr()
	}
}

// Events yields speech events until the session ends. Breaking out of the
// loop and ranging again resumes with the next event. A terminal error is
// yielded once, after the last event.
func (s *Stream) Events() iter.Seq2[stt.SpeechEvent, error] {
	return func(yield func(stt.SpeechEvent, error) bool) {
		for ev := range s.events {
			if !yield(ev, nil) {
				return
			}
		}
		if err := s.takeErr(); err != nil {
			yield(stt.SpeechEvent{}, err)
		}
	}
}

// Err returns the terminal error once the session has ended. It is nil for
// a graceful end or while the session is running.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Done is closed when the session ends.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Close stops input, cancels the listener, closes the connection and drops
// the transcript buffers. Closing twice is a no-op.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	err := s.conn.Close()
	if !started {
		close(s.events)
	}
	s.end(nil)
	metrics.Emit(s.obs, metrics.EventClose, 1, s.tags, nil)
	s.log.Info("soniox_stream_closed")
	return err
}

func (s *Stream) ensureStarted(ctx context.Context) error {
	s.mu.Lock()
	started, closed := s.started, s.closed
	s.mu.Unlock()
	if closed {
		return s.closedErr()
	}
	if started {
		return nil
	}
	return s.Start(context.WithoutCancel(ctx))
}

// listen owns the aggregator. It is the only writer to s.events.
func (s *Stream) listen() {
	defer s.end(nil)
	defer close(s.events)
	defer s.agg.Reset()
	for {
		data, err := s.conn.Receive(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if errors.Is(err, stt.ErrConnectionClosed) {
				if werr := s.conn.WaitConnected(s.ctx); werr != nil {
					return
				}
				s.log.Info("soniox_listener_resumed")
				continue
			}
			s.end(err)
			return
		}

		resp, err := parseResponse(data)
		if err != nil {
			metrics.Emit(s.obs, metrics.EventMalformed, 1, s.tags, nil)
			s.log.Warn("soniox_malformed_message", slog.String("error", err.Error()))
			continue
		}
		if err := resp.serviceError(); err != nil {
			var se *stt.ServiceError
			if errors.As(err, &se) {
				s.log.Error("soniox_service_error", slog.Int("error_code", se.Code), slog.String("error_message", se.Message))
			}
			metrics.Emit(s.obs, metrics.EventServiceError, 1, s.tags, map[string]any{metrics.FieldError: err.Error()})
			s.end(err)
			return
		}
		if resp.Finished {
			s.log.Info("soniox_session_finished")
			s.end(nil)
			return
		}

		ev, ok := s.agg.Apply(resp.Tokens)
		if !ok {
			continue
		}
		if ev.IsFinal() {
			metrics.Emit(s.obs, metrics.EventFinal, 1, s.tags, map[string]any{metrics.FieldText: ev.Text})
			s.log.Info("soniox_final", slog.String("text", redact.Text(ev.Text)), slog.String("language", ev.Language))
		} else {
			metrics.Emit(s.obs, metrics.EventInterim, 1, s.tags, nil)
			s.log.Debug("soniox_interim", slog.String("text", redact.Text(ev.Text)))
			if !s.cfg.InterimResults {
				continue
			}
		}
		select {
		case s.events <- ev:
		case <-s.ctx.Done():
			return
		}
	}
}

// end records the terminal outcome once and stops both goroutines.
func (s *Stream) end(err error) {
	s.endOnce.Do(func() {
		if err != nil {
			metrics.Emit(s.obs, metrics.EventSessionError, 1, s.tags, map[string]any{metrics.FieldError: err.Error()})
			s.log.Error("soniox_session_error",
				slog.String("reason_code", string(errorsx.Reason(err))),
				slog.String("error", err.Error()))
		}
		s.err = err
		close(s.done)
	})
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Stream) takeErr() error {
	<-s.done
	s.errTakeMu.Lock()
	defer s.errTakeMu.Unlock()
	if s.errTaken || s.err == nil {
		return nil
	}
	s.errTaken = true
	return s.err
}

func (s *Stream) writeErr() error {
	if err := s.Err(); err != nil {
		return err
	}
	return s.closedErr()
}

func (s *Stream) closedErr() error {
	return errorsx.Wrap(fmt.Errorf("%w: stream %s is closed", stt.ErrConnectionClosed, s.streamID), errorsx.ReasonSTTClosed)
}

var _ stt.StreamingSTT = (*Stream)(nil)
