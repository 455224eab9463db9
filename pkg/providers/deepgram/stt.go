package deepgram

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strconv"
	"sync"

	"github.com/harunnryd/ranya-stt/pkg/adapters/stt"
	"github.com/harunnryd/ranya-stt/pkg/errorsx"
	"github.com/harunnryd/ranya-stt/pkg/frames"
	"github.com/harunnryd/ranya-stt/pkg/logging"
	"github.com/harunnryd/ranya-stt/pkg/metrics"
	"github.com/harunnryd/ranya-stt/pkg/redact"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

const provider = "deepgram"

type Params struct {
	UtteranceEndMS int `mapstructure:"utterance_end_ms"`
}

type Config struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	Language   string `mapstructure:"language"`
	SampleRate int    `mapstructure:"sample_rate"`
	Encoding   string `mapstructure:"encoding"`
	Interim    bool   `mapstructure:"interim_results"`
	Punctuate  bool   `mapstructure:"punctuate"`
	Diarize    bool   `mapstructure:"diarize"`
	VADEvents  bool   `mapstructure:"vad_events"`
	Params     Params `mapstructure:"params"`

	StreamID string `mapstructure:"-"`
	CallSID  string `mapstructure:"-"`
	TraceID  string `mapstructure:"-"`

	Logger   *slog.Logger     `mapstructure:"-"`
	Observer metrics.Observer `mapstructure:"-"`
}

// StreamingSTT streams audio to Deepgram through the SDK websocket client.
// Audio is piped to the SDK, which owns the socket and its keep-alive.
type StreamingSTT struct {
	cfg      Config
	dgClient *client.WSCallback
	logger   *slog.Logger
	obs      metrics.Observer
	tags     map[string]string

	mu         sync.Mutex
	started    bool
	closed     bool
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	metaLogged bool

	events    chan stt.SpeechEvent
	done      chan struct{}
	endOnce   sync.Once
	closeOnce sync.Once
	err       error
}

func New(cfg Config) (*StreamingSTT, error) {
	if cfg.APIKey == "" {
		return nil, errorsx.Wrap(fmt.Errorf("%w: deepgram api key is required", stt.ErrConfiguration), errorsx.ReasonSTTConfig)
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoopObserver{}
	}
	tags := map[string]string{
		metrics.TagStreamID: cfg.StreamID,
		metrics.TagProvider: provider,
	}
	if cfg.TraceID != "" {
		tags[metrics.TagTraceID] = cfg.TraceID
	}
	return &StreamingSTT{
		cfg:    cfg,
		logger: logging.NewComponentLogger(cfg.Logger, "deepgram_stt"),
		obs:    cfg.Observer,
		tags:   tags,
		events: make(chan stt.SpeechEvent, 256),
		done:   make(chan struct{}),
	}, nil
}

func (s *StreamingSTT) Name() string { return "deepgram_streaming" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errorsx.Wrap(fmt.Errorf("%w: deepgram stream is closed", stt.ErrConnectionClosed), errorsx.ReasonSTTClosed)
	}
	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.pipeReader, s.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		Channels:       1,
		InterimResults: s.cfg.Interim,
		Punctuate:      s.cfg.Punctuate,
		Diarize:        s.cfg.Diarize,
		VadEvents:      s.cfg.VADEvents,
		SmartFormat:    true,
	}
	if s.cfg.Params.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = strconv.Itoa(s.cfg.Params.UtteranceEndMS)
	}

	s.logger.Info("initializing deepgram connection",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("call_sid", s.cfg.CallSID),
		slog.String("model", s.cfg.Model),
		slog.String("api_key", redact.Secret(s.cfg.APIKey)),
		slog.Int("sample_rate", s.cfg.SampleRate))

	dgClient, err := client.NewWSUsingCallback(s.ctx, s.cfg.APIKey, clientOptions, transcriptOptions, &callback{parent: s})
	if err != nil {
		s.cancel()
		metrics.Emit(s.obs, metrics.EventConnectError, 1, s.tags, map[string]any{metrics.FieldError: err.Error()})
		return errorsx.Wrap(fmt.Errorf("%w: %w", stt.ErrConnection, err), errorsx.ReasonSTTConnect)
	}
	if connected := dgClient.Connect(); !connected {
		s.cancel()
		metrics.Emit(s.obs, metrics.EventConnectError, 1, s.tags, nil)
		s.logger.Error("deepgram_connect_failed", slog.String("stream_id", s.cfg.StreamID))
		return errorsx.Wrap(fmt.Errorf("%w: deepgram connection failed", stt.ErrConnection), errorsx.ReasonSTTConnect)
	}
	s.dgClient = dgClient
	s.started = true
	metrics.Emit(s.obs, metrics.EventConnect, 0, s.tags, nil)
	s.logger.Info("deepgram_connected", slog.String("stream_id", s.cfg.StreamID))

	reader := s.pipeReader
	go func() {
		if err := dgClient.Stream(reader); err != nil && s.ctx.Err() == nil {
			s.logger.Error("deepgram_stream_error",
				slog.String("error", err.Error()),
				slog.String("stream_id", s.cfg.StreamID))
			s.end(errorsx.Wrap(fmt.Errorf("%w: %w", stt.ErrConnectionClosed, err), errorsx.ReasonSTTClosed))
		}
	}()
	return nil
}

func (s *StreamingSTT) Write(ctx context.Context, frame frames.AudioFrame) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	select {
	case <-s.done:
		if s.err != nil {
			return s.err
		}
		return errorsx.Wrap(fmt.Errorf("%w: deepgram stream ended", stt.ErrConnectionClosed), errorsx.ReasonSTTClosed)
	default:
	}
	s.mu.Lock()
	w := s.pipeWriter
	s.mu.Unlock()
	if _, err := w.Write(frame.RawPayload()); err != nil {
		s.logger.Error("failed to send audio to deepgram",
			slog.String("error", err.Error()),
			slog.String("stream_id", s.cfg.StreamID))
		return errorsx.Wrap(fmt.Errorf("%w: %w", stt.ErrConnectionClosed, err), errorsx.ReasonSTTSend)
	}
	metrics.Emit(s.obs, metrics.EventAudioIn, 1, s.tags, map[string]any{
		metrics.FieldAudioMs: frame.Duration().Milliseconds(),
		metrics.FieldBytes:   frame.Len(),
	})
	return nil
}

// Flush is a no-op: Deepgram finalizes utterances from UtteranceEndMS and
// its own endpointing.
func (s *StreamingSTT) Flush() error {
	metrics.Emit(s.obs, metrics.EventFlush, 1, s.tags, nil)
	return nil
}

func (s *StreamingSTT) Events() iter.Seq2[stt.SpeechEvent, error] {
	return func(yield func(stt.SpeechEvent, error) bool) {
		for {
			select {
			case ev := <-s.events:
				if !yield(ev, nil) {
					return
				}
			case <-s.done:
				for {
					select {
					case ev := <-s.events:
						if !yield(ev, nil) {
							return
						}
					default:
						if s.err != nil {
							yield(stt.SpeechEvent{}, s.err)
						}
						return
					}
				}
			}
		}
	}
}

func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.logger.Info("closing deepgram connection", slog.String("stream_id", s.cfg.StreamID))
	if s.cancel != nil {
		s.cancel()
	}
	if s.pipeWriter != nil {
		_ = s.pipeWriter.Close()
	}
	if s.dgClient != nil {
		s.dgClient.Stop()
	}
	s.end(nil)
	metrics.Emit(s.obs, metrics.EventClose, 1, s.tags, nil)
	return nil
}

func (s *StreamingSTT) end(err error) {
	s.endOnce.Do(func() {
		if err != nil {
			metrics.Emit(s.obs, metrics.EventSessionError, 1, s.tags, map[string]any{metrics.FieldError: err.Error()})
		}
		s.err = err
		close(s.done)
	})
}

func (s *StreamingSTT) emit(ev stt.SpeechEvent) {
	name := metrics.EventInterim
	if ev.IsFinal() {
		name = metrics.EventFinal
	}
	metrics.Emit(s.obs, name, 1, s.tags, map[string]any{metrics.FieldText: ev.Text})
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("deepgram_out_channel_full", slog.String("stream_id", s.cfg.StreamID))
	}
}

type callback struct {
	parent *StreamingSTT
}

func (c *callback) Open(*msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened", slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return nil
	}
	ev := stt.SpeechEvent{
		Type:       stt.EventInterim,
		Text:       alt.Transcript,
		Language:   c.parent.cfg.Language,
		Confidence: alt.Confidence,
	}
	if mr.IsFinal || mr.SpeechFinal {
		ev.Type = stt.EventFinal
	}
	if c.parent.cfg.Diarize && len(alt.Words) > 0 && alt.Words[len(alt.Words)-1].Speaker != nil {
		ev.Speaker = strconv.Itoa(*alt.Words[len(alt.Words)-1].Speaker)
	}
	c.parent.logger.Debug("transcript_received",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.String("transcript", redact.Text(ev.Text)),
		slog.Bool("is_final", ev.IsFinal()))
	if !ev.IsFinal() && !c.parent.cfg.Interim {
		return nil
	}
	c.parent.emit(ev)
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.parent.metaLogged {
		c.parent.metaLogged = true
		c.parent.logger.Info("deepgram_metadata_received",
			slog.String("stream_id", c.parent.cfg.StreamID),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Debug("speech_started_event", slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Debug("utterance_end_event",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.Int("utterance_end_ms", c.parent.cfg.Params.UtteranceEndMS))
	return nil
}

func (c *callback) Close(*msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed", slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	metrics.Emit(c.parent.obs, metrics.EventServiceError, 1, c.parent.tags, map[string]any{metrics.FieldError: er.ErrMsg})
	code, _ := strconv.Atoi(er.ErrCode)
	c.parent.end(errorsx.Wrap(&stt.ServiceError{Code: code, Message: er.ErrMsg}, errorsx.ReasonSTTService))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.Int("bytes", len(byData)))
	return nil
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
