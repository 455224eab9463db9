package processors

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/ranya-stt/pkg/adapters/stt"
	"github.com/harunnryd/ranya-stt/pkg/errorsx"
	"github.com/harunnryd/ranya-stt/pkg/frames"
	"github.com/harunnryd/ranya-stt/pkg/metrics"
	"github.com/harunnryd/ranya-stt/pkg/redact"
	"github.com/harunnryd/ranya-stt/pkg/resilience"
)

// Factory builds a session for one call leg.
type Factory func(callSID, streamID string) stt.StreamingSTT

// STTProcessor bridges frames to streaming STT sessions keyed by stream id.
// Audio frames are written to the session, flush control frames end the
// utterance and call_end system frames close it. Transcripts are delivered
// as text frames on Out.
type STTProcessor struct {
	mu             sync.Mutex
	sessions       map[string]stt.StreamingSTT
	factory        Factory
	langFactories  map[string]Factory
	defaultLang    string
	streamLang     map[string]string
	callStream     map[string]string
	streamCall     map[string]string
	trace          map[string]string
	interimLogged  map[string]bool
	ended          map[string]chan struct{}
	ctx            context.Context
	obs            metrics.Observer
	breaker        *resilience.CircuitBreaker
	breakerOpen    bool
	forwardInterim bool
	provider       string

	out chan frames.Frame
	wg  sync.WaitGroup
}

func NewSTTProcessor(factory Factory) *STTProcessor {
	return &STTProcessor{
		sessions:      make(map[string]stt.StreamingSTT),
		factory:       factory,
		langFactories: make(map[string]Factory),
		streamLang:    make(map[string]string),
		callStream:    make(map[string]string),
		streamCall:    make(map[string]string),
		trace:         make(map[string]string),
		interimLogged: make(map[string]bool),
		ended:         make(map[string]chan struct{}),
		breaker:       resilience.NewCircuitBreaker(3, 30*time.Second),
		out:           make(chan frames.Frame, 256),
	}
}

// SetLanguageFactories configures per-language STT factories.
func (p *STTProcessor) SetLanguageFactories(factories map[string]Factory, defaultLang string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if factories == nil {
		factories = make(map[string]Factory)
	}
	p.langFactories = factories
	p.defaultLang = defaultLang
}

// SetForwardInterim toggles emitting interim text frames downstream.
func (p *STTProcessor) SetForwardInterim(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forwardInterim = enabled
}

// SetBreaker replaces the session circuit breaker.
func (p *STTProcessor) SetBreaker(b *resilience.CircuitBreaker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b != nil {
		p.breaker = b
	}
}

func (p *STTProcessor) Name() string { return "stt_processor" }

func (p *STTProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *STTProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

// Out carries text frames for every forwarded transcript and fallback control
// frames for sessions that ended with an error. It is closed by CloseAll.
func (p *STTProcessor) Out() <-chan frames.Frame { return p.out }

// Process consumes one input frame and returns frames to pass downstream
// immediately.
func (p *STTProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	switch f.Kind() {
	case frames.KindSystem:
		return p.processSystem(f.(frames.SystemFrame)), nil
	case frames.KindControl:
		return p.processControl(f.(frames.ControlFrame)), nil
	case frames.KindAudio:
		return p.processAudio(f.(frames.AudioFrame)), nil
	default:
		return []frames.Frame{f}, nil
	}
}

func (p *STTProcessor) processSystem(sf frames.SystemFrame) []frames.Frame {
	meta := sf.Meta()
	streamID := meta[frames.MetaStreamID]
	if streamID == "" {
		streamID = p.streamForCall(meta[frames.MetaCallSID])
	}
	if sf.Name() == frames.SystemCallEnd {
		if streamID != "" {
			p.CloseStream(streamID)
		}
		return []frames.Frame{sf}
	}
	if lang := meta[frames.MetaLanguage]; streamID != "" && lang != "" {
		if p.setLanguage(streamID, lang) && p.hasLangFactories() {
			p.CloseStream(streamID)
			p.setLanguage(streamID, lang)
		}
	}
	return []frames.Frame{sf}
}

func (p *STTProcessor) processControl(cf frames.ControlFrame) []frames.Frame {
	if cf.Code() != frames.ControlFlush {
		return []frames.Frame{cf}
	}
	streamID := cf.Meta()[frames.MetaStreamID]
	p.mu.Lock()
	sess := p.sessions[streamID]
	p.mu.Unlock()
	if sess == nil {
		return []frames.Frame{cf}
	}
	if err := sess.Flush(); err != nil {
		slog.Info("stt_flush_error", "stream_id", streamID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		// a lost connection is recovered by the next write; a service
		// rejection is not
		if errors.Is(err, stt.ErrService) {
			return []frames.Frame{cf, p.fallback(streamID, errorsx.Reason(err))}
		}
	}
	return []frames.Frame{cf}
}

func (p *STTProcessor) processAudio(af frames.AudioFrame) []frames.Frame {
	meta := af.Meta()
	streamID := meta[frames.MetaStreamID]
	callSID := meta[frames.MetaCallSID]
	p.trackCallStream(callSID, streamID)
	if v := meta[frames.MetaTraceID]; v != "" {
		p.setTrace(streamID, v)
	}
	traceID := p.getTrace(streamID)

	if !p.breaker.Allow() {
		p.record(metrics.EventBreakerDenied, streamID, traceID, nil)
		p.setBreakerOpen(true, streamID, traceID)
		slog.Info("stt_circuit_open", "stream_id", streamID, "reason_code", string(errorsx.ReasonSTTCircuitOpen))
		return []frames.Frame{p.fallback(streamID, errorsx.ReasonSTTCircuitOpen)}
	}
	p.setBreakerOpen(false, streamID, traceID)

	sess, err := p.getOrCreate(streamID, callSID)
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonSTTConnect)
		slog.Info("stt_session_error", "stream_id", streamID, "call_sid", callSID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		p.recordRateLimit(err, streamID, traceID)
		p.breaker.OnError(err)
		return []frames.Frame{p.fallback(streamID, errorsx.Reason(err))}
	}
	ctx := p.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := sess.Write(ctx, af); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonSTTSend)
		slog.Info("stt_send_error", "stream_id", streamID, "call_sid", callSID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		p.recordRateLimit(err, streamID, traceID)
		p.breaker.OnError(err)
		p.CloseStream(streamID)
		return []frames.Frame{p.fallback(streamID, errorsx.Reason(err))}
	}
	p.breaker.OnSuccess()
	return nil
}

func (p *STTProcessor) getOrCreate(streamID, callSID string) (stt.StreamingSTT, error) {
	factory := p.factoryForLang(p.getLanguage(streamID))
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess, ok := p.sessions[streamID]; ok {
		return sess, nil
	}
	sess := factory(callSID, streamID)
	if p.ctx == nil {
		p.ctx = context.Background()
	}
	if err := sess.Start(p.ctx); err != nil {
		_ = sess.Close()
		return nil, err
	}
	if p.provider == "" {
		p.provider = sess.Name()
	}
	p.sessions[streamID] = sess
	ended := make(chan struct{})
	p.ended[streamID] = ended
	p.wg.Add(1)
	go func() {
		defer close(ended)
		p.forward(streamID, callSID, sess)
	}()
	return sess, nil
}

// Wait blocks until the events of the current session of streamID end or ctx
// is done. It returns nil at once when the stream has no session.
func (p *STTProcessor) Wait(ctx context.Context, streamID string) error {
	p.mu.Lock()
	ended, ok := p.ended[streamID]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ended:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// forward converts speech events of one session into text frames.
func (p *STTProcessor) forward(streamID, callSID string, sess stt.StreamingSTT) {
	defer p.wg.Done()
	for ev, err := range sess.Events() {
		if err != nil {
			slog.Info("stt_session_ended", "stream_id", streamID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
			p.breaker.OnError(err)
			p.out <- p.fallback(streamID, errorsx.Reason(err))
			return
		}
		traceID := p.getTrace(streamID)
		if !ev.IsFinal() {
			p.logInterim(streamID, ev.Text)
			p.mu.Lock()
			forward := p.forwardInterim
			p.mu.Unlock()
			if !forward {
				continue
			}
		} else {
			p.logFinal(streamID, ev.Text)
		}
		p.out <- p.textFrame(streamID, callSID, traceID, ev)
	}
}

func (p *STTProcessor) textFrame(streamID, callSID, traceID string, ev stt.SpeechEvent) frames.TextFrame {
	meta := map[string]string{
		frames.MetaStreamID: streamID,
		frames.MetaSource:   "stt",
		frames.MetaIsFinal:  "false",
	}
	if ev.IsFinal() {
		meta[frames.MetaIsFinal] = "true"
	}
	if callSID != "" {
		meta[frames.MetaCallSID] = callSID
	}
	if traceID != "" {
		meta[frames.MetaTraceID] = traceID
	}
	if ev.Language != "" {
		meta[frames.MetaLanguage] = ev.Language
	}
	if ev.Speaker != "" {
		meta[frames.MetaSpeaker] = ev.Speaker
	}
	if p.provider != "" {
		meta[frames.MetaProvider] = p.provider
	}
	return frames.NewTextFrame(streamID, time.Now().UnixNano(), ev.Text, meta)
}

func (p *STTProcessor) fallback(streamID string, reason errorsx.ReasonCode) frames.ControlFrame {
	meta := map[string]string{
		frames.MetaStreamID:   streamID,
		frames.MetaSource:     "stt",
		frames.MetaReasonCode: string(reason),
	}
	if traceID := p.getTrace(streamID); traceID != "" {
		meta[frames.MetaTraceID] = traceID
	}
	return frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta)
}

func (p *STTProcessor) CloseStream(streamID string) {
	p.mu.Lock()
	sess, ok := p.sessions[streamID]
	delete(p.sessions, streamID)
	if callSID := p.streamCall[streamID]; callSID != "" {
		if p.callStream[callSID] == streamID {
			delete(p.callStream, callSID)
		}
		delete(p.streamCall, streamID)
	}
	delete(p.trace, streamID)
	delete(p.streamLang, streamID)
	delete(p.interimLogged, streamID)
	delete(p.ended, streamID)
	p.mu.Unlock()
	if ok {
		_ = sess.Close()
	}
}

func (p *STTProcessor) streamForCall(callSID string) string {
	if callSID == "" {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callStream[callSID]
}

// CloseAll closes every session, waits for their transcripts to drain and
// closes Out. The processor must not be used afterwards.
func (p *STTProcessor) CloseAll() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]stt.StreamingSTT)
	p.trace = make(map[string]string)
	p.streamLang = make(map[string]string)
	p.callStream = make(map[string]string)
	p.streamCall = make(map[string]string)
	p.ended = make(map[string]chan struct{})
	p.mu.Unlock()
	for _, sess := range sessions {
		_ = sess.Close()
	}
	p.wg.Wait()
	close(p.out)
}

// setLanguage reports whether the language of streamID changed.
func (p *STTProcessor) setLanguage(streamID, lang string) bool {
	lang = strings.ToLower(strings.TrimSpace(lang))
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.streamLang[streamID]
	p.streamLang[streamID] = lang
	return prev != "" && prev != lang || prev == "" && p.defaultLang != lang
}

func (p *STTProcessor) trackCallStream(callSID, streamID string) {
	if callSID == "" || streamID == "" {
		return
	}
	p.mu.Lock()
	prev := p.callStream[callSID]
	if prev != "" && prev != streamID {
		p.mu.Unlock()
		p.CloseStream(prev)
		p.mu.Lock()
	}
	p.callStream[callSID] = streamID
	p.streamCall[streamID] = callSID
	p.mu.Unlock()
}

func (p *STTProcessor) getLanguage(streamID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if lang := p.streamLang[streamID]; lang != "" {
		return lang
	}
	return p.defaultLang
}

func (p *STTProcessor) factoryForLang(lang string) Factory {
	p.mu.Lock()
	defer p.mu.Unlock()
	if lang != "" {
		if factory, ok := p.langFactories[lang]; ok && factory != nil {
			return factory
		}
	}
	return p.factory
}

func (p *STTProcessor) hasLangFactories() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.langFactories) > 0
}

func (p *STTProcessor) record(name, streamID, traceID string, fields map[string]any) {
	if p.obs == nil {
		return
	}
	tags := map[string]string{metrics.TagStreamID: streamID, "component": "stt"}
	if traceID != "" {
		tags[metrics.TagTraceID] = traceID
	}
	if callSID := p.getCallSID(streamID); callSID != "" {
		tags[frames.MetaCallSID] = callSID
	}
	p.mu.Lock()
	if p.provider != "" {
		tags[metrics.TagProvider] = p.provider
	}
	p.mu.Unlock()
	metrics.Emit(p.obs, name, 1, tags, fields)
}

func (p *STTProcessor) getCallSID(streamID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamCall[streamID]
}

func (p *STTProcessor) recordRateLimit(err error, streamID, traceID string) {
	if resilience.IsRateLimit(err) {
		p.record(metrics.EventRateLimit, streamID, traceID, nil)
	}
}

func (p *STTProcessor) setBreakerOpen(open bool, streamID, traceID string) {
	p.mu.Lock()
	changed := p.breakerOpen != open
	p.breakerOpen = open
	p.mu.Unlock()
	if !changed {
		return
	}
	if open {
		p.record(metrics.EventBreakerOpen, streamID, traceID, nil)
		return
	}
	p.record(metrics.EventBreakerClose, streamID, traceID, nil)
}

func (p *STTProcessor) setTrace(streamID, traceID string) {
	p.mu.Lock()
	p.trace[streamID] = traceID
	p.mu.Unlock()
}

func (p *STTProcessor) getTrace(streamID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trace[streamID]
}

func (p *STTProcessor) logInterim(streamID, text string) {
	p.mu.Lock()
	if p.interimLogged[streamID] {
		p.mu.Unlock()
		return
	}
	p.interimLogged[streamID] = true
	traceID := p.trace[streamID]
	p.mu.Unlock()
	slog.Info("stt_interim", "stream_id", streamID, "trace_id", traceID, "text", clipText(redact.Text(text)))
}

func (p *STTProcessor) logFinal(streamID, text string) {
	traceID := p.getTrace(streamID)
	safe := redact.Text(text)
	slog.Info("stt_final", "stream_id", streamID, "trace_id", traceID, "text", clipText(safe))
	p.record("stt_final_text", streamID, traceID, map[string]any{metrics.FieldText: safe})
}

func clipText(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= 120 {
		return text
	}
	return text[:120] + "..."
}
