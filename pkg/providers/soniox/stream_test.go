package soniox

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/ranya-stt/pkg/adapters/stt"
	"github.com/harunnryd/ranya-stt/pkg/errorsx"
	"github.com/harunnryd/ranya-stt/pkg/frames"
	"github.com/harunnryd/ranya-stt/pkg/metrics"
	"github.com/harunnryd/ranya-stt/pkg/resilience"
)

func newTestSTT(t *testing.T, cfg Config) *STT {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return s
}

func TestHandshakeDeclaresAudioFormat(t *testing.T) {
	f := newFakeSoniox(t)
	s := newTestSTT(t, f.config(nil))

	st := s.Stream()
	defer st.Close()
	if err := st.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.nextConn(t)

	hs := f.handshake(0)
	if hs.APIKey != testAPIKey || hs.Model != DefaultModel {
		t.Fatalf("unexpected credentials/model %+v", hs)
	}
	if len(hs.LanguageHints) != 1 || hs.LanguageHints[0] != "en" || !hs.EnableLanguageIdentification {
		t.Fatalf("auto language must hint en with identification, got %+v", hs)
	}
	if !hs.EnableEndpointDetection || hs.AudioFormat != "pcm_s16le" || hs.SampleRate != 16000 || hs.NumChannels != 1 {
		t.Fatalf("unexpected audio settings %+v", hs)
	}
	if hs.ClientReferenceID != st.StreamID() {
		t.Fatalf("expected reference id %q, got %q", st.StreamID(), hs.ClientReferenceID)
	}
}

func TestHandshakeExplicitLanguage(t *testing.T) {
	f := newFakeSoniox(t)
	cfg := f.config(nil)
	cfg.Diarize = true
	s := newTestSTT(t, cfg)

	st := s.Stream(WithLanguage("TR"))
	defer st.Close()
	if err := st.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.nextConn(t)

	hs := f.handshake(0)
	if len(hs.LanguageHints) != 1 || hs.LanguageHints[0] != "tr" || hs.EnableLanguageIdentification {
		t.Fatalf("unexpected language settings %+v", hs)
	}
	if !hs.EnableSpeakerDiarization {
		t.Fatalf("expected diarization enabled")
	}
}

func TestStreamEmitsEventsInReceiveOrder(t *testing.T) {
	f := newFakeSoniox(t)
	mem := metrics.NewMemoryObserver()
	s := newTestSTT(t, f.config(mem))

	st := s.Stream(WithLanguage("en"))
	defer st.Close()
	frame := pcmFrame(320, 7)
	if err := st.Write(context.Background(), frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	ws := f.nextConn(t)
	if got := f.nextBinary(t); !bytes.Equal(got, frame.RawPayload()) {
		t.Fatalf("audio must be forwarded unmodified")
	}

	sendTokens(t, ws, tok("hel", false))
	sendTokens(t, ws, tok("hello", true), tok("wor", false))
	if err := ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("server write: %v", err)
	}
	sendTokens(t, ws)
	sendTokens(t, ws, tok("world", true))
	if err := ws.WriteJSON(map[string]any{"finished": true}); err != nil {
		t.Fatalf("server write: %v", err)
	}

	var got []stt.SpeechEvent
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev, err := range st.Events() {
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			got = append(got, ev)
		}
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("events did not end after finished")
	}

	want := []struct {
		text  string
		final bool
	}{{"hel", false}, {"hello wor", false}, {"hello world", true}}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d: %+v", len(want), len(got), got)
	}
	for i, w := range want {
		if got[i].Text != w.text || got[i].IsFinal() != w.final {
			t.Fatalf("event %d: expected %q final=%v, got %+v", i, w.text, w.final, got[i])
		}
		if got[i].Language != "en" {
			t.Fatalf("expected configured language, got %q", got[i].Language)
		}
	}
	if st.Err() != nil {
		t.Fatalf("finished must end gracefully, got %v", st.Err())
	}
	if mem.Count(metrics.EventMalformed) != 1 {
		t.Fatalf("expected one malformed message recorded")
	}
	if mem.Count(metrics.EventAudioIn) != 1 {
		t.Fatalf("expected one audio event")
	}
}

func TestFlushSendsEmptyMessageAndKeepsBuffers(t *testing.T) {
	f := newFakeSoniox(t)
	s := newTestSTT(t, f.config(nil))

	st := s.Stream()
	defer st.Close()
	next, stop := iter.Pull2(st.Events())
	defer stop()

	if err := st.Write(context.Background(), pcmFrame(64, 1)); err != nil {
		t.Fatalf("write: %v", err)
	}
	ws := f.nextConn(t)
	f.nextBinary(t)

	sendTokens(t, ws, tok("x", true), tok("y", false))
	if p := recvEvent(t, next); p.ev.Text != "x y" || p.ev.IsFinal() {
		t.Fatalf("unexpected event %+v", p)
	}

	if err := st.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := f.nextBinary(t); len(got) != 0 {
		t.Fatalf("flush must send a zero-length message, got %d bytes", len(got))
	}

	sendTokens(t, ws, tok("z", true))
	p := recvEvent(t, next)
	if p.ev.Text != "x z" || !p.ev.IsFinal() {
		t.Fatalf("flush must not clear finals, got %+v", p)
	}
}

func TestEventsResumeAfterBreak(t *testing.T) {
	f := newFakeSoniox(t)
	s := newTestSTT(t, f.config(nil))

	st := s.Stream()
	defer st.Close()
	if err := st.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ws := f.nextConn(t)
	sendTokens(t, ws, tok("one", true))
	sendTokens(t, ws, tok("two", true))

	var first, second string
	for ev := range st.Events() {
		first = ev.Text
		break
	}
	for ev := range st.Events() {
		second = ev.Text
		break
	}
	if first != "one" || second != "two" {
		t.Fatalf("expected one then two, got %q %q", first, second)
	}
}

func TestServiceErrorIsFatal(t *testing.T) {
	f := newFakeSoniox(t)
	mem := metrics.NewMemoryObserver()
	s := newTestSTT(t, f.config(mem))

	st := s.Stream()
	defer st.Close()
	if err := st.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ws := f.nextConn(t)
	sendTokens(t, ws, tok("partial", false))
	if err := ws.WriteJSON(map[string]any{"error_code": 401, "error_message": "invalid api key"}); err != nil {
		t.Fatalf("server write: %v", err)
	}

	next, stop := iter.Pull2(st.Events())
	defer stop()
	if p := recvEvent(t, next); p.err != nil || p.ev.Text != "partial" {
		t.Fatalf("expected partial event first, got %+v", p)
	}
	p := recvEvent(t, next)
	if !p.ok || p.err == nil {
		t.Fatalf("expected terminal error, got %+v", p)
	}
	var se *stt.ServiceError
	if !errors.As(p.err, &se) || se.Code != 401 || se.Message != "invalid api key" {
		t.Fatalf("expected service error 401, got %v", p.err)
	}
	if !errors.Is(p.err, stt.ErrService) || errorsx.Reason(p.err) != errorsx.ReasonSTTService {
		t.Fatalf("expected ErrService with reason, got %v (%s)", p.err, errorsx.Reason(p.err))
	}
	if p := recvEvent(t, next); p.ok {
		t.Fatalf("error must be yielded once, got %+v", p)
	}
	if err := st.Write(context.Background(), pcmFrame(32, 0)); !errors.Is(err, stt.ErrService) {
		t.Fatalf("write after fatal error must return it, got %v", err)
	}
	if mem.Count(metrics.EventServiceError) != 1 {
		t.Fatalf("expected service error metric")
	}
}

func TestReconnectAfterRemoteDrop(t *testing.T) {
	f := newFakeSoniox(t)
	mem := metrics.NewMemoryObserver()
	s := newTestSTT(t, f.config(mem))

	st := s.Stream()
	defer st.Close()
	if err := st.Write(context.Background(), pcmFrame(32, 1)); err != nil {
		t.Fatalf("write: %v", err)
	}
	first := f.nextConn(t)
	f.nextBinary(t)

	_ = first.Close()
	waitFor(t, "connection closed", func() bool { return st.conn.State() == StateClosed })

	frame := pcmFrame(48, 9)
	if err := st.Write(context.Background(), frame); err != nil {
		t.Fatalf("write after drop: %v", err)
	}
	second := f.nextConn(t)
	if got := f.nextBinary(t); !bytes.Equal(got, frame.RawPayload()) {
		t.Fatalf("expected the same frame resent on the new connection")
	}
	if f.handshake(1).APIKey != testAPIKey {
		t.Fatalf("expected a second handshake")
	}

	sendTokens(t, second, tok("back", true))
	next, stop := iter.Pull2(st.Events())
	defer stop()
	if p := recvEvent(t, next); p.err != nil || p.ev.Text != "back" {
		t.Fatalf("listener must resume on the new connection, got %+v", p)
	}
	if mem.Count(metrics.EventReconnect) != 1 {
		t.Fatalf("expected one reconnect, got %d", mem.Count(metrics.EventReconnect))
	}
}

func TestReconnectAfterSendFailure(t *testing.T) {
	f := newFakeSoniox(t)
	mem := metrics.NewMemoryObserver()
	s := newTestSTT(t, f.config(mem))

	st := s.Stream()
	defer st.Close()
	if err := st.Write(context.Background(), pcmFrame(32, 1)); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.nextConn(t)
	f.nextBinary(t)
	next, stop := iter.Pull2(st.Events())
	defer stop()

	st.conn.mu.Lock()
	_ = st.conn.tr.ws.UnderlyingConn().Close()
	st.conn.mu.Unlock()

	frame := pcmFrame(48, 7)
	if err := st.Write(context.Background(), frame); err != nil {
		t.Fatalf("write after drop: %v", err)
	}
	second := f.nextConn(t)
	if got := f.nextBinary(t); !bytes.Equal(got, frame.RawPayload()) {
		t.Fatalf("expected the frame resent on the new connection")
	}

	sendTokens(t, second, tok("again", true))
	if p := recvEvent(t, next); p.err != nil || p.ev.Text != "again" {
		t.Fatalf("listener must resume on the new connection, got %+v", p)
	}
	if mem.Count(metrics.EventReconnect) != 1 {
		t.Fatalf("expected one reconnect, got %d", mem.Count(metrics.EventReconnect))
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFakeSoniox(t)
	s := newTestSTT(t, f.config(nil))

	st := s.Stream()
	if err := st.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.nextConn(t)

	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if got := f.nextBinary(t); len(got) != 0 {
		t.Fatalf("close must send a zero-length terminal message")
	}
	if st.conn.State() != StateClosed {
		t.Fatalf("expected closed connection, got %s", st.conn.State())
	}
	if err := st.Write(context.Background(), pcmFrame(8, 0)); !errors.Is(err, stt.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed after close, got %v", err)
	}
	if err := st.Flush(); !errors.Is(err, stt.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed on flush after close, got %v", err)
	}
	for ev, err := range st.Events() {
		t.Fatalf("no events expected after close, got %+v %v", ev, err)
	}
}

func TestCloseBeforeStart(t *testing.T) {
	f := newFakeSoniox(t)
	s := newTestSTT(t, f.config(nil))
	st := s.Stream()
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for range st.Events() {
		t.Fatalf("no events expected")
	}
	if f.requests.Load() != 0 {
		t.Fatalf("close before start must not dial")
	}
}

func TestInterimEventsCanBeDisabled(t *testing.T) {
	f := newFakeSoniox(t)
	cfg := f.config(nil)
	cfg.InterimResults = false
	s := newTestSTT(t, cfg)
	if s.Capabilities().InterimResults {
		t.Fatalf("capabilities must reflect interim flag")
	}

	st := s.Stream()
	defer st.Close()
	if err := st.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ws := f.nextConn(t)
	sendTokens(t, ws, tok("maybe", false))
	sendTokens(t, ws, tok("done", true))

	next, stop := iter.Pull2(st.Events())
	defer stop()
	if p := recvEvent(t, next); p.ev.Text != "done" || !p.ev.IsFinal() {
		t.Fatalf("expected only the final event, got %+v", p)
	}
}

func TestConnectRateLimitOpensBreaker(t *testing.T) {
	f := newFakeSoniox(t)
	f.rejectWith(429)
	mem := metrics.NewMemoryObserver()
	cfg := f.config(mem)
	cfg.BreakerThreshold = 1
	cfg.BreakerCooldown = time.Minute
	s := newTestSTT(t, cfg)

	err := s.Stream().Start(context.Background())
	if !errors.Is(err, stt.ErrConnection) || !resilience.IsRateLimit(err) {
		t.Fatalf("expected rate limited connection error, got %v", err)
	}
	if errorsx.Reason(err) != errorsx.ReasonSTTRateLimit {
		t.Fatalf("expected rate limit reason, got %s", errorsx.Reason(err))
	}

	err = s.Stream().Start(context.Background())
	if errorsx.Reason(err) != errorsx.ReasonSTTCircuitOpen {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if f.requests.Load() != 1 {
		t.Fatalf("open breaker must not dial, got %d requests", f.requests.Load())
	}
	if mem.Count(metrics.EventBreakerOpen) != 1 || mem.Count(metrics.EventBreakerDenied) != 1 {
		t.Fatalf("expected breaker metrics, got %+v", mem.Snapshot())
	}
}

func TestConnectFailureIsConnectionError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIKey = testAPIKey
	cfg.URL = "ws://127.0.0.1:1/transcribe-websocket"
	cfg.Timeout = 500 * time.Millisecond
	s := newTestSTT(t, cfg)

	st := s.Stream()
	defer st.Close()
	err := st.Write(context.Background(), pcmFrame(8, 0))
	if !errors.Is(err, stt.ErrConnection) || errorsx.Reason(err) != errorsx.ReasonSTTConnect {
		t.Fatalf("expected connection error, got %v", err)
	}
}

func TestRecognizeReturnsFirstFinal(t *testing.T) {
	f := newFakeSoniox(t)
	f.replyOnBinary(func(ws *websocket.Conn, data []byte) {
		if len(data) == 0 {
			_ = ws.WriteJSON(map[string]any{"tokens": []map[string]any{tok("hi", false)}})
			_ = ws.WriteJSON(map[string]any{"tokens": []map[string]any{tok("hi", true), tok("there", true)}})
		}
	})
	s := newTestSTT(t, f.config(nil))

	ev, err := s.Recognize(context.Background(), []frames.AudioFrame{pcmFrame(32, 1), pcmFrame(32, 2)}, "en")
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if !ev.IsFinal() || ev.Text != "hi there" || ev.Language != "en" {
		t.Fatalf("unexpected result %+v", ev)
	}
}

func TestRecognizeReturnsEmptyFinalOnTimeout(t *testing.T) {
	f := newFakeSoniox(t)
	cfg := f.config(nil)
	cfg.RecognizeWait = 100 * time.Millisecond
	s := newTestSTT(t, cfg)

	ev, err := s.Recognize(context.Background(), []frames.AudioFrame{pcmFrame(32, 1)}, "")
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if !ev.IsFinal() || ev.Text != "" || ev.Language != DefaultLanguage {
		t.Fatalf("expected empty final, got %+v", ev)
	}
}
