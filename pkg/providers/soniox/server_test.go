package soniox

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/ranya-stt/pkg/adapters/stt"
	"github.com/harunnryd/ranya-stt/pkg/frames"
	"github.com/harunnryd/ranya-stt/pkg/metrics"
)

const testAPIKey = "test-key-0123456789"

// fakeSoniox is a websocket server speaking the Soniox real-time protocol.
type fakeSoniox struct {
	srv *httptest.Server
	url string

	mu         sync.Mutex
	handshakes []handshake

	requests atomic.Int32
	conns    chan *websocket.Conn
	binary   chan []byte

	// reject answers the upgrade request with this status when non-zero.
	reject int
	// onBinary runs in the connection goroutine for every binary message.
	onBinary func(ws *websocket.Conn, data []byte)
}

func newFakeSoniox(t *testing.T) *fakeSoniox {
	t.Helper()
	f := &fakeSoniox{
		conns:  make(chan *websocket.Conn, 8),
		binary: make(chan []byte, 256),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		f.mu.Lock()
		reject, onBinary := f.reject, f.onBinary
		f.mu.Unlock()
		if reject != 0 {
			w.Header().Set("Retry-After", "1")
			http.Error(w, http.StatusText(reject), reject)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		typ, data, err := ws.ReadMessage()
		if err != nil || typ != websocket.TextMessage {
			return
		}
		var hs handshake
		if err := json.Unmarshal(data, &hs); err != nil {
			return
		}
		f.mu.Lock()
		f.handshakes = append(f.handshakes, hs)
		f.mu.Unlock()
		f.conns <- ws
		for {
			typ, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			f.binary <- data
			if onBinary != nil {
				onBinary(ws, data)
			}
		}
	}))
	f.url = "ws" + strings.TrimPrefix(f.srv.URL, "http")
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSoniox) rejectWith(status int) {
	f.mu.Lock()
	f.reject = status
	f.mu.Unlock()
}

func (f *fakeSoniox) replyOnBinary(fn func(ws *websocket.Conn, data []byte)) {
	f.mu.Lock()
	f.onBinary = fn
	f.mu.Unlock()
}

func (f *fakeSoniox) handshake(i int) handshake {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.handshakes) {
		return handshake{}
	}
	return f.handshakes[i]
}

func (f *fakeSoniox) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-f.conns:
		return ws
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for connection")
		return nil
	}
}

func (f *fakeSoniox) nextBinary(t *testing.T) []byte {
	t.Helper()
	select {
	case b := <-f.binary:
		return b
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for binary message")
		return nil
	}
}

func (f *fakeSoniox) config(obs metrics.Observer) Config {
	cfg := DefaultConfig()
	cfg.APIKey = testAPIKey
	cfg.URL = f.url
	cfg.Timeout = 2 * time.Second
	cfg.PingInterval = 0
	cfg.Observer = obs
	return cfg
}

func sendTokens(t *testing.T, ws *websocket.Conn, tokens ...map[string]any) {
	t.Helper()
	if err := ws.WriteJSON(map[string]any{"tokens": tokens}); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func tok(text string, final bool) map[string]any {
	return map[string]any{"text": text, "is_final": final}
}

func pcmFrame(n int, fill byte) frames.AudioFrame {
	data := make([]byte, n)
	for i := range data {
		data[i] = fill
	}
	return frames.NewAudioFrame("s1", 0, data, DefaultSampleRate, 1, nil)
}

type pulled struct {
	ev  stt.SpeechEvent
	err error
	ok  bool
}

func recvEvent(t *testing.T, next func() (stt.SpeechEvent, error, bool)) pulled {
	t.Helper()
	ch := make(chan pulled, 1)
	go func() {
		ev, err, ok := next()
		ch <- pulled{ev: ev, err: err, ok: ok}
	}()
	select {
	case p := <-ch:
		return p
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for speech event")
		return pulled{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
