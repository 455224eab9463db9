package soniox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/ranya-stt/pkg/adapters/stt"
	"github.com/harunnryd/ranya-stt/pkg/errorsx"
	"github.com/harunnryd/ranya-stt/pkg/metrics"
	"github.com/harunnryd/ranya-stt/pkg/redact"
	"github.com/harunnryd/ranya-stt/pkg/resilience"
)

// State is the lifecycle state of a Connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const provider = "soniox"

// ConnectionOptions carries per-stream values used by a Connection.
type ConnectionOptions struct {
	Language    string
	ReferenceID string
	Logger      *slog.Logger
	Observer    metrics.Observer
	Tags        map[string]string
	Breaker     *resilience.CircuitBreaker
}

// Connection owns one websocket to the Soniox real-time endpoint. Send is
// expected from a single goroutine and Receive from another; the handle is
// swapped under mu so a send never races a reconnect.
type Connection struct {
	cfg  Config
	opts ConnectionOptions
	log  *slog.Logger
	obs  metrics.Observer

	mu      sync.Mutex
	tr      *transport
	local   bool
	state   atomic.Int32
	changed chan struct{}
}

type inbound struct {
	data []byte
	err  error
}

// transport is one dialed socket and its reader goroutine.
type transport struct {
	ws       *websocket.Conn
	inbox    chan inbound
	first    chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func (t *transport) shutdown() {
	t.stopOnce.Do(func() {
		close(t.stop)
		_ = t.ws.Close()
	})
}

func NewConnection(cfg Config, opts ConnectionOptions) *Connection {
	cfg = cfg.withDefaults()
	if opts.Logger == nil {
		opts.Logger = cfg.Logger
	}
	if opts.Observer == nil {
		opts.Observer = cfg.Observer
	}
	opts.Language = normalizeLanguage(opts.Language)
	return &Connection{
		cfg:     cfg,
		opts:    opts,
		log:     opts.Logger,
		obs:     opts.Observer,
		changed: make(chan struct{}),
	}
}

func (c *Connection) State() State { return State(c.state.Load()) }

// setStateLocked must be called with mu held.
func (c *Connection) setStateLocked(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	close(c.changed)
	c.changed = make(chan struct{})
}

// Connect dials the service and sends the handshake. It is a no-op when
// already connected. A connection closed by the remote side must be reset
// with MarkUnusable first.
func (c *Connection) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateConnected:
		return nil
	case StateDisconnected:
	default:
		return errorsx.Wrap(fmt.Errorf("%w: connection is %s", stt.ErrConnectionClosed, c.State()), errorsx.ReasonSTTClosed)
	}
	if c.local {
		return errorsx.Wrap(fmt.Errorf("%w: connection closed locally", stt.ErrConnectionClosed), errorsx.ReasonSTTClosed)
	}
	if c.opts.Breaker != nil && !c.opts.Breaker.Allow() {
		metrics.Emit(c.obs, metrics.EventBreakerDenied, 1, c.opts.Tags, nil)
		return errorsx.Wrap(fmt.Errorf("%w: circuit open until %s", stt.ErrConnection, c.opts.Breaker.OpenUntil().Format(time.RFC3339)), errorsx.ReasonSTTCircuitOpen)
	}

	c.setStateLocked(StateConnecting)
	started := time.Now()
	tr, err := c.dial(ctx)
	if err != nil {
		c.setStateLocked(StateDisconnected)
		tags := c.tagsWithReason(errorsx.Reason(err))
		metrics.Emit(c.obs, metrics.EventConnectError, 1, tags, map[string]any{metrics.FieldError: err.Error()})
		if resilience.IsRateLimit(err) {
			metrics.Emit(c.obs, metrics.EventRateLimit, 1, tags, nil)
		}
		if c.opts.Breaker != nil {
			wasOpen := !c.opts.Breaker.Allow()
			c.opts.Breaker.OnError(err)
			if !wasOpen && !c.opts.Breaker.Allow() {
				metrics.Emit(c.obs, metrics.EventBreakerOpen, 1, c.opts.Tags, nil)
				c.log.Warn("soniox_breaker_open", slog.Time("open_until", c.opts.Breaker.OpenUntil()))
			}
		}
		c.log.Error("soniox_connect_failed",
			slog.String("url", c.cfg.URL),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		return err
	}
	if c.opts.Breaker != nil {
		c.opts.Breaker.OnSuccess()
	}
	c.tr = tr
	c.setStateLocked(StateConnected)
	go c.keepAlive(tr)

	metrics.Emit(c.obs, metrics.EventConnect, float64(time.Since(started).Milliseconds()), c.opts.Tags, nil)
	c.log.Info("soniox_connected",
		slog.String("model", c.cfg.Model),
		slog.String("language", c.opts.Language),
		slog.Int("sample_rate", c.cfg.SampleRate),
		slog.String("client_reference_id", c.opts.ReferenceID))

	c.awaitFirstMessage(ctx, tr)
	return nil
}

func (c *Connection) dial(ctx context.Context) (*transport, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	c.log.Debug("soniox_connecting",
		slog.String("url", c.cfg.URL),
		slog.String("api_key", redact.Secret(c.cfg.APIKey)))

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.Timeout,
	}
	ws, resp, err := dialer.DialContext(dctx, c.cfg.URL, nil)
	if err != nil {
		if rl := resilience.RateLimitFromResponse(provider, resp); rl != nil {
			return nil, errorsx.Wrap(fmt.Errorf("%w: %w", stt.ErrConnection, rl), errorsx.ReasonSTTRateLimit)
		}
		if resp != nil {
			err = fmt.Errorf("%s: %w", resp.Status, err)
		}
		return nil, errorsx.Wrap(fmt.Errorf("%w: %w", stt.ErrConnection, err), errorsx.ReasonSTTConnect)
	}

	hs, err := json.Marshal(newHandshake(c.cfg, c.opts.Language, c.opts.ReferenceID))
	if err != nil {
		_ = ws.Close()
		return nil, errorsx.Wrap(fmt.Errorf("%w: encode handshake: %w", stt.ErrConnection, err), errorsx.ReasonSTTConnect)
	}
	deadline, _ := dctx.Deadline()
	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.TextMessage, hs); err != nil {
		_ = ws.Close()
		return nil, errorsx.Wrap(fmt.Errorf("%w: send handshake: %w", stt.ErrConnection, err), errorsx.ReasonSTTConnect)
	}
	_ = ws.SetWriteDeadline(time.Time{})

	tr := &transport{
		ws:    ws,
		inbox: make(chan inbound, 16),
		first: make(chan struct{}),
		stop:  make(chan struct{}),
	}
	if c.cfg.PingInterval > 0 {
		window := c.cfg.PingInterval + c.cfg.PingTimeout
		_ = ws.SetReadDeadline(time.Now().Add(window))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(window))
		})
	}
	go readLoop(tr)
	return tr, nil
}

func readLoop(tr *transport) {
	var once sync.Once
	for {
		_, data, err := tr.ws.ReadMessage()
		if err == nil {
			once.Do(func() { close(tr.first) })
		}
		select {
		case tr.inbox <- inbound{data: data, err: err}:
		case <-tr.stop:
			return
		}
		if err != nil {
			return
		}
	}
}

// awaitFirstMessage waits up to InitialResponseWait for the service to
// answer the handshake. Silence is not an error.
func (c *Connection) awaitFirstMessage(ctx context.Context, tr *transport) {
	if c.cfg.InitialResponseWait <= 0 {
		return
	}
	timer := time.NewTimer(c.cfg.InitialResponseWait)
	defer timer.Stop()
	select {
	case <-tr.first:
		c.log.Debug("soniox_initial_response")
	case <-timer.C:
		c.log.Warn("soniox_no_initial_response", slog.Duration("waited", c.cfg.InitialResponseWait))
	case <-ctx.Done():
	}
}

func (c *Connection) keepAlive(tr *transport) {
	if c.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-tr.stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.PingTimeout)
			if err := tr.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Debug("soniox_ping_failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Send writes one binary message. A zero-length payload is the flush signal.
// Any write failure closes the transport.
func (c *Connection) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tr := c.tr
	if tr == nil || c.State() != StateConnected {
		return errorsx.Wrap(fmt.Errorf("%w: not connected", stt.ErrConnectionClosed), errorsx.ReasonSTTClosed)
	}
	_ = tr.ws.SetWriteDeadline(time.Now().Add(c.cfg.Timeout))
	if err := tr.ws.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		tr.shutdown()
		c.setStateLocked(StateClosed)
		c.log.Warn("soniox_send_failed", slog.String("error", err.Error()))
		return errorsx.Wrap(fmt.Errorf("%w: %w", stt.ErrConnectionClosed, err), errorsx.ReasonSTTClosed)
	}
	return nil
}

// Receive blocks until the next inbound message, transport closure or ctx
// cancellation. A transport shut down by Send or MarkUnusable unblocks it
// with ErrConnectionClosed.
func (c *Connection) Receive(ctx context.Context) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	tr := c.tr
	state := c.State()
	c.mu.Unlock()
	if tr == nil || state != StateConnected {
		return nil, errorsx.Wrap(fmt.Errorf("%w: not connected", stt.ErrConnectionClosed), errorsx.ReasonSTTClosed)
	}

	var in inbound
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case in = <-tr.inbox:
	case <-tr.stop:
		// readLoop may exit on stop without queueing its error. Buffered
		// messages still drain before the closure is reported.
		select {
		case in = <-tr.inbox:
		default:
			return nil, errorsx.Wrap(fmt.Errorf("%w: transport shut down", stt.ErrConnectionClosed), errorsx.ReasonSTTClosed)
		}
	}
	if in.err == nil {
		return in.data, nil
	}
	c.mu.Lock()
	if c.tr == tr && c.State() == StateConnected {
		tr.shutdown()
		c.setStateLocked(StateClosed)
	}
	c.mu.Unlock()
	if websocket.IsCloseError(in.err, websocket.CloseNormalClosure) {
		c.log.Info("soniox_closed_by_remote")
	} else {
		c.log.Warn("soniox_receive_failed", slog.String("error", in.err.Error()))
	}
	return nil, errorsx.Wrap(fmt.Errorf("%w: %w", stt.ErrConnectionClosed, in.err), errorsx.ReasonSTTClosed)
}

// MarkUnusable drops the current transport so Connect may dial again. It
// has no effect after Close.
func (c *Connection) MarkUnusable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tr != nil {
		c.tr.shutdown()
		c.tr = nil
	}
	if c.local {
		return
	}
	c.setStateLocked(StateDisconnected)
}

// WaitConnected blocks until the connection is Connected. It fails once the
// connection was closed locally or ctx ends.
func (c *Connection) WaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		state := c.State()
		local := c.local
		changed := c.changed
		c.mu.Unlock()
		if state == StateConnected {
			return nil
		}
		if local {
			return errorsx.Wrap(fmt.Errorf("%w: connection closed locally", stt.ErrConnectionClosed), errorsx.ReasonSTTClosed)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Close sends the terminal empty payload and a normal closure frame, then
// closes the socket. It is idempotent and final.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local {
		return nil
	}
	c.local = true
	tr := c.tr
	c.tr = nil
	if tr == nil {
		c.setStateLocked(StateClosed)
		return nil
	}
	if c.State() == StateConnected {
		c.setStateLocked(StateClosing)
		deadline := time.Now().Add(time.Second)
		_ = tr.ws.SetWriteDeadline(deadline)
		_ = tr.ws.WriteMessage(websocket.BinaryMessage, []byte{})
		_ = tr.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	}
	tr.shutdown()
	c.setStateLocked(StateClosed)
	c.log.Debug("soniox_connection_closed")
	return nil
}

func (c *Connection) tagsWithReason(reason errorsx.ReasonCode) map[string]string {
	out := make(map[string]string, len(c.opts.Tags)+1)
	for k, v := range c.opts.Tags {
		out[k] = v
	}
	out[metrics.TagReason] = string(reason)
	return out
}
