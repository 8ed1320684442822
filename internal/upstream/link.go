// Package upstream implements the Upstream Link (C5): one upstream trading
// WebSocket per downstream session, with session-credentialled handshake,
// keep-alive, frame dispatch, and bounded reconnect.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"odin-fanout-proxy/internal/errs"
	"odin-fanout-proxy/internal/wire"
)

// State is one node of the Upstream Link state machine.
type State int

const (
	Idle State = iota
	Connecting
	Authenticating
	Ready
	Degraded
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config controls reconnect policy and keep-alive cadence.
type Config struct {
	URL               string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	PingPeriod        time.Duration
	DialTimeout       time.Duration
}

// Handlers are the callbacks a Session Mediator supplies to react to
// upstream lifecycle events and dispatched frames. All are invoked from the
// Link's single reader goroutine, in arrival order, so a handler must not block.
type Handlers struct {
	OnStateChange func(State)
	OnFrame       func(wire.Frame)
	OnTerminal    func(error) // called once, when the link gives up for good
}

// Link owns a single upstream WebSocket connection for one session.
type Link struct {
	cfg      Config
	ssid     string
	logger   zerolog.Logger
	handlers Handlers

	mu    sync.Mutex
	state State
	conn  *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closeCh   chan struct{}
}

// New creates a Link bound to one session's credential. Run must be called
// to start the connect/reconnect loop.
func New(cfg Config, ssid string, logger zerolog.Logger, handlers Handlers) *Link {
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = 20 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Link{
		cfg:      cfg,
		ssid:     ssid,
		logger:   logger,
		handlers: handlers,
		state:    Idle,
		closeCh:  make(chan struct{}),
	}
}

// State returns the current state (safe for concurrent use).
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	if l.handlers.OnStateChange != nil {
		l.handlers.OnStateChange(s)
	}
}

// Run drives the Connecting -> Authenticating -> Ready (-> Degraded ->
// backoff -> Connecting)* -> Closed state machine. It blocks until the
// link is Closed (by context cancellation, terminal auth rejection, or
// reconnect exhaustion). Modeled as a loop, not recursive re-entry, per the
// Design Notes' redesign flag on reconnect.
func (l *Link) Run(ctx context.Context) {
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			l.transitionToClosed(nil)
			return
		case <-l.closeCh:
			l.transitionToClosed(nil)
			return
		default:
		}

		err := l.connectAndServe(ctx)
		if err == nil {
			// connectAndServe only returns nil on deliberate close.
			l.transitionToClosed(nil)
			return
		}

		if err == errAuthRejected {
			l.transitionToClosed(errs.ErrAuthRejected)
			return
		}

		attempts++
		if attempts > l.cfg.ReconnectAttempts {
			l.transitionToClosed(fmt.Errorf("%w: exhausted %d reconnect attempts", errs.ErrUpstreamLost, l.cfg.ReconnectAttempts))
			return
		}

		l.setState(Degraded)
		l.logger.Warn().Err(err).Int("attempt", attempts).Msg("upstream link degraded, will reconnect")

		select {
		case <-ctx.Done():
			l.transitionToClosed(nil)
			return
		case <-l.closeCh:
			l.transitionToClosed(nil)
			return
		case <-time.After(l.cfg.ReconnectDelay):
		}
	}
}

var errAuthRejected = fmt.Errorf("upstream rejected credential")

// connectAndServe performs one full Connecting->Authenticating->Ready
// cycle and blocks reading frames until the socket closes or ctx is done.
// A nil return means the caller closed deliberately; a non-nil error
// (other than errAuthRejected) means the connection was lost and should be
// retried subject to the backoff budget.
func (l *Link) connectAndServe(ctx context.Context) error {
	l.setState(Connecting)

	dialCtx, cancel := context.WithTimeout(ctx, l.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, l.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: dial: %v", errs.ErrUpstreamLost, err)
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	defer conn.Close()

	l.setState(Authenticating)
	if err := l.send(wire.Frame{
		Name: "authenticate",
		Msg:  mustJSON(map[string]any{"ssid": l.ssid, "protocol": 3, "client_session_id": ""}),
	}); err != nil {
		return fmt.Errorf("%w: send authenticate: %v", errs.ErrUpstreamLost, err)
	}

	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		l.pingLoop(connCtx)
	}()

	readErr := l.readLoop(connCtx, conn)
	cancelConn()
	<-pingDone

	return readErr
}

// pingLoop sends an upstream ping every PingPeriod while the connection is
// up. Stops when connCtx is cancelled (socket closed).
func (l *Link) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = l.send(wire.Frame{Name: "ping"})
		}
	}
}

// readLoop reads and dispatches frames until the socket errors or closes.
func (l *Link) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: read: %v", errs.ErrUpstreamLost, err)
		}

		var frame wire.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			l.logger.Warn().Err(err).Msg("dropping unparseable upstream frame")
			continue
		}

		if terminal, authErr := l.dispatch(frame); terminal {
			if authErr {
				return errAuthRejected
			}
			return nil
		}
	}
}

// dispatch applies the keep-alive filter and forwards everything
// else to the Handlers callback. Returns (terminal, wasAuthRejected) to
// tell readLoop whether to stop.
func (l *Link) dispatch(frame wire.Frame) (terminal bool, wasAuthRejected bool) {
	switch frame.Name {
	case "ping":
		_ = l.send(wire.Frame{Name: "pong"})
		return false, false
	case "pong":
		return false, false
	case "timeSync":
		// Dropped; never forwarded downstream.
		return false, false
	case "authenticated":
		l.setState(Ready)
		if l.handlers.OnFrame != nil {
			l.handlers.OnFrame(frame)
		}
		return false, false
	case "unauthorized":
		if l.handlers.OnFrame != nil {
			l.handlers.OnFrame(frame)
		}
		return true, true
	default:
		if l.handlers.OnFrame != nil {
			l.handlers.OnFrame(frame)
		}
		return false, false
	}
}

// Send transmits a frame upstream once the link is Ready. Safe for
// concurrent use; the Session Mediator calls this from its own
// command-handling goroutine while the Link's own goroutines write through
// the same lock via send (authenticate, ping/pong).
func (l *Link) Send(frame wire.Frame) error {
	if l.State() != Ready {
		return errs.ErrNotReady
	}
	return l.send(frame)
}

func (l *Link) send(frame wire.Frame) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: no connection", errs.ErrUpstreamLost)
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close tears the link down deliberately, as part of downstream teardown.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		close(l.closeCh)
		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}

func (l *Link) transitionToClosed(terminal error) {
	l.setState(Closed)
	if terminal != nil && l.handlers.OnTerminal != nil {
		l.handlers.OnTerminal(terminal)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
