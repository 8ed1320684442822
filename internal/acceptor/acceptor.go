// Package acceptor implements the Acceptor (C7): it accepts downstream
// WebSocket connections, applies a per-remote-address connection-admission
// rate limit, and wires each accepted connection's command surface to a
// lazily-created Session Mediator, the way the prior transport server
// wired raw connections to its Hub.
package acceptor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"odin-fanout-proxy/internal/assets"
	"odin-fanout-proxy/internal/balance"
	"odin-fanout-proxy/internal/downstream"
	"odin-fanout-proxy/internal/metrics"
	"odin-fanout-proxy/internal/registry"
	"odin-fanout-proxy/internal/session"
)

// Config bundles the acceptor's own settings alongside what it hands to
// each Mediator it creates.
type Config struct {
	ListenAddr    string
	ConnRateBurst float64
	ConnRatePerS  float64
	Mediator      session.Config
}

// Acceptor owns the TCP listener and the per-remote-address admission
// limiters.
type Acceptor struct {
	cfg     Config
	assets  *assets.Registry
	metrics *metrics.Registry
	sessReg *registry.Sessions
	logger  zerolog.Logger

	listener net.Listener
	wg       sync.WaitGroup
	nextConn uint64

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

func New(cfg Config, assetRegistry *assets.Registry, metricsRegistry *metrics.Registry, sessReg *registry.Sessions, logger zerolog.Logger) *Acceptor {
	return &Acceptor{
		cfg:      cfg,
		assets:   assetRegistry,
		metrics:  metricsRegistry,
		sessReg:  sessReg,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Start begins listening and accepting in a background goroutine.
func (a *Acceptor) Start(ctx context.Context) error {
	if a.listener != nil {
		return errors.New("acceptor already started")
	}

	ln, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	a.listener = ln
	a.logger.Info().Str("addr", a.cfg.ListenAddr).Msg("acceptor listening")

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.acceptLoop(ctx)
	}()

	return nil
}

// Stop closes the listener and waits for in-flight connection goroutines.
func (a *Acceptor) Stop() {
	if a.listener != nil {
		_ = a.listener.Close()
	}
	a.wg.Wait()
}

func (a *Acceptor) acceptLoop(ctx context.Context) {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			a.logger.Error().Err(err).Msg("accept error")
			return
		}

		if !a.admit(conn) {
			_ = conn.Close()
			continue
		}

		a.wg.Add(1)
		go func(c net.Conn) {
			defer a.wg.Done()
			a.handleConnection(ctx, c)
		}(conn)
	}
}

// admit applies a per-remote-address token bucket so a single misbehaving
// client cannot exhaust accept-loop throughput for everyone else.
func (a *Acceptor) admit(conn net.Conn) bool {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}

	limiter := a.limiterFor(host)
	return limiter.Allow()
}

func (a *Acceptor) limiterFor(host string) *rate.Limiter {
	a.limitersMu.Lock()
	defer a.limitersMu.Unlock()

	l, ok := a.limiters[host]
	if !ok {
		burst := a.cfg.ConnRateBurst
		if burst <= 0 {
			burst = 20
		}
		perS := a.cfg.ConnRatePerS
		if perS <= 0 {
			perS = 5
		}
		l = rate.NewLimiter(rate.Limit(perS), int(burst))
		a.limiters[host] = l
	}
	return l
}

func (a *Acceptor) handleConnection(parent context.Context, conn net.Conn) {
	defer conn.Close()

	id := atomic.AddUint64(&a.nextConn, 1)

	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	channel, err := downstream.Accept(id, conn, a.logger)
	if err != nil {
		a.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	_ = conn.SetDeadline(time.Time{})

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		<-ctx.Done()
		channel.Close()
	}()

	var mediator *session.Mediator
	defer func() {
		if mediator != nil {
			mediator.Close()
		}
	}()

	channel.Serve(ctx, func(env downstream.Envelope) {
		if env.Name == "authenticate" {
			if mediator != nil {
				mediator.Close()
			}
			mediator = a.authenticate(ctx, id, channel, env)
			return
		}
		if mediator == nil {
			channel.Send("error", map[string]string{"message": "not authenticated"})
			return
		}
		mediator.HandleCommand(env)
	})
}

type authenticatePayload struct {
	Credential    string `json:"credential"`
	AccountFlavor string `json:"account_flavor"`
}

// authenticate handles the downstream authenticate command: it tears down
// any prior Mediator for this channel (enforced by the caller) and creates
// a fresh one, enforcing exactly one active Session per downstream channel
//.
func (a *Acceptor) authenticate(ctx context.Context, id uint64, channel *downstream.Channel, env downstream.Envelope) *session.Mediator {
	var p authenticatePayload
	if len(env.Msg) > 0 {
		_ = json.Unmarshal(env.Msg, &p)
	}

	flavor := balance.Real
	if p.AccountFlavor == "demo" {
		flavor = balance.Demo
	}

	sessionID := fmt.Sprintf("ds-%d", id)
	return session.New(
		ctx,
		a.cfg.Mediator,
		sessionID,
		p.Credential,
		flavor,
		channel,
		a.assets,
		a.metrics,
		a.sessReg,
		a.logger,
	)
}
