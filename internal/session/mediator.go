package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"odin-fanout-proxy/internal/aggregator"
	"odin-fanout-proxy/internal/assets"
	"odin-fanout-proxy/internal/balance"
	"odin-fanout-proxy/internal/downstream"
	"odin-fanout-proxy/internal/errs"
	"odin-fanout-proxy/internal/metrics"
	"odin-fanout-proxy/internal/orders"
	"odin-fanout-proxy/internal/registry"
	"odin-fanout-proxy/internal/upstream"
	"odin-fanout-proxy/internal/wire"
)

// defaultAssetName is the asset the startup burst subscribes to candles for
//.
const defaultAssetName = "EURUSD-OTC"

// Config carries everything a Mediator needs that is not session-specific.
type Config struct {
	UpstreamURL         string
	ReconnectAttempts   int
	ReconnectDelay      time.Duration
	UpstreamPingPeriod  time.Duration
	DownstreamHeartbeat time.Duration
	OrderCorrelationTTL time.Duration
	DefaultAssetName    string
	RateRules           map[string]aggregator.Rule
}

// Mediator is the per-client glue (C6): binds one downstream Channel to one
// Upstream Link, applies the Asset Registry / Balance Normalizer / Order
// Builder / Event Aggregator, forwards events, and cleans up on teardown.
type Mediator struct {
	cfg     Config
	session *Session
	channel *downstream.Channel
	assets  *assets.Registry
	metrics *metrics.Registry
	sessReg *registry.Sessions
	logger  zerolog.Logger

	link *upstream.Link
	agg  *aggregator.Aggregator

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	pendingOrders map[string]*time.Timer
	closeOnce     sync.Once
}

// New creates and starts a Mediator for a freshly-authenticated downstream
// client. The caller owns the returned Mediator's lifecycle and must call
// Close on downstream disconnect.
func New(
	parent context.Context,
	cfg Config,
	id, credential string,
	flavor balance.Flavor,
	channel *downstream.Channel,
	assetRegistry *assets.Registry,
	metricsRegistry *metrics.Registry,
	sessReg *registry.Sessions,
	logger zerolog.Logger,
) *Mediator {
	ctx, cancel := context.WithCancel(parent)

	m := &Mediator{
		cfg:           cfg,
		session:       NewSession(id, credential, flavor, time.Now()),
		channel:       channel,
		assets:        assetRegistry,
		metrics:       metricsRegistry,
		sessReg:       sessReg,
		logger:        logger.With().Str("session_id", id).Str("account_flavor", string(flavor)).Logger(),
		ctx:           ctx,
		cancel:        cancel,
		pendingOrders: make(map[string]*time.Timer),
	}

	m.agg = aggregator.New(cfg.RateRules, m.emitAggregated)
	if metricsRegistry != nil {
		m.agg.OnMetrics(
			func(class string) { metricsRegistry.AggregatorAdmitted.WithLabelValues(class).Inc() },
			func(class string) { metricsRegistry.AggregatorDropped.WithLabelValues(class).Inc() },
			func(class string) { metricsRegistry.AggregatorFlushed.WithLabelValues(class).Inc() },
		)
	}

	m.link = upstream.New(upstream.Config{
		URL:               cfg.UpstreamURL,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
		PingPeriod:        cfg.UpstreamPingPeriod,
	}, credential, m.logger, upstream.Handlers{
		OnStateChange: m.onUpstreamStateChange,
		OnFrame:       m.onUpstreamFrame,
		OnTerminal:    m.onUpstreamTerminal,
	})

	if sessReg != nil {
		sessReg.Insert(id, credential, m)
	}
	if metricsRegistry != nil {
		metricsRegistry.ActiveSessions.Inc()
	}

	go m.link.Run(ctx)
	go m.heartbeatLoop()

	return m
}

// Session returns the owned Session value (read-only use by collaborators).
func (m *Mediator) Session() *Session { return m.session }

func (m *Mediator) heartbeatLoop() {
	interval := m.cfg.DownstreamHeartbeat
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.channel.Send("ping-proxy", map[string]int64{"t": time.Now().UnixMilli()})
		}
	}
}

func (m *Mediator) onUpstreamStateChange(s upstream.State) {
	if m.metrics != nil {
		m.metrics.UpstreamLinkState.WithLabelValues(s.String()).Inc()
		if s == upstream.Degraded {
			m.metrics.UpstreamReconnects.Inc()
		}
	}
}

func (m *Mediator) onUpstreamTerminal(err error) {
	m.logger.Warn().Err(err).Msg("upstream link terminal")
	if !errors.Is(err, errs.ErrAuthRejected) {
		m.channel.Send("error", map[string]string{"message": err.Error()})
	}
	m.channel.Send("disconnected", nil)
	m.Close()
}

// HandleCommand dispatches a downstream command to the appropriate handler
//. authenticate is handled one level up by the Acceptor, which owns
// Mediator creation/replacement.
func (m *Mediator) HandleCommand(env downstream.Envelope) {
	switch env.Name {
	case "subscribe-active":
		m.handleSubscribeActive(env)
	case "sendMessage":
		m.handleSendMessage(env)
	case "open-position":
		m.handleOpenPosition(env)
	case "get-balance":
		m.handleGetBalance()
	case "disconnect":
		m.Close()
	default:
		m.logger.Debug().Str("command", env.Name).Msg("ignoring unrecognized downstream command")
	}
}

func (m *Mediator) handleSubscribeActive(env downstream.Envelope) {
	var payload any
	if len(env.Msg) > 0 {
		if err := json.Unmarshal(env.Msg, &payload); err != nil {
			m.channel.Send("error", map[string]string{"message": "malformed subscribe-active payload"})
			return
		}
	}

	resolved, err := m.assets.Resolve(payload)
	if err != nil {
		m.logger.Warn().Err(err).Msg("subscribe-active: unknown asset")
		m.channel.Send("error", map[string]string{"message": fmt.Sprintf("Ativo desconhecido: %s", unknownAssetIdentifier(err))})
		return
	}

	if old := m.session.SubscribedAsset(); old != nil && *old != resolved.ID {
		_ = m.link.Send(wire.Frame{Name: "unsubscribe-candles", Msg: mustMarshal(map[string]any{"active_id": *old})})
	}

	m.subscribeCandles(resolved.ID)
	m.session.SetSubscribedAsset(resolved.ID, resolved.Name)

	m.channel.Send("subscribed-active", []map[string]any{{"name": resolved.Name, "id": resolved.ID}})
}

// unknownAssetIdentifier recovers the offending identifier from an
// errs.ErrUnknownAsset error rather than re-deriving it from the raw
// subscribe-active payload, which may be a bare string or a structured
// wrapper (`{name: ...}`, `{msg: {name: ...}}`, ...) — the registry's
// Resolve already did the work of digging the identifier out of whichever
// shape it arrived in, so its error message is the single source of truth.
func unknownAssetIdentifier(err error) string {
	msg := err.Error()
	if s, ok := strings.CutPrefix(msg, errs.ErrUnknownAsset.Error()+": "); ok {
		return s
	}
	return msg
}

// subscribeCandles sends both the direct and sendMessage-wrapped variants
// of subscribe-candles: it's ambiguous which form upstream actually honors,
// so both are sent and the redundant one is expected to be a no-op.
func (m *Mediator) subscribeCandles(activeID int64) {
	body := map[string]any{"active_id": activeID, "size": 60, "at": "1m"}
	direct := wire.Frame{Name: "subscribe-candles", Msg: mustMarshal(body)}
	_ = m.link.Send(direct)

	wrapped := wire.Frame{Name: "sendMessage", Msg: mustMarshal(direct)}
	_ = m.link.Send(wrapped)
}

// handleSendMessage implements spec.md's raw pass-through: if the envelope
// has a msg field, forward msg; else forward the envelope itself.
func (m *Mediator) handleSendMessage(env downstream.Envelope) {
	if m.link.State() != upstream.Ready {
		m.channel.Send("error", map[string]string{"message": errs.ErrNotReady.Error()})
		return
	}
	_ = m.link.Send(sendMessageFrame(env.Msg))
}

// sendMessageFrame implements the pass-through logic on its own, pure of any
// I/O, so it can be unit tested directly: unwrap a top-level "msg" key if
// present (forward msg), otherwise use the raw envelope as-is (forward the
// envelope itself). Whichever value results, if it already looks like a
// frame (has a name) it's sent as-is; otherwise it's wrapped in a
// synthesized sendMessage frame so upstream still receives a well-formed
// frame.
func sendMessageFrame(raw json.RawMessage) wire.Frame {
	payload := raw
	if len(payload) > 0 {
		var wrapper struct {
			Msg json.RawMessage `json:"msg"`
		}
		if err := json.Unmarshal(payload, &wrapper); err == nil && len(wrapper.Msg) > 0 {
			payload = wrapper.Msg
		}
	}

	var inner wire.Frame
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &inner); err == nil && inner.Name != "" {
			return inner
		}
	}
	return wire.Frame{Name: "sendMessage", Msg: payload}
}

type openPositionPayload struct {
	Direction      string   `json:"direction"`
	Amount         *float64 `json:"amount"`
	Stake          *float64 `json:"stake"`
	ActiveID       *int64   `json:"active_id"`
	OptionTypeID   *int     `json:"option_type_id"`
	Timeframe      string   `json:"timeframe"`
	ExpirationSize *int64   `json:"expiration_size"`
	Duration       *int64   `json:"duration"`
	Price          *int64   `json:"price"`
	ProfitPercent  *int     `json:"profit_percent"`
	RefundValue    *int64   `json:"refund_value"`
}

// optionKindToTimeframe reverses the orders package's timeframe->option_kind table for
// requests that name an option_type_id instead of a timeframe directly.
var optionKindToTimeframe = map[int]orders.Timeframe{
	3:  orders.M1,
	12: orders.M5,
	13: orders.M15,
}

func (m *Mediator) handleOpenPosition(env downstream.Envelope) {
	var p openPositionPayload
	if len(env.Msg) > 0 {
		if err := json.Unmarshal(env.Msg, &p); err != nil {
			m.channel.Send("error", map[string]string{"message": "malformed open-position payload"})
			return
		}
	}

	req, err := m.buildOrderRequest(p)
	if err != nil {
		if m.metrics != nil {
			m.metrics.OrdersRejected.Inc()
		}
		m.channel.Send("order-error", map[string]string{"message": err.Error()})
		return
	}

	envelope, err := orders.Build(req, time.Now())
	if err != nil {
		if m.metrics != nil {
			m.metrics.OrdersRejected.Inc()
		}
		m.channel.Send("order-error", map[string]string{"message": err.Error()})
		return
	}

	frame := wire.Frame{
		Name:    "binary-options.open-option",
		Version: "v2.0",
		Msg:     mustMarshal(envelope),
	}
	if err := m.link.Send(frame); err != nil {
		m.channel.Send("order-error", map[string]string{"request_id": envelope.RequestID, "message": err.Error()})
		return
	}

	if m.metrics != nil {
		m.metrics.OrdersSubmitted.Inc()
	}
	m.registerPendingOrder(envelope.RequestID)
	m.channel.Send("order-sent", map[string]any{"request_id": envelope.RequestID, "envelope": envelope})
}

func (m *Mediator) buildOrderRequest(p openPositionPayload) (orders.Request, error) {
	stakeVal := p.Stake
	if stakeVal == nil {
		stakeVal = p.Amount
	}
	if stakeVal == nil {
		return orders.Request{}, errs.BadOrder("missing stake/amount")
	}

	tf, customSeconds, err := resolveTimeframe(p)
	if err != nil {
		return orders.Request{}, err
	}

	return orders.Request{
		Direction:           orders.Direction(p.Direction),
		Stake:               decimal.NewFromFloat(*stakeVal),
		AssetID:             p.ActiveID,
		Timeframe:           tf,
		CustomSeconds:       customSeconds,
		UserBalanceID:       m.session.BalanceID(),
		SessionAssetID:      m.session.SubscribedAsset(),
		ProfitPercent:       p.ProfitPercent,
		RefundValue:         p.RefundValue,
		PriceScaledOverride: p.Price,
	}, nil
}

func resolveTimeframe(p openPositionPayload) (orders.Timeframe, int64, error) {
	switch p.Timeframe {
	case "M1", "M5", "M15", "custom":
		custom := p.ExpirationSize
		if custom == nil {
			custom = p.Duration
		}
		seconds := int64(0)
		if custom != nil {
			seconds = *custom
		}
		return orders.Timeframe(p.Timeframe), seconds, nil
	}

	if p.ExpirationSize != nil || p.Duration != nil {
		seconds := p.ExpirationSize
		if seconds == nil {
			seconds = p.Duration
		}
		return orders.Custom, *seconds, nil
	}

	if p.OptionTypeID != nil {
		if tf, ok := optionKindToTimeframe[*p.OptionTypeID]; ok {
			return tf, 0, nil
		}
		return "", 0, errs.BadOrder("unknown option_type_id")
	}

	return orders.M1, 0, nil
}

func (m *Mediator) registerPendingOrder(requestID string) {
	ttl := m.cfg.OrderCorrelationTTL
	if ttl <= 0 {
		ttl = 12 * time.Second
	}
	timer := time.AfterFunc(ttl, func() {
		m.mu.Lock()
		delete(m.pendingOrders, requestID)
		m.mu.Unlock()
	})

	m.mu.Lock()
	if m.pendingOrders != nil {
		m.pendingOrders[requestID] = timer
	} else {
		timer.Stop()
	}
	m.mu.Unlock()
}

func (m *Mediator) correlateOrder(requestID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	timer, ok := m.pendingOrders[requestID]
	if !ok {
		return false
	}
	timer.Stop()
	delete(m.pendingOrders, requestID)
	return true
}

func (m *Mediator) handleGetBalance() {
	bal, ok := m.session.Balance()
	if !ok {
		bal = balance.Canonical{AmountCents: 0}
	}
	m.emitBalanceTrio(bal)
}

func (m *Mediator) emitBalanceTrio(bal balance.Canonical) {
	payload := map[string]any{
		"msg": map[string]any{
			"current_balance": map[string]any{
				"id":       bal.BalanceID,
				"amount":   bal.AmountCents,
				"currency": bal.Currency,
			},
		},
	}
	for _, name := range []string{"balance", "balance-changed", "current-balance"} {
		m.channel.Send(name, payload)
	}
}

// emitAggregated is the Aggregator's Emitter callback: maps a coalesced
// class back to its friendly downstream name(s).
func (m *Mediator) emitAggregated(class string, payload json.RawMessage) {
	switch class {
	case "candles":
		m.channel.Send("candles", json.RawMessage(payload))
	case "positions":
		m.channel.Send("positions", json.RawMessage(payload))
	case "balance-changed":
		var canonical balance.Canonical
		if err := json.Unmarshal(payload, &canonical); err != nil {
			m.logger.Warn().Err(err).Msg("dropping unparseable coalesced balance payload")
			return
		}
		m.emitBalanceTrio(canonical)
	case "pressure":
		for _, name := range []string{"pressure", "client-buyback-generated", "price-splitter.client-buyback-generated"} {
			m.channel.Send(name, json.RawMessage(payload))
		}
	default:
		m.channel.Send(class, json.RawMessage(payload))
	}
}

// Close tears the session down: cancels timers, closes the upstream
// socket, clears the aggregator, and evicts the registry entry.
func (m *Mediator) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		m.link.Close()
		m.agg.Clear()

		m.mu.Lock()
		for _, t := range m.pendingOrders {
			t.Stop()
		}
		m.pendingOrders = nil
		m.mu.Unlock()

		if m.sessReg != nil {
			m.sessReg.Delete(m.session.ID, m.session.Credential)
		}
		if m.metrics != nil {
			m.metrics.ActiveSessions.Dec()
		}
	})
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
