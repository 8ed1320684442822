package session

import (
	"encoding/json"

	"odin-fanout-proxy/internal/balance"
	"odin-fanout-proxy/internal/candles"
	"odin-fanout-proxy/internal/errs"
	"odin-fanout-proxy/internal/wire"
)

// frameHandlers is the closed dispatch table the Design Notes call for, in
// place of a large if/else chain keyed by upstream event name. Unlisted
// names fall through to the default "forward verbatim" arm in
// onUpstreamFrame.
var frameHandlers = map[string]func(*Mediator, wire.Frame){
	"authenticated":      (*Mediator).handleAuthenticated,
	"unauthorized":       (*Mediator).handleUnauthorized,
	"balance-changed":    (*Mediator).handleBalanceFrame,
	"balances":           (*Mediator).handleBalanceFrame,
	"candle-generated":   (*Mediator).handleCandleFrame,
	"candles-generated":  (*Mediator).handleCandleFrame,
	"positions-state":    (*Mediator).handlePositionsState,
	"position-changed":   (*Mediator).handlePositionChanged,
	"subscription":       (*Mediator).handleSubscription,
	"result":             (*Mediator).handleResult,
	"price-splitter.client-buyback-generated": (*Mediator).handleBuyback,
	"client-buyback-generated":                (*Mediator).handleBuyback,
}

var terminalPositionStatuses = map[string]bool{
	"closed":  true,
	"win":     true,
	"loose":   true,
	"equal":   true,
	"expired": true,
}

// onUpstreamFrame is the Upstream Link's OnFrame handler: the keep-alive
// filter (ping/pong/timeSync) has already run inside the link; everything
// that reaches here gets dispatched by name below.
func (m *Mediator) onUpstreamFrame(frame wire.Frame) {
	if h, ok := frameHandlers[frame.Name]; ok {
		h(m, frame)
		return
	}
	m.channel.Send(frame.Name, json.RawMessage(frame.Payload()))
}

func (m *Mediator) handleAuthenticated(frame wire.Frame) {
	m.channel.Send("authenticated", json.RawMessage(frame.Payload()))
	m.sendStartupBurst()
}

// sendStartupBurst issues the burst of requests the protocol expects right
// after authentication: current balances, frequent
// position updates, the global asset list, and a default-asset candle
// subscription.
func (m *Mediator) sendStartupBurst() {
	_ = m.link.Send(wire.Frame{Name: "balances.get-balances"})
	_ = m.link.Send(wire.Frame{Name: "subscribe-positions", Msg: mustMarshal(map[string]string{"frequency": "frequent"})})
	_ = m.link.Send(wire.Frame{Name: "actives.get-all"})

	assetName := m.cfg.DefaultAssetName
	if assetName == "" {
		assetName = defaultAssetName
	}
	resolved, err := m.assets.Resolve(assetName)
	if err != nil {
		m.logger.Warn().Err(err).Str("asset", assetName).Msg("default asset not in registry, skipping startup candle subscription")
		return
	}
	m.session.SetSubscribedAsset(resolved.ID, resolved.Name)
	m.subscribeCandles(resolved.ID)
}

// handleUnauthorized only forwards the event; onUpstreamTerminal (fired
// once the link finishes transitioning to Closed) owns emitting the single
// disconnected and tearing the session down, so scenario 8's "exactly one
// disconnected" holds regardless of which terminal path fired.
func (m *Mediator) handleUnauthorized(frame wire.Frame) {
	m.channel.Send("unauthorized", json.RawMessage(frame.Payload()))
}

func (m *Mediator) handleBalanceFrame(frame wire.Frame) {
	canonical, ambiguous, err := balance.Normalize(frame.Payload(), m.session.Flavor)
	if err != nil {
		m.logger.Warn().Err(err).Str("frame", frame.Name).Msg("dropping unparseable balance frame")
		return
	}
	if ambiguous != nil {
		m.logger.Warn().Err(errs.ErrHeuristicAmbiguous).Str("reason", ambiguous.Reason).Msg("balance selection fell back to heuristic")
	}
	// The session's own balance cache (used by get-balance and Order
	// Builder's user_balance_id) always reflects the latest upstream
	// value; only the push to the downstream channel is rate-limited.
	m.session.SetBalance(canonical)
	m.agg.Admit("balance-changed", mustMarshal(canonical))
}

func (m *Mediator) handleCandleFrame(frame wire.Frame) {
	shaped, err := candles.Normalize(frame.Payload())
	if err != nil {
		m.logger.Warn().Err(err).Msg("dropping unparseable candle frame")
		return
	}
	m.agg.Admit("candles", shaped)
}

func (m *Mediator) handlePositionsState(frame wire.Frame) {
	m.agg.Admit("positions", frame.Payload())
}

func (m *Mediator) handlePositionChanged(frame wire.Frame) {
	m.channel.Send("position-changed", json.RawMessage(frame.Payload()))

	var status struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(frame.Payload(), &status); err == nil && terminalPositionStatuses[status.Status] {
		m.channel.Send("order-result", json.RawMessage(frame.Payload()))
	}
}

func (m *Mediator) handleBuyback(frame wire.Frame) {
	m.agg.Admit("pressure", frame.Payload())
}

func (m *Mediator) handleSubscription(frame wire.Frame) {
	m.channel.Send("subscription", json.RawMessage(frame.Payload()))
}

func (m *Mediator) handleResult(frame wire.Frame) {
	if frame.RequestID == "" || !m.correlateOrder(frame.RequestID) {
		return
	}

	var outcome struct {
		Success bool `json:"success"`
	}
	_ = json.Unmarshal(frame.Payload(), &outcome)

	if outcome.Success {
		m.channel.Send("order-confirmed", map[string]any{"request_id": frame.RequestID, "raw": json.RawMessage(frame.Payload())})
	} else {
		m.channel.Send("order-error", map[string]any{"request_id": frame.RequestID, "raw": json.RawMessage(frame.Payload())})
	}
}
