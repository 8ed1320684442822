// Package orders implements the Order Builder (C4): it constructs upstream
// order envelopes from a downstream order request.
package orders

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"odin-fanout-proxy/internal/errs"
)

// Direction is the option direction.
type Direction string

const (
	Call Direction = "call"
	Put  Direction = "put"
)

// Timeframe selects the option kind / expiry alignment.
type Timeframe string

const (
	M1     Timeframe = "M1"
	M5     Timeframe = "M5"
	M15    Timeframe = "M15"
	Custom Timeframe = "custom"
)

// defaultPriceScaled is the protocol constant observed in the source for
// price_scaled. Its semantic role is undocumented upstream; it is treated
// as opaque and passed through unchanged.
const defaultPriceScaled = 10000

const (
	defaultProfitPercent = 88
	defaultRefundValue   = 0
)

// Request is a downstream order request as received from open-position.
type Request struct {
	Direction     Direction
	Stake         decimal.Decimal // major units
	AssetID       *int64          // resolved asset id, if the request named one
	Timeframe     Timeframe
	CustomSeconds int64

	// Pulled from the owning Session by the caller.
	UserBalanceID       string
	SessionAssetID      *int64 // currently subscribed asset, used when AssetID is nil
	ProfitPercent       *int
	RefundValue         *int64
	PriceScaledOverride *int64
}

// Envelope is the constructed upstream order payload.
type Envelope struct {
	RequestID     string    `json:"request_id"`
	LocalTime     int64     `json:"local_time"`
	UserBalanceID string    `json:"user_balance_id"`
	ActiveID      int64     `json:"active_id"`
	OptionKind    int       `json:"option_type_id"`
	Direction     Direction `json:"direction"`
	ExpiryUnix    int64     `json:"expired"`
	PriceScaled   int64     `json:"price"`
	ValueCents    int64     `json:"value"`
	ProfitPercent int       `json:"profit_percent"`
	RefundValue   int64     `json:"refund_value"`
}

// timeframeKind maps a Timeframe to its upstream option_type_id.
var timeframeKind = map[Timeframe]int{
	M1:     3,
	M5:     12,
	M15:    13,
	Custom: 3,
}

// Build constructs an Envelope from a Request, validating it first. now is injected so callers (and tests) control the clock.
func Build(req Request, now time.Time) (Envelope, error) {
	if req.UserBalanceID == "" {
		return Envelope{}, errs.BadOrder("missing user_balance_id")
	}
	if req.Direction != Call && req.Direction != Put {
		return Envelope{}, errs.BadOrder("direction must be call or put")
	}
	if req.Stake.LessThanOrEqual(decimal.Zero) {
		return Envelope{}, errs.BadOrder("stake must be > 0")
	}

	activeID := req.AssetID
	if activeID == nil {
		activeID = req.SessionAssetID
	}
	if activeID == nil {
		return Envelope{}, errs.BadOrder("active_id not resolvable")
	}

	kind, ok := timeframeKind[req.Timeframe]
	if !ok {
		return Envelope{}, errs.BadOrder("unknown timeframe")
	}

	expiry, err := expiryFor(req.Timeframe, req.CustomSeconds, now)
	if err != nil {
		return Envelope{}, err
	}

	priceScaled := int64(defaultPriceScaled)
	if req.PriceScaledOverride != nil {
		priceScaled = *req.PriceScaledOverride
	}

	profitPercent := defaultProfitPercent
	if req.ProfitPercent != nil {
		profitPercent = *req.ProfitPercent
	}

	refundValue := int64(defaultRefundValue)
	if req.RefundValue != nil {
		refundValue = *req.RefundValue
	}

	valueCents := req.Stake.Mul(decimal.NewFromInt(100)).Round(0).IntPart()

	return Envelope{
		RequestID:     uuid.NewString(),
		LocalTime:     now.UnixMilli(),
		UserBalanceID: req.UserBalanceID,
		ActiveID:      *activeID,
		OptionKind:    kind,
		Direction:     req.Direction,
		ExpiryUnix:    expiry,
		PriceScaled:   priceScaled,
		ValueCents:    valueCents,
		ProfitPercent: profitPercent,
		RefundValue:   refundValue,
	}, nil
}

// expiryFor computes expiry_unix for the given timeframe.
func expiryFor(tf Timeframe, customSeconds int64, now time.Time) (int64, error) {
	nowS := now.Unix()
	switch tf {
	case M1:
		return ceilTo(nowS, 60), nil
	case M5:
		return ceilTo(nowS, 300), nil
	case M15:
		return ceilTo(nowS, 900), nil
	case Custom:
		if customSeconds <= 0 {
			return 0, errs.BadOrder("custom_seconds must be > 0 for custom timeframe")
		}
		return nowS + customSeconds, nil
	default:
		return 0, errs.BadOrder("unknown timeframe")
	}
}

func ceilTo(seconds int64, step int64) int64 {
	if seconds%step == 0 {
		return seconds
	}
	return ((seconds / step) + 1) * step
}
