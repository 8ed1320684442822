package orders

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptrInt64(v int64) *int64 { return &v }

func TestBuild_M1ExpiryAlignment(t *testing.T) {
	now := time.Unix(1700000017, 0)
	assetID := ptrInt64(76)

	env, err := Build(Request{
		Direction:     Call,
		Stake:         decimal.NewFromFloat(1.5),
		AssetID:       assetID,
		Timeframe:     M1,
		UserBalanceID: "bx-1",
	}, now)

	require.NoError(t, err)
	assert.Equal(t, 3, env.OptionKind)
	assert.EqualValues(t, 1700000040, env.ExpiryUnix)
	assert.EqualValues(t, 150, env.ValueCents)
	assert.NotEmpty(t, env.RequestID)
}

func TestBuild_ExactlyDivisibleExpiryIsNotPushedForward(t *testing.T) {
	now := time.Unix(1700000040, 0) // evenly divisible by 60
	assetID := ptrInt64(76)

	env, err := Build(Request{
		Direction:     Put,
		Stake:         decimal.NewFromInt(10),
		AssetID:       assetID,
		Timeframe:     M1,
		UserBalanceID: "bx-1",
	}, now)

	require.NoError(t, err)
	assert.EqualValues(t, 1700000040, env.ExpiryUnix)
}

func TestBuild_M5AndM15Mapping(t *testing.T) {
	now := time.Unix(1700000017, 0)
	assetID := ptrInt64(1)

	m5, err := Build(Request{Direction: Call, Stake: decimal.NewFromInt(1), AssetID: assetID, Timeframe: M5, UserBalanceID: "b"}, now)
	require.NoError(t, err)
	assert.Equal(t, 12, m5.OptionKind)
	assert.EqualValues(t, 1700000100, m5.ExpiryUnix)

	m15, err := Build(Request{Direction: Call, Stake: decimal.NewFromInt(1), AssetID: assetID, Timeframe: M15, UserBalanceID: "b"}, now)
	require.NoError(t, err)
	assert.Equal(t, 13, m15.OptionKind)
	assert.EqualValues(t, 1700000100, m15.ExpiryUnix)
}

func TestBuild_CustomTimeframe(t *testing.T) {
	now := time.Unix(1700000000, 0)
	assetID := ptrInt64(1)

	env, err := Build(Request{
		Direction:     Call,
		Stake:         decimal.NewFromInt(1),
		AssetID:       assetID,
		Timeframe:     Custom,
		CustomSeconds: 90,
		UserBalanceID: "b",
	}, now)

	require.NoError(t, err)
	assert.EqualValues(t, 1700000090, env.ExpiryUnix)
}

func TestBuild_RejectsMissingBalanceID(t *testing.T) {
	_, err := Build(Request{Direction: Call, Stake: decimal.NewFromInt(1), AssetID: ptrInt64(1), Timeframe: M1}, time.Now())
	assert.Error(t, err)
}

func TestBuild_RejectsZeroStake(t *testing.T) {
	_, err := Build(Request{Direction: Call, Stake: decimal.Zero, AssetID: ptrInt64(1), Timeframe: M1, UserBalanceID: "b"}, time.Now())
	assert.Error(t, err)
}

func TestBuild_RejectsBadDirection(t *testing.T) {
	_, err := Build(Request{Direction: "up", Stake: decimal.NewFromInt(1), AssetID: ptrInt64(1), Timeframe: M1, UserBalanceID: "b"}, time.Now())
	assert.Error(t, err)
}

func TestBuild_FallsBackToSessionAssetID(t *testing.T) {
	sessionAsset := ptrInt64(76)
	env, err := Build(Request{
		Direction:      Call,
		Stake:          decimal.NewFromInt(1),
		Timeframe:      M1,
		UserBalanceID:  "b",
		SessionAssetID: sessionAsset,
	}, time.Unix(1700000000, 0))

	require.NoError(t, err)
	assert.EqualValues(t, 76, env.ActiveID)
}

func TestBuild_RejectsUnresolvableAsset(t *testing.T) {
	_, err := Build(Request{Direction: Call, Stake: decimal.NewFromInt(1), Timeframe: M1, UserBalanceID: "b"}, time.Now())
	assert.Error(t, err)
}

func TestBuild_DefaultsAndOverrides(t *testing.T) {
	now := time.Unix(1700000000, 0)
	profit := 75
	refund := int64(10)
	price := int64(9999)

	env, err := Build(Request{
		Direction:           Put,
		Stake:               decimal.NewFromInt(2),
		AssetID:             ptrInt64(1),
		Timeframe:           M1,
		UserBalanceID:       "b",
		ProfitPercent:       &profit,
		RefundValue:         &refund,
		PriceScaledOverride: &price,
	}, now)

	require.NoError(t, err)
	assert.Equal(t, 75, env.ProfitPercent)
	assert.EqualValues(t, 10, env.RefundValue)
	assert.EqualValues(t, 9999, env.PriceScaled)
}

func TestBuild_TwoCallsDifferOnlyInRequestIDAndLocalTime(t *testing.T) {
	req := Request{Direction: Call, Stake: decimal.NewFromInt(1), AssetID: ptrInt64(1), Timeframe: M1, UserBalanceID: "b"}
	now := time.Unix(1700000000, 0)

	a, err := Build(req, now)
	require.NoError(t, err)
	b, err := Build(req, now)
	require.NoError(t, err)

	assert.NotEqual(t, a.RequestID, b.RequestID)
	a.RequestID, b.RequestID = "", ""
	assert.Equal(t, a, b)
}
