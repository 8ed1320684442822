package balance

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_DecimalAmount(t *testing.T) {
	payload := []byte(`{"msg":[{"currency":"USD","amount":98695.57,"id":"bx-1","type":1}]}`)

	// The payload above wraps the array under "msg"; Normalize itself only
	// understands a bare array or bare object, so unwrap first the way the
	// Session Mediator does when it hands the frame's Payload() through.
	var wrapper struct {
		Msg []raw `json:"msg"`
	}
	require.NoError(t, json.Unmarshal(payload, &wrapper))
	inner, err := json.Marshal(wrapper.Msg)
	require.NoError(t, err)

	got, ambiguous, err := Normalize(inner, Real)
	require.NoError(t, err)
	assert.Nil(t, ambiguous)
	assert.Equal(t, "bx-1", got.BalanceID)
	assert.Equal(t, int64(9869557), got.AmountCents)
	assert.Equal(t, "USD", got.Currency)
}

func TestNormalize_DemoSelection(t *testing.T) {
	payload := []byte(`[{"id":"r-1","amount":100,"currency":"USD","type":1},{"id":"d-1","amount":500,"currency":"USD","type":4}]`)

	got, ambiguous, err := Normalize(payload, Demo)
	require.NoError(t, err)
	assert.Nil(t, ambiguous)
	assert.Equal(t, "d-1", got.BalanceID)
}

func TestNormalize_RealSelectionByIsDemoFlag(t *testing.T) {
	payload := []byte(`[{"id":"r-1","amount":100,"currency":"USD","is_demo":false},{"id":"d-1","amount":500,"currency":"USD","is_demo":true}]`)

	got, ambiguous, err := Normalize(payload, Real)
	require.NoError(t, err)
	assert.Nil(t, ambiguous)
	assert.Equal(t, "r-1", got.BalanceID)
}

func TestNormalize_FallsBackToUSDWhenNoFlavorMatch(t *testing.T) {
	payload := []byte(`[{"id":"eur-1","amount":100,"currency":"EUR","type":9},{"id":"usd-1","amount":200,"currency":"USD","type":9}]`)

	got, ambiguous, err := Normalize(payload, Demo)
	require.NoError(t, err)
	require.NotNil(t, ambiguous)
	assert.Equal(t, "usd-1", got.BalanceID)
}

func TestNormalize_FallsBackToFirstRecordWhenNothingMatches(t *testing.T) {
	payload := []byte(`[{"id":"eur-1","amount":100,"currency":"EUR","type":9}]`)

	got, ambiguous, err := Normalize(payload, Demo)
	require.NoError(t, err)
	require.NotNil(t, ambiguous)
	assert.Equal(t, "eur-1", got.BalanceID)
}

func TestNormalize_SingleRecordObject(t *testing.T) {
	payload := []byte(`{"id":"bx-9","amount":1500000,"currency":"USD","type":1}`)

	got, ambiguous, err := Normalize(payload, Real)
	require.NoError(t, err)
	assert.Nil(t, ambiguous)
	assert.Equal(t, int64(1500000), got.AmountCents, "integers beyond 100000 are already minor units")
}

func TestToCents(t *testing.T) {
	cases := []struct {
		name   string
		amount string
		want   int64
	}{
		{"decimal major units", "98695.57", 9869557},
		{"small integer treated as major units", "42", 4200},
		{"large integer already minor units", "150000", 150000},
		{"boundary at 100000 still major units", "100000", 10000000},
		{"negative decimal", "-12.34", -1234},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := toCents(json.Number(tc.amount))
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalize_NegativeCentsClampedNonNegative(t *testing.T) {
	payload := []byte(`{"id":"bx-1","amount":-12.34,"currency":"USD","type":1}`)
	got, _, err := Normalize(payload, Real)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.AmountCents, int64(0))
}

func TestNormalize_EmptyArrayIsError(t *testing.T) {
	_, _, err := Normalize([]byte(`[]`), Real)
	assert.Error(t, err)
}
