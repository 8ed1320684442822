package assets

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odin-fanout-proxy/internal/errs"
)

func newTestRegistry() *Registry {
	return New(map[string]int64{
		"EURUSD-OTC": 76,
		"GBPUSD-OTC": 80,
	})
}

func TestResolve_ByName(t *testing.T) {
	r := newTestRegistry()
	resolved, err := r.Resolve("EURUSD-OTC")
	require.NoError(t, err)
	assert.EqualValues(t, 76, resolved.ID)
}

func TestResolve_ByBareInteger(t *testing.T) {
	r := newTestRegistry()
	resolved, err := r.Resolve(float64(76))
	require.NoError(t, err)
	assert.Equal(t, "EURUSD-OTC", resolved.Name)
}

func TestResolve_ByStructuredActiveKey(t *testing.T) {
	r := newTestRegistry()
	resolved, err := r.Resolve(map[string]any{"active": "GBPUSD-OTC"})
	require.NoError(t, err)
	assert.EqualValues(t, 80, resolved.ID)
}

func TestResolve_ByNestedMsgName(t *testing.T) {
	r := newTestRegistry()
	resolved, err := r.Resolve(map[string]any{"msg": map[string]any{"name": "EURUSD-OTC"}})
	require.NoError(t, err)
	assert.EqualValues(t, 76, resolved.ID)
}

func TestResolve_UnknownAssetName(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Resolve("ZZZ-OTC")
	assert.ErrorIs(t, err, errs.ErrUnknownAsset)
}

func TestResolve_IsPureFunctionOfRegistryAndInput(t *testing.T) {
	r := newTestRegistry()
	first, err := r.Resolve("EURUSD-OTC")
	require.NoError(t, err)
	second, err := r.Resolve("EURUSD-OTC")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResolve_FromRawJSONPayload(t *testing.T) {
	r := newTestRegistry()
	var payload any
	require.NoError(t, json.Unmarshal([]byte(`{"payload":{"id":80}}`), &payload))
	resolved, err := r.Resolve(payload)
	require.NoError(t, err)
	assert.EqualValues(t, 80, resolved.ID)
}
