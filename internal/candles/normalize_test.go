package candles

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_RemapsMaxMinSize(t *testing.T) {
	payload := []byte(`{"open":"1.1","close":"1.2","max":"1.3","min":"1.0","from":100,"to":160,"size":60,"volume":42}`)

	got, err := Normalize(payload)
	require.NoError(t, err)

	var out map[string]json.Number
	require.NoError(t, json.Unmarshal(got, &out))

	assert.Equal(t, json.Number("1.3"), out["high"])
	assert.Equal(t, json.Number("1.0"), out["low"])
	assert.Equal(t, json.Number("60"), out["timeframe"])
	assert.NotContains(t, out, "max")
	assert.NotContains(t, out, "min")
	assert.NotContains(t, out, "size")
}
