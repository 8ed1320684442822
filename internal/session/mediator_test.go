package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odin-fanout-proxy/internal/assets"
	"odin-fanout-proxy/internal/errs"
)

func TestUnknownAssetIdentifier_StripsSentinelPrefix(t *testing.T) {
	registry := assets.New(map[string]int64{"EURUSD-OTC": 76})

	_, err := registry.Resolve(map[string]any{"name": "ZZZ-OTC"})
	require.Error(t, err)

	assert.Equal(t, "ZZZ-OTC", unknownAssetIdentifier(err))
}

func TestUnknownAssetIdentifier_FallsBackToFullMessageWhenUnrecognized(t *testing.T) {
	// Not an errs.ErrUnknownAsset, so there's no sentinel prefix to strip.
	assert.Equal(t, "bad order: boom", unknownAssetIdentifier(errs.BadOrder("boom")))
}

func TestSendMessageFrame_ForwardsNestedMsgField(t *testing.T) {
	raw := json.RawMessage(`{"msg":{"name":"actives.get-all"}}`)

	frame := sendMessageFrame(raw)

	assert.Equal(t, "actives.get-all", frame.Name)
	assert.Empty(t, frame.Msg)
}

func TestSendMessageFrame_ForwardsEnvelopeItselfWhenNoMsgField(t *testing.T) {
	raw := json.RawMessage(`{"name":"ping"}`)

	frame := sendMessageFrame(raw)

	assert.Equal(t, "ping", frame.Name)
}

func TestSendMessageFrame_WrapsNonFrameNestedMsgInSendMessage(t *testing.T) {
	raw := json.RawMessage(`{"msg":{"foo":"bar"}}`)

	frame := sendMessageFrame(raw)

	require.Equal(t, "sendMessage", frame.Name)
	assert.JSONEq(t, `{"foo":"bar"}`, string(frame.Msg))
}

func TestSendMessageFrame_WrapsNonFrameEnvelopeWhenNoMsgField(t *testing.T) {
	raw := json.RawMessage(`{"foo":"bar"}`)

	frame := sendMessageFrame(raw)

	require.Equal(t, "sendMessage", frame.Name)
	assert.JSONEq(t, `{"foo":"bar"}`, string(frame.Msg))
}
