// Package candles normalizes the upstream candle-generated wire shape into
// the stable downstream shape: open, close, high, low, from, to,
// timeframe, volume.
package candles

import "encoding/json"

type raw struct {
	Open   json.Number `json:"open"`
	Close  json.Number `json:"close"`
	Max    json.Number `json:"max"`
	Min    json.Number `json:"min"`
	From   json.Number `json:"from"`
	To     json.Number `json:"to"`
	Size   json.Number `json:"size"`
	Volume json.Number `json:"volume"`
}

type normalized struct {
	Open      json.Number `json:"open"`
	Close     json.Number `json:"close"`
	High      json.Number `json:"high"`
	Low       json.Number `json:"low"`
	From      json.Number `json:"from"`
	To        json.Number `json:"to"`
	Timeframe json.Number `json:"timeframe"`
	Volume    json.Number `json:"volume"`
}

// Normalize remaps an upstream candle-generated payload's field names
// (max->high, min->low, size->timeframe) into the downstream shape.
// Missing fields are emitted as 0 rather than failing the frame, since the
// corpus's candle variants differ in exactly which fields they populate;
// fields outside the eight listed above are dropped.
func Normalize(payload json.RawMessage) (json.RawMessage, error) {
	var r raw
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, err
	}
	out := normalized{
		Open:      r.Open,
		Close:     r.Close,
		High:      r.Max,
		Low:       r.Min,
		From:      r.From,
		To:        r.To,
		Timeframe: r.Size,
		Volume:    r.Volume,
	}
	return json.Marshal(out)
}
