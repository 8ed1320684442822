// Package balance implements the Balance Normalizer (C3): it converts
// heterogeneous upstream balance shapes into a canonical cents-valued
// record and selects the requested account flavor.
package balance

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Flavor is the requested account flavor.
type Flavor string

const (
	Real  Flavor = "real"
	Demo  Flavor = "demo"
	// demoTypeCode and realTypeCode are the upstream type-code markers
	// observed for demo/real accounts.
	demoTypeCode = 4
	realTypeCode = 1
)

// Canonical is the canonical downstream-facing balance record.
type Canonical struct {
	BalanceID     string `json:"id"`
	AmountCents   int64  `json:"amount"`
	Currency      string `json:"currency"`
	AccountFlavor Flavor `json:"-"`
}

// raw mirrors one upstream balance record. Amount is left as json.Number so
// both integer and decimal encodings parse without loss.
type raw struct {
	ID       string      `json:"id"`
	Amount   json.Number `json:"amount"`
	Currency string      `json:"currency"`
	Type     int         `json:"type"`
	IsDemo   *bool       `json:"is_demo"`
}

// Ambiguous reports that the normalizer had to fall back to a heuristic
// because no record matched the requested flavor precisely. Callers log
// this as a warning; it is never surfaced to
// the downstream client.
type Ambiguous struct {
	Reason string
}

func (a *Ambiguous) Error() string { return "balance heuristic ambiguous: " + a.Reason }

// Normalize accepts either a single-record "balance-changed" frame payload
// or an array-typed "balances" frame payload and returns the canonical
// record selected for the requested flavor. ambiguous is non-nil (but err
// is nil) when a fallback heuristic had to be used.
func Normalize(payload json.RawMessage, flavor Flavor) (Canonical, *Ambiguous, error) {
	records, err := decodeRecords(payload)
	if err != nil {
		return Canonical{}, nil, err
	}
	if len(records) == 0 {
		return Canonical{}, nil, fmt.Errorf("balance payload has no records")
	}

	selected, ambiguous := selectRecord(records, flavor)
	return toCanonical(selected, flavor), ambiguous, nil
}

// decodeRecords parses either a single object or a JSON array into []raw.
func decodeRecords(payload json.RawMessage) ([]raw, error) {
	trimmed := trimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty balance payload")
	}

	if trimmed[0] == '[' {
		var records []raw
		if err := json.Unmarshal(payload, &records); err != nil {
			return nil, fmt.Errorf("decode balances array: %w", err)
		}
		return records, nil
	}

	var single raw
	if err := json.Unmarshal(payload, &single); err != nil {
		return nil, fmt.Errorf("decode balance record: %w", err)
	}
	return []raw{single}, nil
}

func trimSpace(b json.RawMessage) json.RawMessage {
	start := 0
	for start < len(b) && (b[start] == ' ' || b[start] == '\t' || b[start] == '\n' || b[start] == '\r') {
		start++
	}
	return b[start:]
}

// selectRecord applies the account-flavor selection policy:
//  1. demo -> type==demoTypeCode or IsDemo==true
//  2. real -> type==realTypeCode or IsDemo==false/absent
//  3. fallback -> first USD record, else first record (ambiguous)
func selectRecord(records []raw, flavor Flavor) (raw, *Ambiguous) {
	for _, r := range records {
		if flavor == Demo && (r.Type == demoTypeCode || (r.IsDemo != nil && *r.IsDemo)) {
			return r, nil
		}
		if flavor == Real && (r.Type == realTypeCode || r.IsDemo == nil || !*r.IsDemo) {
			return r, nil
		}
	}

	for _, r := range records {
		if r.Currency == "USD" {
			return r, &Ambiguous{Reason: fmt.Sprintf("no exact match for flavor %q; used first USD record", flavor)}
		}
	}

	return records[0], &Ambiguous{Reason: fmt.Sprintf("no exact match for flavor %q and no USD record; used first record", flavor)}
}

// toCents implements the "toCents" heuristic:
//   - non-integer number: multiply by 100 and round to nearest
//   - integer exceeding 100000: treat as already minor units
//   - otherwise: multiply by 100
func toCents(amount json.Number) int64 {
	dec, err := decimal.NewFromString(string(amount))
	if err != nil {
		return 0
	}

	if !dec.Equal(dec.Truncate(0)) {
		return dec.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	}

	whole := dec.IntPart()
	if whole > 100000 || whole < -100000 {
		return whole
	}
	return dec.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func toCanonical(r raw, flavor Flavor) Canonical {
	cents := toCents(r.Amount)
	if cents < 0 {
		cents = 0
	}
	return Canonical{
		BalanceID:     r.ID,
		AmountCents:   cents,
		Currency:      r.Currency,
		AccountFlavor: flavor,
	}
}
