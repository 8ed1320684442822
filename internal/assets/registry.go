// Package assets implements the process-wide, immutable asset-name to
// numeric-id table (C1) and the polymorphic subscribe-payload resolver.
package assets

import (
	"encoding/json"
	"fmt"

	"odin-fanout-proxy/internal/errs"
)

// Registry maps textual asset identifiers ("EURUSD-OTC") to numeric
// upstream ids. Built once at process start; never mutated afterward, so
// Resolve is safe for concurrent use without locking.
type Registry struct {
	byName map[string]int64
	byID   map[int64]string
}

// New builds a Registry from a name->id table loaded at startup.
func New(table map[string]int64) *Registry {
	byName := make(map[string]int64, len(table))
	byID := make(map[int64]string, len(table))
	for name, id := range table {
		byName[name] = id
		byID[id] = name
	}
	return &Registry{byName: byName, byID: byID}
}

// Resolved is the outcome of resolving a polymorphic subscribe payload.
type Resolved struct {
	ID   int64
	Name string // textual name, empty if the input was a bare numeric id with no mapping
}

// Resolve accepts a bare string, a bare integer, or a structured value
// carrying one of the recognized keys {active, name, id, msg.name, payload}
// and returns the resolved numeric id and, when known, its textual name.
//
// Integers are treated as ids directly (never validated against the table;
// the name is filled in only when the id is known). Strings are looked up
// by name; a miss is errs.ErrUnknownAsset.
func (r *Registry) Resolve(payload any) (Resolved, error) {
	switch v := payload.(type) {
	case string:
		return r.resolveName(v)
	case float64:
		return r.resolveID(int64(v))
	case int64:
		return r.resolveID(v)
	case int:
		return r.resolveID(int64(v))
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return Resolved{}, fmt.Errorf("%w: non-integer json.Number %q", errs.ErrUnknownAsset, v.String())
		}
		return r.resolveID(n)
	case map[string]any:
		return r.resolveStructured(v)
	case nil:
		return Resolved{}, fmt.Errorf("%w: nil payload", errs.ErrUnknownAsset)
	default:
		return Resolved{}, fmt.Errorf("%w: unsupported payload type %T", errs.ErrUnknownAsset, payload)
	}
}

func (r *Registry) resolveStructured(m map[string]any) (Resolved, error) {
	for _, key := range []string{"active", "name", "id"} {
		if val, ok := m[key]; ok {
			return r.Resolve(val)
		}
	}
	if msg, ok := m["msg"].(map[string]any); ok {
		if name, ok := msg["name"]; ok {
			return r.Resolve(name)
		}
	}
	if payload, ok := m["payload"]; ok {
		return r.Resolve(payload)
	}
	return Resolved{}, fmt.Errorf("%w: no recognized key in structured payload", errs.ErrUnknownAsset)
}

func (r *Registry) resolveName(name string) (Resolved, error) {
	id, ok := r.byName[name]
	if !ok {
		return Resolved{}, errs.UnknownAsset(name)
	}
	return Resolved{ID: id, Name: name}, nil
}

func (r *Registry) resolveID(id int64) (Resolved, error) {
	return Resolved{ID: id, Name: r.byID[id]}, nil
}

// NameFor returns the textual name for an id, if known.
func (r *Registry) NameFor(id int64) (string, bool) {
	name, ok := r.byID[id]
	return name, ok
}
