// Package session holds the per-client Session data model and the
// Session Mediator (C6) that binds it to one downstream Channel and one
// Upstream Link.
package session

import (
	"sync"
	"time"

	"odin-fanout-proxy/internal/balance"
)

// Session is the per-downstream-client state. ID/Credential/Flavor/CreatedAt
// are set once at construction and never change. The mutable fields below
// them (cached balance, subscribed asset) are guarded by mu, since they're
// read by outside collaborators such as the HTTP order endpoint as well as
// written from the Mediator's own goroutines.
type Session struct {
	ID         string
	Credential string
	Flavor     balance.Flavor
	CreatedAt  time.Time

	mu              sync.RWMutex
	lastBalance     balance.Canonical
	haveBalance     bool
	subscribedAsset *int64
	subscribedName  string
}

// NewSession constructs a Session for a freshly-authenticated downstream
// client.
func NewSession(id, credential string, flavor balance.Flavor, now time.Time) *Session {
	return &Session{
		ID:         id,
		Credential: credential,
		Flavor:     flavor,
		CreatedAt:  now,
	}
}

// SetBalance caches the latest canonical balance.
func (s *Session) SetBalance(b balance.Canonical) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastBalance = b
	s.haveBalance = true
}

// Balance returns the cached balance and whether one has been observed yet.
func (s *Session) Balance() (balance.Canonical, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastBalance, s.haveBalance
}

// BalanceID returns the cached balance id, or "" if none yet.
func (s *Session) BalanceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.haveBalance {
		return ""
	}
	return s.lastBalance.BalanceID
}

// SetSubscribedAsset records the currently subscribed asset.
func (s *Session) SetSubscribedAsset(id int64, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribedAsset = &id
	s.subscribedName = name
}

// SubscribedAsset returns the currently subscribed asset id, if any.
func (s *Session) SubscribedAsset() *int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribedAsset
}
