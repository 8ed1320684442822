// Package aggregator implements the Event Aggregator (C2): a per-session
// rate limiter and coalescing buffer with deferred flush for high-frequency
// upstream event classes, so downstream clients are not overwhelmed.
package aggregator

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"
)

// flushJitterMin/Max bound the deferred-flush delay.
const (
	flushJitterMin = 80 * time.Millisecond
	flushJitterMax = 120 * time.Millisecond
)

// Rule configures one event class's rate bucket.
type Rule struct {
	Interval time.Duration
	Max      int
}

// Emitter is how the aggregator delivers a flushed payload downstream. The
// Session Mediator supplies this; it knows how to map an event class to its
// friendly/original downstream event names.
type Emitter func(class string, payload json.RawMessage)

// bucket is the per-class RateBucket: invariant count <= max within
// any window; count resets to 0 before admission once the window expires.
type bucket struct {
	count      int
	windowEnds time.Time
}

// slot is the per-class CoalesceSlot: at most one pending payload; a
// scheduled flush implies a pending payload.
type slot struct {
	pending   json.RawMessage
	scheduled bool
	timer     *time.Timer
}

// Aggregator is one per Session. Safe for concurrent use: Admit is expected
// to be called from the session's single upstream-reader goroutine, but the
// mutex makes Clear safe to call concurrently from teardown.
type Aggregator struct {
	mu      sync.Mutex
	rules   map[string]Rule
	buckets map[string]*bucket
	slots   map[string]*slot
	emit    Emitter
	rng     *rand.Rand

	onAdmit func(class string)
	onDrop  func(class string)
	onFlush func(class string)
}

// New builds an Aggregator. rules maps upstream event name to its rate
// configuration; emit is invoked (from the aggregator's own timer
// goroutines) whenever a class's coalesced payload is flushed, and directly
// from Admit for classes that have no rule.
func New(rules map[string]Rule, emit Emitter) *Aggregator {
	return &Aggregator{
		rules:   rules,
		buckets: make(map[string]*bucket),
		slots:   make(map[string]*slot),
		emit:    emit,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// OnMetrics wires optional counters for admitted/dropped/flushed events.
func (a *Aggregator) OnMetrics(onAdmit, onDrop, onFlush func(class string)) {
	a.onAdmit, a.onDrop, a.onFlush = onAdmit, onDrop, onFlush
}

// Admit returns true iff the class's RateBucket has capacity. On true, it
// overwrites the CoalesceSlot payload and ensures a flush is scheduled
// 80-120ms in the future. Classes with no configured Rule are not rate
// limited or coalesced at all: their payload is passed to emit at once and
// Admit returns true.
//
// Coalescing and rate limiting are deliberately decoupled: the slot's
// payload is overwritten on every call (that's what "coalescing" means,
// only the most recent value survives to be flushed), while the RateBucket
// only gates whether THIS call gets to schedule a new flush deadline. A
// call that arrives while a flush is already in flight for this class
// simply updates the pending payload for free and returns true. It rides
// along on the scheduled flush rather than consuming a bucket token. A
// call that arrives with no flush in flight, but finds the bucket
// exhausted, updates the payload but returns false: the slot still holds
// the latest value, waiting for the window to reset so a future call can
// schedule the next flush. This is what makes the last flush in a busy
// window carry the truly-latest payload rather than a stale one from
// whenever the bucket happened to still have room.
func (a *Aggregator) Admit(class string, payload json.RawMessage) bool {
	rule, ok := a.rules[class]
	if !ok {
		a.emit(class, payload)
		return true
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.slots[class]
	if s == nil {
		s = &slot{}
		a.slots[class] = s
	}
	s.pending = payload

	if s.scheduled {
		return true
	}

	b := a.buckets[class]
	now := time.Now()
	if b == nil || !now.Before(b.windowEnds) {
		b = &bucket{count: 0, windowEnds: now.Add(rule.Interval)}
		a.buckets[class] = b
	}

	if b.count >= rule.Max {
		if a.onDrop != nil {
			a.onDrop(class)
		}
		return false
	}
	b.count++
	if a.onAdmit != nil {
		a.onAdmit(class)
	}

	s.scheduled = true
	delay := flushJitterMin + time.Duration(a.rng.Int63n(int64(flushJitterMax-flushJitterMin)))
	s.timer = time.AfterFunc(delay, func() { a.flush(class) })

	return true
}

// flush emits the current payload and clears the slot. Invoked from a timer
// goroutine, never from Admit's caller goroutine.
func (a *Aggregator) flush(class string) {
	a.mu.Lock()
	s := a.slots[class]
	if s == nil || s.pending == nil {
		if s != nil {
			s.scheduled = false
		}
		a.mu.Unlock()
		return
	}
	payload := s.pending
	s.pending = nil
	s.scheduled = false
	a.mu.Unlock()

	if a.onFlush != nil {
		a.onFlush(class)
	}
	a.emit(class, payload)
}

// Clear cancels all pending flush deadlines and drops buffers. Called on
// session teardown.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range a.slots {
		if s.timer != nil {
			s.timer.Stop()
		}
		s.pending = nil
		s.scheduled = false
	}
	a.buckets = make(map[string]*bucket)
}
