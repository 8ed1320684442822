package aggregator

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload(n int) json.RawMessage {
	b, _ := json.Marshal(map[string]int{"seq": n})
	return b
}

func TestAdmit_NoRuleAlwaysAdmits(t *testing.T) {
	a := New(map[string]Rule{}, func(string, json.RawMessage) {})
	assert.True(t, a.Admit("unrated", payload(1)))
}

func TestAdmit_CoalescesToLatestPayloadWithinWindow(t *testing.T) {
	var mu sync.Mutex
	var emitted []json.RawMessage

	a := New(map[string]Rule{
		"candles": {Interval: 500 * time.Millisecond, Max: 5},
	}, func(class string, p json.RawMessage) {
		mu.Lock()
		emitted = append(emitted, p)
		mu.Unlock()
	})

	// 50 admissions within a single window, paced well under the flush
	// jitter so they all land before the first flush fires.
	for i := 1; i <= 50; i++ {
		a.Admit("candles", payload(i))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(emitted) >= 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(600 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, emitted)
	assert.LessOrEqual(t, len(emitted), 5, "at most max(c) emissions per window")

	var last struct {
		Seq int `json:"seq"`
	}
	require.NoError(t, json.Unmarshal(emitted[len(emitted)-1], &last))
	assert.Equal(t, 50, last.Seq, "the last flush carries the latest admitted payload")
}

func TestAdmit_RidesAlongWithoutConsumingBucketWhileFlushScheduled(t *testing.T) {
	var flushes int
	var mu sync.Mutex

	a := New(map[string]Rule{
		"positions": {Interval: time.Hour, Max: 1},
	}, func(string, json.RawMessage) {
		mu.Lock()
		flushes++
		mu.Unlock()
	})

	admitted := a.Admit("positions", payload(1))
	require.True(t, admitted)

	// Bucket has only one token and it's spent; a second call within the
	// same (long) window must still update the slot rather than being
	// rejected outright, because a flush is already in flight.
	admitted = a.Admit("positions", payload(2))
	assert.True(t, admitted)

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, flushes, "only one flush scheduled per bucket token")
}

func TestClear_CancelsPendingFlush(t *testing.T) {
	var flushed bool
	var mu sync.Mutex

	a := New(map[string]Rule{
		"candles": {Interval: time.Second, Max: 10},
	}, func(string, json.RawMessage) {
		mu.Lock()
		flushed = true
		mu.Unlock()
	})

	a.Admit("candles", payload(1))
	a.Clear()

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, flushed, "Clear must cancel the scheduled flush")
}

func TestAdmit_WindowResetAllowsFurtherFlushes(t *testing.T) {
	var mu sync.Mutex
	count := 0

	a := New(map[string]Rule{
		"balance-changed": {Interval: 120 * time.Millisecond, Max: 1},
	}, func(string, json.RawMessage) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	a.Admit("balance-changed", payload(1))
	time.Sleep(150 * time.Millisecond) // past the flush and the window reset
	a.Admit("balance-changed", payload(2))
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, count)
}
