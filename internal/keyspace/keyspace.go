// Package keyspace implements the concurrent-safe key/value store (C2)
// and its background expirer (C3).
package keyspace

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// entry is one value in the keyspace: a byte string plus an optional
// absolute expiry deadline in Unix milliseconds.
type entry struct {
	value    []byte
	deadline int64 // Unix ms; 0 means no expiry
}

func (e *entry) hasExpiry() bool {
	return e.deadline != 0
}

func (e *entry) expiredAt(nowMs int64) bool {
	return e.hasExpiry() && e.deadline <= nowMs
}

// Keyspace is a linearizable map of keys to values with per-key TTL,
// guarded by a single mutex so the event loop and the background expirer
// can share it safely (per the spec's concurrency design note: the
// dispatcher itself never yields mid-command, so one lock suffices).
type Keyspace struct {
	mu      sync.Mutex
	data    map[string]*entry
	expiry  expiryHeap
	nowFunc func() int64
}

// New creates an empty keyspace whose clock (nowFunc) is the real wall
// clock; tests in this package may replace nowFunc with a fake clock.
func New() *Keyspace {
	return &Keyspace{
		data:    make(map[string]*entry),
		nowFunc: defaultNow,
	}
}

func defaultNow() int64 {
	return time.Now().UnixMilli()
}

// SetRelative stores value under key with an expiry ttlMs milliseconds in
// the future. ttlMs <= 0 means no expiry. This is the entry point SET ...
// PX ms uses (Open Question (a): SET's PX is always relative).
func (k *Keyspace) SetRelative(key string, value []byte, ttlMs int64) {
	var deadline int64
	now := k.nowFunc()
	if ttlMs > 0 {
		deadline = now + ttlMs
	}
	k.setAt(key, value, deadline)
}

// SetAbsolute stores value under key with an absolute Unix-ms deadline.
// deadlineMs == 0 means no expiry. This is the entry point the RDB loader
// uses (Open Question (a): RDB expiry is always absolute).
func (k *Keyspace) SetAbsolute(key string, value []byte, deadlineMs int64) {
	k.setAt(key, value, deadlineMs)
}

func (k *Keyspace) setAt(key string, value []byte, deadline int64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e := &entry{value: value, deadline: deadline}
	k.data[key] = e
	if deadline != 0 {
		k.expiry.push(expiryItem{key: key, deadline: deadline})
	}
}

// Get returns the value for key, or ok=false if absent or expired.
func (k *Keyspace) Get(key string) (value []byte, ok bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, found := k.data[key]
	if !found {
		return nil, false
	}
	if e.expiredAt(k.nowFunc()) {
		delete(k.data, key)
		return nil, false
	}
	return e.value, true
}

// Delete removes key, returning whether it had been present (and live).
func (k *Keyspace) Delete(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, found := k.data[key]
	if !found {
		return false
	}
	delete(k.data, key)
	return !e.expiredAt(k.nowFunc())
}

// Keys returns every live key matching glob, where '*' matches any
// sequence of characters (Open Question (b)): every other character,
// regex metacharacters included, is escaped and matched literally.
func (k *Keyspace) Keys(glob string) []string {
	re := globToRegexp(glob)
	now := k.nowFunc()

	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, 0, len(k.data))
	for key, e := range k.data {
		if e.expiredAt(now) {
			continue
		}
		if re.MatchString(key) {
			out = append(out, key)
		}
	}
	return out
}

func globToRegexp(glob string) *regexp.Regexp {
	escaped := regexp.QuoteMeta(glob)
	// QuoteMeta also escapes '*'; undo that so '*' keeps its glob meaning.
	pattern := strings.ReplaceAll(escaped, `\*`, ".*")
	return regexp.MustCompile("^" + pattern + "$")
}

// Len reports the number of keys currently stored, including expired
// entries that have not been evicted yet. Used by tests and diagnostics only.
func (k *Keyspace) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.data)
}

// reapExpired pops the earliest expiry entry and evicts the key if it is
// still due and still carries that exact deadline. Returns false when the
// heap is empty or its earliest entry is not yet due, so the caller can
// back off.
func (k *Keyspace) reapExpired() bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	for {
		item, ok := k.expiry.peek()
		if !ok {
			return false
		}
		now := k.nowFunc()
		if item.deadline > now {
			return false
		}
		k.expiry.pop()

		e, found := k.data[item.key]
		if !found {
			continue // stale: key deleted/replaced since this index entry
		}
		if e.deadline != item.deadline {
			continue // stale: key overwritten with a different deadline
		}
		delete(k.data, item.key)
		return true
	}
}
