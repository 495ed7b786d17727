package keyspace

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetSetRoundTrip(t *testing.T) {
	ks := New()
	ks.SetRelative("foo", []byte("bar"), 0)
	v, ok := ks.Get("foo")
	require.True(t, ok)
	require.Equal(t, "bar", string(v))
}

func TestGetAbsentKey(t *testing.T) {
	ks := New()
	_, ok := ks.Get("missing")
	require.False(t, ok)
}

func TestTTLMonotonicity(t *testing.T) {
	fakeNow := int64(1_000_000)
	ks := New()
	ks.nowFunc = func() int64 { return fakeNow }

	ks.SetRelative("k", []byte("v"), 100)

	fakeNow += 50
	_, ok := ks.Get("k")
	require.True(t, ok, "not yet expired")

	fakeNow += 100
	_, ok = ks.Get("k")
	require.False(t, ok, "must be expired once past deadline")
}

func TestExpirerEvictsInBackground(t *testing.T) {
	ks := New()
	ks.SetRelative("k", []byte("v"), 10*time.Millisecond.Milliseconds())

	exp := NewExpirer(ks)
	go exp.Run()
	defer exp.Stop()

	require.Eventually(t, func() bool {
		_, ok := ks.Get("k")
		return !ok
	}, time.Second, time.Millisecond)
}

func TestExpirerSkipsStaleIndexEntry(t *testing.T) {
	fakeNow := int64(1_000_000)
	ks := New()
	ks.nowFunc = func() int64 { return fakeNow }

	ks.SetRelative("k", []byte("v1"), 10) // deadline 1_000_010
	ks.SetRelative("k", []byte("v2"), 0)  // overwritten, no expiry now

	fakeNow += 100 // past the original (stale) deadline
	require.False(t, ks.reapExpired(), "stale index entry must be skipped, not evict the live key")

	v, ok := ks.Get("k")
	require.True(t, ok)
	require.Equal(t, "v2", string(v))
}

func TestKeysGlob(t *testing.T) {
	ks := New()
	ks.SetRelative("foo", []byte("1"), 0)
	ks.SetRelative("food", []byte("2"), 0)
	ks.SetRelative("bar", []byte("3"), 0)

	all := ks.Keys("*")
	sort.Strings(all)
	require.Equal(t, []string{"bar", "foo", "food"}, all)

	matches := ks.Keys("foo*")
	sort.Strings(matches)
	require.Equal(t, []string{"foo", "food"}, matches)
}

func TestKeysGlobFullAnchor(t *testing.T) {
	ks := New()
	ks.SetRelative("hello", []byte("1"), 0)
	ks.SetRelative("hippo", []byte("2"), 0)
	ks.SetRelative("hippopotamus", []byte("3"), 0)

	matches := ks.Keys("h*o")
	sort.Strings(matches)
	require.Equal(t, []string{"hello", "hippo"}, matches)
}

func TestKeysExcludesExpired(t *testing.T) {
	fakeNow := int64(1_000_000)
	ks := New()
	ks.nowFunc = func() int64 { return fakeNow }

	ks.SetRelative("k", []byte("v"), 10)
	fakeNow += 100

	require.Empty(t, ks.Keys("*"))
}

func TestDelete(t *testing.T) {
	ks := New()
	ks.SetRelative("k", []byte("v"), 0)
	require.True(t, ks.Delete("k"))
	require.False(t, ks.Delete("k"))
	_, ok := ks.Get("k")
	require.False(t, ok)
}
