package directory

import (
	"testing"

	"github.com/kacheio/streamcache/pkg/fingerprint"
	"github.com/kacheio/streamcache/pkg/streamentry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(s string) fingerprint.Key {
	return fingerprint.Key{Host: s}
}

func TestInsertAndGet(t *testing.T) {
	d := New(2, nil)
	e := streamentry.New(4)
	d.Insert(key("a"), e)

	got, ok := d.Get(key("a"))
	require.True(t, ok)
	assert.Same(t, e, got)
}

func TestEvictionDropsLeastRecentlyUsed(t *testing.T) {
	d := New(2, nil)
	d.Insert(key("a"), streamentry.New(4))
	d.Insert(key("b"), streamentry.New(4))
	d.Insert(key("c"), streamentry.New(4))

	assert.Equal(t, 2, d.Len())
	_, ok := d.Get(key("a"))
	assert.False(t, ok)
	_, ok = d.Get(key("b"))
	assert.True(t, ok)
	_, ok = d.Get(key("c"))
	assert.True(t, ok)
}

func TestGetPromotesToHeadAndSavesFromEviction(t *testing.T) {
	d := New(2, nil)
	d.Insert(key("a"), streamentry.New(4))
	d.Insert(key("b"), streamentry.New(4))

	_, ok := d.Get(key("a"))
	require.True(t, ok)

	d.Insert(key("c"), streamentry.New(4))

	_, ok = d.Get(key("a"))
	assert.True(t, ok, "a was promoted and should survive eviction")
	_, ok = d.Get(key("b"))
	assert.False(t, ok, "b was least recently used and should be evicted")
}

func TestGetOnMissingKeyReturnsFalse(t *testing.T) {
	d := New(2, nil)
	_, ok := d.Get(key("missing"))
	assert.False(t, ok)
}

func TestReinsertReplacesExistingNode(t *testing.T) {
	d := New(2, nil)
	first := streamentry.New(4)
	second := streamentry.New(4)
	d.Insert(key("a"), first)
	d.Insert(key("a"), second)

	assert.Equal(t, 1, d.Len())
	got, ok := d.Get(key("a"))
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestKeysReturnsMostRecentFirst(t *testing.T) {
	d := New(3, nil)
	d.Insert(key("a"), streamentry.New(4))
	d.Insert(key("b"), streamentry.New(4))
	d.Insert(key("c"), streamentry.New(4))

	keys := d.Keys()
	require.Len(t, keys, 3)
	assert.Equal(t, key("c"), keys[0])
}
