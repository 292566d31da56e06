/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package lrucache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	_, err := New[string, int](0)
	require.Error(t, err)

	cache, err := New[string, int](10)
	require.NoError(t, err)
	require.NotNil(t, cache)
	require.Equal(t, 0, cache.Len())
}

func TestLRUCacheGetOrAdd(t *testing.T) {
	cache, err := New[string, int](10)
	require.NoError(t, err)

	providerCalls := 0
	provider := func(v int) func() int {
		return func() int {
			providerCalls++
			return v
		}
	}

	value, exists := cache.GetOrAdd("a", provider(1))
	require.False(t, exists)
	require.Equal(t, 1, value)
	require.Equal(t, 1, providerCalls)

	value, exists = cache.GetOrAdd("a", provider(2))
	require.True(t, exists)
	require.Equal(t, 1, value, "provider should not be called for an existing key")
	require.Equal(t, 1, providerCalls)

	value, found := cache.Get("a")
	require.True(t, found)
	require.Equal(t, 1, value)

	_, found = cache.Get("b")
	require.False(t, found)
}

func TestLRUCachePeek(t *testing.T) {
	cache, err := New[string, int](2)
	require.NoError(t, err)

	add := func(key string, value int) {
		_, exists := cache.GetOrAdd(key, func() int { return value })
		require.False(t, exists)
	}

	add("a", 1)
	add("b", 2)

	value, found := cache.Peek("a") // should not promote "a"
	require.True(t, found)
	require.Equal(t, 1, value)
	_, found = cache.Peek("c")
	require.False(t, found)

	add("c", 3)
	_, found = cache.Get("a")
	require.False(t, found, "peeked entry should still be evicted first")
	_, found = cache.Get("b")
	require.True(t, found)
}

func TestLRUCacheEviction(t *testing.T) {
	cache, err := New[string, int](2)
	require.NoError(t, err)

	add := func(key string, value int) {
		_, exists := cache.GetOrAdd(key, func() int { return value })
		require.False(t, exists)
	}

	add("a", 1)
	add("b", 2)
	_, found := cache.Get("a") // now "b" is the least recently used entry
	require.True(t, found)

	add("c", 3)
	require.Equal(t, 2, cache.Len())

	_, found = cache.Get("b")
	require.False(t, found, "the least recently used entry should be evicted")
	_, found = cache.Get("a")
	require.True(t, found)
	_, found = cache.Get("c")
	require.True(t, found)
}
