package cache_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/foundry/cache"
)

type layout struct {
	bindings int
}

func TestByPtrIdentitySemantics(t *testing.T) {
	first := &layout{bindings: 4}
	second := &layout{bindings: 4}

	// Structurally equal values are still distinct keys
	require.NotEqual(t, cache.MakeByPtr(first), cache.MakeByPtr(second))

	// Two handles to the same value collide
	require.Equal(t, cache.MakeByPtr(first), cache.MakeByPtr(first))

	require.Same(t, first, cache.MakeByPtr(first).Value())
}

func TestByPtrAsCacheKey(t *testing.T) {
	c := cache.NewStagedCache[cache.ByPtr[layout], *pipeline]()

	shared := &layout{bindings: 2}
	other := &layout{bindings: 2}

	a := c.GetOrInsert(cache.MakeByPtr(shared), func() *pipeline {
		return &pipeline{id: 1}
	})
	b := c.GetOrInsert(cache.MakeByPtr(shared), func() *pipeline {
		t.Fatal("factory must not run twice for the same identity")
		return nil
	})
	require.Same(t, a, b)

	d := c.GetOrInsert(cache.MakeByPtr(other), func() *pipeline {
		return &pipeline{id: 2}
	})
	require.NotSame(t, a, d)
}
