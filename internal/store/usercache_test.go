package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-bulletins/internal/domain"
	"github.com/couchcryptid/storm-bulletins/internal/observability"
)

type countingUsers struct {
	calls int
	users map[string]domain.AppUser
}

func (c *countingUsers) Get(_ context.Context, uid string) (domain.AppUser, error) {
	c.calls++
	u, ok := c.users[uid]
	if !ok {
		return domain.AppUser{}, fmt.Errorf("user %s: %w", uid, domain.ErrNotFound)
	}
	return u, nil
}

func TestCachedUsers_HitAfterMiss(t *testing.T) {
	inner := &countingUsers{users: map[string]domain.AppUser{"i1": {UID: "i1", IsInstitution: true}}}
	metrics := observability.NewMetricsForTesting()
	cached := NewCachedUsers(inner, 10, metrics)
	ctx := context.Background()

	u, err := cached.Get(ctx, "i1")
	require.NoError(t, err)
	assert.True(t, u.IsInstitution)

	_, err = cached.Get(ctx, "i1")
	require.NoError(t, err)

	assert.Equal(t, 1, inner.calls)
	assert.InDelta(t, 1.0, observability.ReadValue(metrics.UserCache.WithLabelValues("hit")), 0.0001)
	assert.InDelta(t, 1.0, observability.ReadValue(metrics.UserCache.WithLabelValues("miss")), 0.0001)
}

func TestCachedUsers_NotFoundIsNotCached(t *testing.T) {
	inner := &countingUsers{users: map[string]domain.AppUser{}}
	cached := NewCachedUsers(inner, 10, observability.NewMetricsForTesting())

	for range 2 {
		_, err := cached.Get(context.Background(), "ghost")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	}
	assert.Equal(t, 2, inner.calls)
}

func TestCachedUsers_Forget(t *testing.T) {
	inner := &countingUsers{users: map[string]domain.AppUser{"u1": {UID: "u1"}}}
	cached := NewCachedUsers(inner, 10, observability.NewMetricsForTesting())
	ctx := context.Background()

	_, _ = cached.Get(ctx, "u1")
	cached.Forget("u1")
	_, _ = cached.Get(ctx, "u1")

	assert.Equal(t, 2, inner.calls)
}

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := newLRUCache[int](2)
	c.put("a", 1)
	c.put("b", 2)
	_, _ = c.get("a")
	c.put("c", 3)

	_, hasA := c.get("a")
	_, hasB := c.get("b")
	_, hasC := c.get("c")
	assert.True(t, hasA)
	assert.False(t, hasB, "b was least recently used")
	assert.True(t, hasC)
	assert.Equal(t, 2, c.len())
}

func TestLRUCache_UpdateExisting(t *testing.T) {
	c := newLRUCache[string](1)
	c.put("k", "v1")
	c.put("k", "v2")

	v, ok := c.get("k")
	require.True(t, ok)
	assert.Equal(t, "v2", v)
	assert.Equal(t, 1, c.len())
}
