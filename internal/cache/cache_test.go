package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.sentinel/internal/validation"
)

func secureVerdict() validation.Verdict {
	return validation.Secure(validation.MethodHybrid, 0.9)
}

func TestGetMissThenHit(t *testing.T) {
	c := New(Config{Capacity: 10, TTL: time.Minute}, nil)
	ctx := context.Background()

	_, ok := c.Get(ctx, "standard", validation.KindPrompt, "hello world")
	assert.False(t, ok)

	c.Set(ctx, "standard", validation.KindPrompt, "hello world", secureVerdict())
	got, ok := c.Get(ctx, "standard", validation.KindPrompt, "hello world")
	require.True(t, ok)
	assert.True(t, got.IsSecure)
	assert.Equal(t, validation.MethodCache, got.Method)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestKeyNormalizesWhitespace(t *testing.T) {
	c := New(Config{Capacity: 10, TTL: time.Minute}, nil)
	ctx := context.Background()

	c.Set(ctx, "standard", validation.KindPrompt, "hello   world\t", secureVerdict())
	_, ok := c.Get(ctx, "standard", validation.KindPrompt, "hello world")
	assert.True(t, ok, "whitespace runs and trailing whitespace normalize away")
}

func TestKeyPreservesCase(t *testing.T) {
	c := New(Config{Capacity: 10, TTL: time.Minute}, nil)
	ctx := context.Background()

	c.Set(ctx, "standard", validation.KindPrompt, "Hello World", secureVerdict())
	_, ok := c.Get(ctx, "standard", validation.KindPrompt, "hello world")
	assert.False(t, ok, "case differences must not share an entry")
}

func TestKeySeparatesProfileAndKind(t *testing.T) {
	c := New(Config{Capacity: 10, TTL: time.Minute}, nil)
	ctx := context.Background()

	c.Set(ctx, "standard", validation.KindPrompt, "hello", secureVerdict())
	_, ok := c.Get(ctx, "minimal", validation.KindPrompt, "hello")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "standard", validation.KindOutput, "hello")
	assert.False(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	c := New(Config{Capacity: 10, TTL: time.Minute}, nil)
	ctx := context.Background()

	base := time.Now()
	c.now = func() time.Time { return base }
	c.Set(ctx, "standard", validation.KindPrompt, "hello", secureVerdict())

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, ok := c.Get(ctx, "standard", validation.KindPrompt, "hello")
	assert.False(t, ok)
	assert.Zero(t, c.Len(), "expired entry is removed on access")
}

func TestLRUEviction(t *testing.T) {
	c := New(Config{Capacity: 3, TTL: time.Minute}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c.Set(ctx, "standard", validation.KindPrompt, fmt.Sprintf("text-%d", i), secureVerdict())
	}
	// Touch text-0 so text-1 becomes least recently used.
	_, ok := c.Get(ctx, "standard", validation.KindPrompt, "text-0")
	require.True(t, ok)

	c.Set(ctx, "standard", validation.KindPrompt, "text-3", secureVerdict())
	assert.Equal(t, 3, c.Len())

	_, ok = c.Get(ctx, "standard", validation.KindPrompt, "text-1")
	assert.False(t, ok, "least recently used entry evicted")
	_, ok = c.Get(ctx, "standard", validation.KindPrompt, "text-0")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestHashCollisionIsAMiss(t *testing.T) {
	c := New(Config{Capacity: 10, TTL: time.Minute}, nil)
	c.keyFn = func(string, validation.Kind, string) string { return "constant" }
	ctx := context.Background()

	c.Set(ctx, "standard", validation.KindPrompt, "first text", secureVerdict())
	_, ok := c.Get(ctx, "standard", validation.KindPrompt, "second text")
	assert.False(t, ok, "same key, different text must not hit")
	assert.Equal(t, uint64(1), c.Stats().Collisions)
}

func TestSetIsIdempotentForSameText(t *testing.T) {
	c := New(Config{Capacity: 10, TTL: time.Minute}, nil)
	ctx := context.Background()

	c.Set(ctx, "standard", validation.KindPrompt, "hello", secureVerdict())
	c.Set(ctx, "standard", validation.KindPrompt, "hello", secureVerdict())
	assert.Equal(t, 1, c.Len())
}

func TestRedisSecondTier(t *testing.T) {
	srv := miniredis.RunT(t)
	ctx := context.Background()

	writer := New(Config{Capacity: 10, TTL: time.Minute, Redis: RedisConfig{Addr: srv.Addr()}}, nil)
	defer writer.Close()
	require.NotNil(t, writer.l2, "miniredis must be reachable")

	writer.Set(ctx, "standard", validation.KindPrompt, "shared text", secureVerdict())

	// A second process with a cold L1 finds the verdict through Redis.
	reader := New(Config{Capacity: 10, TTL: time.Minute, Redis: RedisConfig{Addr: srv.Addr()}}, nil)
	defer reader.Close()

	got, ok := reader.Get(ctx, "standard", validation.KindPrompt, "shared text")
	require.True(t, ok)
	assert.True(t, got.IsSecure)
	assert.Equal(t, validation.MethodCache, got.Method)
	assert.Equal(t, 1, reader.Len(), "L2 hit is promoted into L1")
}

func TestRedisUnreachableDegradesToL1(t *testing.T) {
	c := New(Config{Capacity: 10, TTL: time.Minute, Redis: RedisConfig{Addr: "127.0.0.1:1"}}, nil)
	ctx := context.Background()

	assert.Nil(t, c.l2)
	c.Set(ctx, "standard", validation.KindPrompt, "hello", secureVerdict())
	_, ok := c.Get(ctx, "standard", validation.KindPrompt, "hello")
	assert.True(t, ok)
}
