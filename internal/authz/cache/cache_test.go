package cache

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestClassify(t *testing.T) {
	cases := map[string]ActionClass{
		"calendar.read":   ClassRead,
		"calendar.view":   ClassRead,
		"calendar.list":   ClassRead,
		"calendar.update": ClassWrite,
		"calendar.create": ClassWrite,
		"calendar.delete": ClassDelete,
		"admin.settings":  ClassAdmin,
	}
	for action, want := range cases {
		if got := Classify(action); got != want {
			t.Fatalf("Classify(%q) = %s, want %s", action, got, want)
		}
	}
}

func TestTTLForDefaults(t *testing.T) {
	c := New(nil, Config{}, slog.Default())
	if got := c.TTLFor(ClassRead); got != 300*time.Second {
		t.Fatalf("read TTL = %s", got)
	}
	if got := c.TTLFor(ClassWrite); got != 60*time.Second {
		t.Fatalf("write TTL = %s", got)
	}
	if got := c.TTLFor(ClassDelete); got != 30*time.Second {
		t.Fatalf("delete TTL = %s", got)
	}
	if got := c.TTLFor(ClassAdmin); got != 10*time.Second {
		t.Fatalf("admin TTL = %s", got)
	}
}

func TestLocalOnlyMode(t *testing.T) {
	ctx := context.Background()
	c := New(nil, Config{}, slog.Default())
	key := Key{UserID: uuid.NewString(), Action: "calendar.read", ResourceID: "evt-1"}

	if _, _, ok := c.Get(ctx, key); ok {
		t.Fatal("empty cache must miss")
	}
	c.Set(ctx, key, Entry{Allowed: true, Reason: "DIRECT_ROLE_ALLOW"}, ClassRead)

	e, tier, ok := c.Get(ctx, key)
	if !ok || tier != TierLocal {
		t.Fatalf("expected local hit, got ok=%v tier=%q", ok, tier)
	}
	if !e.Allowed || e.Reason != "DIRECT_ROLE_ALLOW" {
		t.Fatalf("unexpected entry %+v", e)
	}

	if _, err := c.BumpVersion(ctx); err != nil {
		t.Fatalf("bump: %v", err)
	}
	if _, _, ok := c.Get(ctx, key); ok {
		t.Fatal("bump must invalidate local entries")
	}
}

func TestSharedTierPromotesToLocal(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)

	writer := New(client, Config{}, slog.Default())
	reader := New(client, Config{}, slog.Default())
	key := Key{UserID: uuid.NewString(), Action: "calendar.read", ResourceID: "evt-1"}

	writer.Set(ctx, key, Entry{Allowed: true, Reason: "DIRECT_ROLE_ALLOW"}, ClassRead)

	e, tier, ok := reader.Get(ctx, key)
	require.True(t, ok)
	require.Equal(t, TierShared, tier)
	require.True(t, e.Allowed)

	// The shared hit is promoted, so the next lookup is local.
	_, tier, ok = reader.Get(ctx, key)
	require.True(t, ok)
	require.Equal(t, TierLocal, tier)
}

func TestBumpVersionInvalidatesAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)

	a := New(client, Config{}, slog.Default())
	b := New(client, Config{}, slog.Default())
	key := Key{UserID: uuid.NewString(), Action: "calendar.read", ResourceID: "evt-1"}

	a.Set(ctx, key, Entry{Allowed: true, Reason: "DIRECT_ROLE_ALLOW"}, ClassRead)
	_, _, ok := b.Get(ctx, key)
	require.True(t, ok)

	ver, err := a.BumpVersion(ctx)
	require.NoError(t, err)
	require.Greater(t, ver, int64(1))

	// b sees the new counter on its next shared round trip even without the
	// pubsub listener running.
	b.local.Purge()
	_, _, ok = b.Get(ctx, key)
	require.False(t, ok, "stale-version entries must not be served")
}

func TestInvalidateUserDropsBothTiers(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)

	c := New(client, Config{}, slog.Default())
	victim := uuid.New()
	other := uuid.New()

	victimKey := Key{UserID: victim.String(), Action: "calendar.read", ResourceID: "evt-1"}
	otherKey := Key{UserID: other.String(), Action: "calendar.read", ResourceID: "evt-1"}
	c.Set(ctx, victimKey, Entry{Allowed: true, Reason: "DIRECT_ROLE_ALLOW"}, ClassRead)
	c.Set(ctx, otherKey, Entry{Allowed: true, Reason: "DIRECT_ROLE_ALLOW"}, ClassRead)

	require.NoError(t, c.InvalidateUser(ctx, victim))

	if _, _, ok := c.Get(ctx, victimKey); ok {
		t.Fatal("invalidated user's decisions must be gone")
	}
	if _, _, ok := c.Get(ctx, otherKey); !ok {
		t.Fatal("other users' decisions must survive")
	}
	require.False(t, mr.Exists(victimKey.String()))
	require.True(t, mr.Exists(otherKey.String()))
}

func TestEntryHardDeadlineBindsBothTiers(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)

	c := New(client, Config{}, slog.Default())
	key := Key{UserID: uuid.NewString(), Action: "calendar.read", ResourceID: "evt-1"}
	c.Set(ctx, key, Entry{Allowed: true, Reason: "DELEGATION_ALLOW", ExpiresAt: time.Now().Add(40 * time.Millisecond)}, ClassRead)

	// The shared-tier TTL is capped at the deadline, not the class TTL.
	require.LessOrEqual(t, mr.TTL(key.String()), 40*time.Millisecond)

	_, tier, ok := c.Get(ctx, key)
	require.True(t, ok)
	require.Equal(t, TierLocal, tier)

	time.Sleep(60 * time.Millisecond)

	if _, _, ok := c.Get(ctx, key); ok {
		t.Fatal("local tier served an entry past its hard deadline")
	}
	// A fresh process reading the shared tier rejects it too.
	other := New(client, Config{}, slog.Default())
	if _, _, ok := other.Get(ctx, key); ok {
		t.Fatal("shared tier served an entry past its hard deadline")
	}
}

func TestSetSkipsDeadEntry(t *testing.T) {
	ctx := context.Background()
	c := New(nil, Config{}, slog.Default())
	key := Key{UserID: uuid.NewString(), Action: "calendar.read", ResourceID: "evt-1"}

	c.Set(ctx, key, Entry{Allowed: true, Reason: "DELEGATION_ALLOW", ExpiresAt: time.Now().Add(-time.Second)}, ClassRead)
	if _, _, ok := c.Get(ctx, key); ok {
		t.Fatal("an already-expired entry must not be stored")
	}
}

func TestSetStampsVersion(t *testing.T) {
	ctx := context.Background()
	c := New(nil, Config{}, slog.Default())
	key := Key{UserID: uuid.NewString(), Action: "calendar.delete", ResourceID: "evt-1"}

	c.Set(ctx, key, Entry{Allowed: false, Reason: "NO_PERMISSION"}, ClassDelete)
	e, _, ok := c.Get(ctx, key)
	require.True(t, ok)
	require.Equal(t, int64(1), e.Version)
	require.False(t, e.StoredAt.IsZero())
}
