// Package cache implements the two-tier authorization decision cache: a
// process-local LRU in front of a shared redis tier, both guarded by a global
// version counter bumped on structural catalog changes.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

const (
	versionKey  = "authz:version"
	bumpChannel = "authz.bump"
	keyPrefix   = "authz:dec:"
)

// ActionClass buckets actions by how long their decisions may be cached.
type ActionClass string

const (
	ClassRead   ActionClass = "read"
	ClassWrite  ActionClass = "write"
	ClassDelete ActionClass = "delete"
	ClassAdmin  ActionClass = "admin"
)

// Classify derives the action class from the action name.
func Classify(action string) ActionClass {
	if strings.HasPrefix(action, "admin.") {
		return ClassAdmin
	}
	switch {
	case strings.HasSuffix(action, ".read"), strings.HasSuffix(action, ".view"), strings.HasSuffix(action, ".list"):
		return ClassRead
	case strings.HasSuffix(action, ".delete"):
		return ClassDelete
	default:
		return ClassWrite
	}
}

// Config holds cache sizing and TTLs.
type Config struct {
	LocalSize int
	LocalTTL  time.Duration
	ReadTTL   time.Duration
	WriteTTL  time.Duration
	DeleteTTL time.Duration
	AdminTTL  time.Duration
}

func (c Config) withDefaults() Config {
	if c.LocalSize <= 0 {
		c.LocalSize = 4096
	}
	if c.LocalTTL <= 0 {
		c.LocalTTL = 60 * time.Second
	}
	if c.ReadTTL <= 0 {
		c.ReadTTL = 300 * time.Second
	}
	if c.WriteTTL <= 0 {
		c.WriteTTL = 60 * time.Second
	}
	if c.DeleteTTL <= 0 {
		c.DeleteTTL = 30 * time.Second
	}
	if c.AdminTTL <= 0 {
		c.AdminTTL = 10 * time.Second
	}
	return c
}

// Key identifies a cached decision.
type Key struct {
	UserID     string
	Action     string
	ResourceID string
}

// String renders the composite redis key.
func (k Key) String() string {
	return keyPrefix + k.UserID + ":" + k.Action + ":" + k.ResourceID
}

// Entry is a cached decision. Valid only while unexpired and while its stored
// version matches the current global epoch. ExpiresAt, when set, is a hard
// deadline from the underlying grant's end of life; it binds both tiers
// regardless of the class TTL or the local LRU TTL.
type Entry struct {
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason"`
	Source    string    `json:"source,omitempty"`
	RoleID    string    `json:"role_id,omitempty"`
	Version   int64     `json:"version"`
	StoredAt  time.Time `json:"stored_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Tier names for metrics and audit metadata.
const (
	TierLocal  = "local"
	TierShared = "shared"
)

// Tiered is the two-tier decision cache.
type Tiered struct {
	local   *lru.LRU[string, Entry]
	client  *redis.Client
	cfg     Config
	logger  *slog.Logger
	version atomic.Int64
}

// New constructs the tiered cache. A nil redis client degrades to local-only.
func New(client *redis.Client, cfg Config, logger *slog.Logger) *Tiered {
	cfg = cfg.withDefaults()
	return &Tiered{
		local:  lru.NewLRU[string, Entry](cfg.LocalSize, nil, cfg.LocalTTL),
		client: client,
		cfg:    cfg,
		logger: logger,
	}
}

// Version returns the current global version, initialising it when missing.
func (t *Tiered) Version(ctx context.Context) (int64, error) {
	if t.client == nil {
		if v := t.version.Load(); v > 0 {
			return v, nil
		}
		t.version.Store(1)
		return 1, nil
	}
	ver, err := t.client.Get(ctx, versionKey).Int64()
	if err == redis.Nil {
		if err := t.client.Set(ctx, versionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		t.version.Store(1)
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	if ver <= 0 {
		ver = 1
		if err := t.client.Set(ctx, versionKey, ver, 0).Err(); err != nil {
			return 0, err
		}
	}
	t.version.Store(ver)
	return ver, nil
}

// BumpVersion invalidates every cached decision by incrementing the global
// version and publishing the new value for other processes.
func (t *Tiered) BumpVersion(ctx context.Context) (int64, error) {
	if t.client == nil {
		v := t.version.Add(1)
		t.local.Purge()
		return v, nil
	}
	ver, err := t.client.Incr(ctx, versionKey).Result()
	if err != nil {
		return 0, err
	}
	t.version.Store(ver)
	t.local.Purge()
	if err := t.client.Publish(ctx, bumpChannel, strconv.FormatInt(ver, 10)).Err(); err != nil {
		return ver, err
	}
	return ver, nil
}

// Listen subscribes to version bumps from other processes and keeps the local
// copy of the epoch current.
func (t *Tiered) Listen(ctx context.Context) {
	if t.client == nil {
		return
	}
	pubsub := t.client.Subscribe(ctx, bumpChannel)
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if ver, err := strconv.ParseInt(msg.Payload, 10, 64); err == nil && ver > t.version.Load() {
					t.version.Store(ver)
					t.local.Purge()
				}
			}
		}
	}()
}

// Get looks a decision up, local tier first. Returns the entry, the tier that
// served it, and whether it was a valid hit.
func (t *Tiered) Get(ctx context.Context, key Key) (Entry, string, bool) {
	cur := t.version.Load()
	if cur == 0 {
		var err error
		if cur, err = t.Version(ctx); err != nil {
			return Entry{}, "", false
		}
	}
	ks := key.String()
	if e, ok := t.local.Get(ks); ok {
		if e.Version == cur && !e.expired(time.Now()) {
			return e, TierLocal, true
		}
		t.local.Remove(ks)
	}
	if t.client == nil {
		return Entry{}, "", false
	}
	raw, err := t.client.Get(ctx, ks).Bytes()
	if err != nil {
		if err != redis.Nil && t.logger != nil {
			t.logger.Warn("cache shared get", slog.Any("error", err))
		}
		return Entry{}, "", false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, "", false
	}
	if e.expired(time.Now()) {
		return Entry{}, "", false
	}
	// Re-read the counter so a bump from another process is seen at most one
	// round trip late even when the entry's TTL has not elapsed.
	cur, err = t.Version(ctx)
	if err != nil || e.Version != cur {
		return Entry{}, "", false
	}
	t.local.Add(ks, e)
	return e, TierShared, true
}

// Set writes a decision through both tiers, stamping the current version.
func (t *Tiered) Set(ctx context.Context, key Key, e Entry, class ActionClass) {
	ver, err := t.Version(ctx)
	if err != nil {
		if t.logger != nil {
			t.logger.Warn("cache version", slog.Any("error", err))
		}
		return
	}
	e.Version = ver
	e.StoredAt = time.Now()
	ttl := t.TTLFor(class)
	if !e.ExpiresAt.IsZero() {
		rem := time.Until(e.ExpiresAt)
		if rem <= 0 {
			return
		}
		if rem < ttl {
			ttl = rem
		}
	}
	ks := key.String()
	t.local.Add(ks, e)
	if t.client == nil {
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := t.client.Set(ctx, ks, raw, ttl).Err(); err != nil && t.logger != nil {
		t.logger.Warn("cache shared set", slog.Any("error", err))
	}
}

// TTLFor returns the shared-tier TTL for an action class.
func (t *Tiered) TTLFor(class ActionClass) time.Duration {
	switch class {
	case ClassRead:
		return t.cfg.ReadTTL
	case ClassDelete:
		return t.cfg.DeleteTTL
	case ClassAdmin:
		return t.cfg.AdminTTL
	default:
		return t.cfg.WriteTTL
	}
}

// InvalidateUser drops every cached decision for the user from both tiers.
func (t *Tiered) InvalidateUser(ctx context.Context, userID uuid.UUID) error {
	prefix := keyPrefix + userID.String() + ":"
	for _, k := range t.local.Keys() {
		if strings.HasPrefix(k, prefix) {
			t.local.Remove(k)
		}
	}
	if t.client == nil {
		return nil
	}
	iter := t.client.Scan(ctx, 0, prefix+"*", 200).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 200 {
			if err := t.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) > 0 {
		return t.client.Del(ctx, keys...).Err()
	}
	return nil
}
