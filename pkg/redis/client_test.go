package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/billing-engine/pkg/config"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	raw := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = raw.Close() })
	return FromClient(raw), mr
}

func TestSetNXOnlyFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)

	key := UsageAlertKey("sub-1", "feat-1", "1767225600", "warning")
	ok, err := client.SetNX(ctx, key, "1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first SetNX to succeed, ok=%v err=%v", ok, err)
	}
	ok, err = client.SetNX(ctx, key, "2", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected second SetNX to be rejected, ok=%v err=%v", ok, err)
	}

	mr.FastForward(2 * time.Minute)
	ok, err = client.SetNX(ctx, key, "3", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected SetNX to succeed after ttl, ok=%v err=%v", ok, err)
	}
}

func TestGetMissingKeyReturnsNil(t *testing.T) {
	client, _ := newTestClient(t)
	if _, err := client.Get(context.Background(), "billing:missing"); !errors.Is(err, Nil) {
		t.Fatalf("expected redis.Nil, got %v", err)
	}
}

func TestKeysAreNamespaced(t *testing.T) {
	client, _ := newTestClient(t)
	if got := client.LockKey("usage-reconcile"); got != "billing:lock:usage-reconcile" {
		t.Fatalf("unexpected lock key %q", got)
	}
	if got := UsageAlertKey("sub", "feat", "", "warning"); got != "billing:usage_alert:sub:feat:warning" {
		t.Fatalf("blank parts should be skipped, got %q", got)
	}
}

func TestUninitializedClientErrors(t *testing.T) {
	var client Client
	if err := client.Ping(context.Background()); err == nil {
		t.Fatal("expected error from zero client")
	}
	if _, err := client.SetNX(context.Background(), "k", "v", 0); err == nil {
		t.Fatal("expected error from zero client")
	}
}

func TestDelIfValueOnlyRemovesMatchingOwner(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)
	key := client.LockKey("cron:usage-reconcile")

	ok, err := client.SetNX(ctx, key, "owner-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("seed lock: ok=%v err=%v", ok, err)
	}
	removed, err := client.DelIfValue(ctx, key, "owner-b")
	if err != nil || removed {
		t.Fatalf("foreign owner must not delete, removed=%v err=%v", removed, err)
	}
	if !mr.Exists(key) {
		t.Fatal("lock should survive a foreign release")
	}
	removed, err = client.DelIfValue(ctx, key, "owner-a")
	if err != nil || !removed {
		t.Fatalf("owner release failed, removed=%v err=%v", removed, err)
	}
	if mr.Exists(key) {
		t.Fatal("lock should be gone after owner release")
	}
}

func TestOptionsPreferURLAndFillDefaults(t *testing.T) {
	opts, err := options(config.RedisConfig{URL: "redis://cache.internal:6380/3", PoolSize: 7, DialTimeout: time.Second})
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if opts.Addr != "cache.internal:6380" || opts.DB != 3 || opts.PoolSize != 7 || opts.DialTimeout != time.Second {
		t.Fatalf("unexpected options %+v", opts)
	}
	if _, err := options(config.RedisConfig{}); err == nil {
		t.Fatal("expected error without url or address")
	}
}
