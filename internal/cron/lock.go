package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const defaultLockTTL = 10 * time.Minute

// Lock gives one worker instance exclusive use of a job for a bounded time.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// LockFactory returns the lock guarding the named job.
type LockFactory func(job string) (Lock, error)

type ownerStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	DelIfValue(ctx context.Context, key, value string) (bool, error)
}

// RedisLock stores a random owner token under key with a TTL. A worker that
// dies mid-run holds the job at most until the TTL lapses.
type RedisLock struct {
	store ownerStore
	key   string
	ttl   time.Duration
	token string
}

func NewRedisLock(store ownerStore, key string, ttl time.Duration) (*RedisLock, error) {
	switch {
	case store == nil:
		return nil, errors.New("redis client required for lock")
	case key == "":
		return nil, errors.New("lock key is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLock{store: store, key: key, ttl: ttl}, nil
}

// NewRedisLockFactory locks job under keyFn("cron:"+job), or the bare name
// when keyFn is nil.
func NewRedisLockFactory(store ownerStore, keyFn func(name string) string, ttl time.Duration) LockFactory {
	return func(job string) (Lock, error) {
		key := "cron:" + job
		if keyFn != nil {
			key = keyFn(key)
		}
		return NewRedisLock(store, key, ttl)
	}
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	ok, err := l.store.SetNX(ctx, l.key, token, l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if ok {
		l.token = token
	}
	return ok, nil
}

// Release drops the lock if this instance still holds it. Once the TTL has
// lapsed and another worker took over, the key is left untouched.
func (l *RedisLock) Release(ctx context.Context) error {
	if l.token == "" {
		return nil
	}
	token := l.token
	l.token = ""
	if _, err := l.store.DelIfValue(ctx, l.key, token); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}
