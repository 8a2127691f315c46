// Package lock implements a named mutual-exclusion lock on top of a
// storage.Store. A lock is a record {token, expiresAt} created with
// PutIfAbsent; only the holder of the token may release it and an
// expired record may be taken over. Because the record lives in the
// shared store, the lock is also distributed when the store is.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/iliyamo/clinic-flow/internal/storage"
)

// ErrBusy is returned when the lock could not be acquired within the
// configured attempts.
var ErrBusy = errors.New("lock: busy")

// record is the value stored under lock:{name}.
type record struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Options controls retry behaviour.
type Options struct {
	Retries    int              // total acquire attempts, >= 1
	RetryDelay time.Duration    // first backoff, grows 1.5x per attempt
	MaxDelay   time.Duration    // backoff ceiling
	Now        func() time.Time // time source, time.Now when nil
}

// DefaultOptions returns 10 attempts starting at 100ms.
func DefaultOptions() Options {
	return Options{Retries: 10, RetryDelay: 100 * time.Millisecond, MaxDelay: time.Second}
}

// Mutex hands out named locks.
type Mutex struct {
	store storage.Store
	opts  Options
	log   zerolog.Logger
}

// New builds a Mutex over store.
func New(store storage.Store, opts Options, log zerolog.Logger) *Mutex {
	if opts.Retries < 1 {
		opts.Retries = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 100 * time.Millisecond
	}
	if opts.MaxDelay < opts.RetryDelay {
		opts.MaxDelay = opts.RetryDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Mutex{store: store, opts: opts, log: log.With().Str("component", "lock").Logger()}
}

// TryAcquire makes a single attempt. It returns ErrBusy when a live
// lock is held by someone else.
func (m *Mutex) TryAcquire(ctx context.Context, name string, ttl time.Duration) (string, error) {
	key := storage.LockKey(name)
	token := uuid.NewString()
	raw, err := json.Marshal(record{Token: token, ExpiresAt: m.opts.Now().Add(ttl)})
	if err != nil {
		return "", err
	}

	// Two passes: the second one runs after clearing an expired holder.
	for pass := 0; pass < 2; pass++ {
		ok, err := m.store.PutIfAbsent(ctx, key, raw, ttl)
		if err != nil {
			return "", fmt.Errorf("lock %s: %w", name, err)
		}
		if ok {
			return token, nil
		}

		cur, err := m.store.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue // released between our two calls
		}
		if err != nil {
			return "", fmt.Errorf("lock %s: %w", name, err)
		}
		var held record
		if err := json.Unmarshal(cur, &held); err == nil && m.opts.Now().Before(held.ExpiresAt) {
			return "", ErrBusy
		}
		// Expired or unreadable record: remove exactly that record so a
		// concurrent taker that already replaced it is left alone.
		if _, err := m.store.DeleteIfEqual(ctx, key, cur); err != nil {
			return "", fmt.Errorf("lock %s: %w", name, err)
		}
		m.log.Debug().Str("lock", name).Msg("took over expired lock")
	}
	return "", ErrBusy
}

// Acquire retries TryAcquire with a growing delay until it succeeds,
// the attempts are exhausted or ctx is done.
func (m *Mutex) Acquire(ctx context.Context, name string, ttl time.Duration) (string, error) {
	delay := m.opts.RetryDelay
	for attempt := 1; ; attempt++ {
		token, err := m.TryAcquire(ctx, name, ttl)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, ErrBusy) {
			return "", err
		}
		if attempt >= m.opts.Retries {
			return "", ErrBusy
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", fmt.Errorf("%w: %v", ErrBusy, ctx.Err())
		case <-t.C:
		}
		delay = min(delay*3/2, m.opts.MaxDelay)
	}
}

// Release deletes the lock only when token still owns it. It reports
// false when the lock had expired or was taken over.
func (m *Mutex) Release(ctx context.Context, name, token string) (bool, error) {
	key := storage.LockKey(name)
	cur, err := m.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var held record
	if err := json.Unmarshal(cur, &held); err != nil || held.Token != token {
		return false, nil
	}
	return m.store.DeleteIfEqual(ctx, key, cur)
}

// WithLock runs fn while holding name. fn is never run if the lock
// cannot be acquired, and the lock is released on every exit path,
// panics included.
func (m *Mutex) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) error {
	token, err := m.Acquire(ctx, name, ttl)
	if err != nil {
		return err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		ok, err := m.Release(rctx, name, token)
		switch {
		case err != nil:
			m.log.Warn().Err(err).Str("lock", name).Msg("release failed")
		case !ok:
			m.log.Warn().Str("lock", name).Msg("lock expired before release")
		}
	}()
	return fn(ctx)
}

// Do is WithLock for functions that return a value.
func Do[T any](ctx context.Context, m *Mutex, name string, ttl time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := m.WithLock(ctx, name, ttl, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}
