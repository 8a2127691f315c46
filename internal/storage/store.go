// Package storage is the single persistence abstraction used by every
// engine. A Store is a key-value map with per-key TTL and two atomic
// primitives (PutIfAbsent and DeleteIfEqual) on which the keyed mutex
// is built. Backends: in-process memory, Redis, MySQL and PostgreSQL.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("storage: not found")

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("storage: unavailable")

// Store is implemented by every backend. A ttl of zero means the value
// never expires.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// PutIfAbsent writes only when key is absent or expired and reports
	// whether it wrote.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// DeleteIfEqual removes key only when its current value equals
	// expected and reports whether it removed it.
	DeleteIfEqual(ctx context.Context, key string, expected []byte) (bool, error)
	Delete(ctx context.Context, key string) error
	// List returns the live keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// LockKey is where the keyed mutex keeps the record for name.
func LockKey(name string) string {
	return "lock:" + name
}

// PinKey holds a station's DailyPin for one day.
func PinKey(dayKey, stationID string) string {
	return "pin:" + dayKey + ":" + stationID
}

// QueueKey holds a station's queue entries for one day.
func QueueKey(stationID, dayKey string) string {
	return "queue:" + stationID + ":" + dayKey
}

// QueuePrefix matches every day's queue of a station.
func QueuePrefix(stationID string) string {
	return "queue:" + stationID + ":"
}

// RouteKey holds a patient's route.
func RouteKey(patientID string) string {
	return "route:" + patientID
}

// DayFromQueueKey extracts the day key from a key built by QueueKey.
func DayFromQueueKey(key string) string {
	i := strings.LastIndexByte(key, ':')
	if i < 0 {
		return ""
	}
	return key[i+1:]
}

// GetJSON loads key and decodes it into a T.
func GetJSON[T any](ctx context.Context, s Store, key string) (T, error) {
	var v T
	raw, err := s.Get(ctx, key)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("storage: decode %s: %w", key, err)
	}
	return v, nil
}

// PutJSON encodes v and stores it under key.
func PutJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", key, err)
	}
	return s.Put(ctx, key, raw, ttl)
}

// EncodeJSON is the encoder used by PutJSON, exposed for callers that
// need the raw bytes, e.g. for PutIfAbsent.
func EncodeJSON(v any) ([]byte, error) { return json.Marshal(v) }
