package config

import "time"

// RateLimitConfig tunes one Redis token bucket.
type RateLimitConfig struct {
	Enabled        bool
	Capacity       int
	RefillTokens   int
	RefillInterval time.Duration
	TTL            time.Duration
	KeyStrategy    string // ip | user | route | station | ip_user | ip_route | ip_station | user_route | ip_user_route
	Prefix         string
	Debug          bool
}

// LoadRateLimitConfig reads RATE_LIMIT_* for the public API.
func LoadRateLimitConfig() RateLimitConfig {
	return loadRateLimit("RATE_LIMIT_", RateLimitConfig{
		Enabled:        true,
		Capacity:       60,
		RefillTokens:   1,
		RefillInterval: time.Second,
		TTL:            10 * time.Minute,
		KeyStrategy:    "ip_route",
		Prefix:         "rl",
	})
}

// LoadPinRateLimitConfig reads PIN_RATE_LIMIT_* for the PIN gated
// terminal calls.  The bucket is per caller and station so guessing a
// six digit code is slow, while a terminal working normally never
// notices it.
func LoadPinRateLimitConfig() RateLimitConfig {
	return loadRateLimit("PIN_RATE_LIMIT_", RateLimitConfig{
		Enabled:        true,
		Capacity:       20,
		RefillTokens:   1,
		RefillInterval: 3 * time.Second,
		TTL:            10 * time.Minute,
		KeyStrategy:    "ip_station",
		Prefix:         "rl:pin",
	})
}

func loadRateLimit(prefix string, def RateLimitConfig) RateLimitConfig {
	cfg := RateLimitConfig{
		Enabled:        envBool(prefix+"ENABLED", def.Enabled),
		Capacity:       envInt(prefix+"CAPACITY", def.Capacity),
		RefillTokens:   envInt(prefix+"REFILL_TOKENS", def.RefillTokens),
		RefillInterval: envDur(prefix+"REFILL_INTERVAL", def.RefillInterval),
		TTL:            envDur(prefix+"TTL", def.TTL),
		KeyStrategy:    envStr(prefix+"KEY_STRATEGY", def.KeyStrategy),
		Prefix:         envStr(prefix+"PREFIX", def.Prefix),
		Debug:          envBool(prefix+"DEBUG", false),
	}
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.RefillTokens < 1 {
		cfg.RefillTokens = 1
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = time.Second
	}
	if minTTL := 5 * cfg.RefillInterval; cfg.TTL < minTTL {
		cfg.TTL = minTTL
	}
	return cfg
}
