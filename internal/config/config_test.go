package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"STORAGE_DRIVER", "PIN_WIDTH", "LOCK_TTL", "WEIGHT_IDLE", "ROUTE_OPTIMIZE", "TIMEZONE"} {
		t.Setenv(k, "")
	}
	cfg := Load()
	if cfg.StorageDriver != DriverMemory {
		t.Fatalf("expected memory driver, got %q", cfg.StorageDriver)
	}
	if cfg.PinWidth != 6 || cfg.LockTTL != 5*time.Second || cfg.WeightIdle != 1.5 || cfg.Optimize {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.OpenTimeout != time.Minute {
		t.Fatalf("unexpected breaker defaults: %+v", cfg.Breaker)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "Redis")
	t.Setenv("PIN_WIDTH", "8")
	t.Setenv("LOCK_TTL", "2s")
	t.Setenv("WEIGHT_WAIT", "1.25")
	t.Setenv("ROUTE_OPTIMIZE", "yes")
	t.Setenv("LOCK_RETRIES", "not-a-number")

	cfg := Load()
	if cfg.StorageDriver != DriverRedis || cfg.PinWidth != 8 || cfg.LockTTL != 2*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.WeightWait != 1.25 || !cfg.Optimize {
		t.Fatalf("expected weight 1.25 and optimize, got %v %v", cfg.WeightWait, cfg.Optimize)
	}
	if cfg.LockRetries != 10 {
		t.Fatalf("expected fallback to default retries, got %d", cfg.LockRetries)
	}
}

func TestValidate(t *testing.T) {
	cfg := Config{StorageDriver: DriverPostgres, PinWidth: 12, Timezone: "Mars/Olympus"}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{"DATABASE_URL", "PIN_SECRET", "JWT_SECRET", "PIN_WIDTH", "TIMEZONE"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %q", want, err.Error())
		}
	}

	cfg = Config{StorageDriver: DriverMemory, PinWidth: 6, Timezone: "UTC", PinSecret: "p", JWTSecret: "j"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestRateLimitClamps(t *testing.T) {
	t.Setenv("RATE_LIMIT_CAPACITY", "0")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "2s")
	t.Setenv("RATE_LIMIT_TTL", "1s")
	cfg := LoadRateLimitConfig()
	if cfg.Capacity != 1 {
		t.Fatalf("expected capacity 1, got %d", cfg.Capacity)
	}
	if cfg.TTL != 10*time.Second {
		t.Fatalf("expected ttl clamped to 10s, got %v", cfg.TTL)
	}
}

func TestPinRateLimitIsSeparate(t *testing.T) {
	t.Setenv("RATE_LIMIT_CAPACITY", "500")
	t.Setenv("PIN_RATE_LIMIT_CAPACITY", "5")
	public, pins := LoadRateLimitConfig(), LoadPinRateLimitConfig()
	if public.Capacity != 500 || pins.Capacity != 5 {
		t.Fatalf("expected capacities 500 and 5, got %d and %d", public.Capacity, pins.Capacity)
	}
	if pins.KeyStrategy != "ip_station" || pins.Prefix != "rl:pin" {
		t.Fatalf("unexpected pin limiter defaults %+v", pins)
	}
}
