package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoad_DefaultsWhenUnset(t *testing.T) {
	clearEnv(t, "DATABASE_URL", "REDIS_ADDR", "HTTP_ADDR", "CPU_WORKER_LIMIT", "GPU_WORKER_LIMIT", "RECOVERY_INTERVAL_SECONDS")

	cfg := Load()

	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("expected default redis addr, got %q", cfg.RedisAddr)
	}
	if cfg.HTTPAddr != ":8090" {
		t.Errorf("expected default http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.CPUWorkerLimit != 2 {
		t.Errorf("expected default cpu worker limit 2, got %d", cfg.CPUWorkerLimit)
	}
	if cfg.GPUWorkerLimit != 1 {
		t.Errorf("expected default gpu worker limit 1, got %d", cfg.GPUWorkerLimit)
	}
	if cfg.RecoveryInterval != 300 {
		t.Errorf("expected default recovery interval 300, got %d", cfg.RecoveryInterval)
	}
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	clearEnv(t, "REDIS_ADDR", "CPU_WORKER_LIMIT")
	os.Setenv("REDIS_ADDR", "redis.internal:6380")
	os.Setenv("CPU_WORKER_LIMIT", "6")

	cfg := Load()

	if cfg.RedisAddr != "redis.internal:6380" {
		t.Errorf("expected overridden redis addr, got %q", cfg.RedisAddr)
	}
	if cfg.CPUWorkerLimit != 6 {
		t.Errorf("expected overridden cpu worker limit 6, got %d", cfg.CPUWorkerLimit)
	}
}

func TestLoad_InvalidIntFallsBackToDefault(t *testing.T) {
	clearEnv(t, "GPU_WORKER_LIMIT")
	os.Setenv("GPU_WORKER_LIMIT", "not-a-number")

	cfg := Load()

	if cfg.GPUWorkerLimit != 1 {
		t.Errorf("expected fallback gpu worker limit 1 for invalid input, got %d", cfg.GPUWorkerLimit)
	}
}

func TestGetEnv_PrefersSetValue(t *testing.T) {
	clearEnv(t, "CLIPRR_TEST_KEY")
	os.Setenv("CLIPRR_TEST_KEY", "value")

	if got := getEnv("CLIPRR_TEST_KEY", "fallback"); got != "value" {
		t.Errorf("expected %q, got %q", "value", got)
	}
}

func TestGetEnvInt_FallsBackWhenUnset(t *testing.T) {
	clearEnv(t, "CLIPRR_TEST_INT")

	if got := getEnvInt("CLIPRR_TEST_INT", 9); got != 9 {
		t.Errorf("expected fallback 9, got %d", got)
	}
}
