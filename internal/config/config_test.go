package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/shakilkhan1801/dispatchq/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/dispatchq")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.QueuePollInterval != 300*time.Millisecond {
		t.Errorf("poll interval = %s, want 300ms", cfg.QueuePollInterval)
	}
	if cfg.QueueErrorBackoff != time.Second {
		t.Errorf("error backoff = %s, want 1s", cfg.QueueErrorBackoff)
	}
	if cfg.Queues["webhook"] != 4 || cfg.Queues["email"] != 2 {
		t.Errorf("queues = %v, want webhook:4 email:2", cfg.Queues)
	}
	if cfg.ReclaimAfter != 0 {
		t.Errorf("reclaim after = %s, want 0 (disabled)", cfg.ReclaimAfter)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("log format = %q, want json", cfg.LogFormat)
	}
	if !cfg.IsDevelopment() {
		t.Error("default env should be development")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/dispatchq")
	t.Setenv("QUEUES", "airdrop:10")
	t.Setenv("QUEUE_POLL_INTERVAL", "50ms")
	t.Setenv("RECLAIM_AFTER", "5m")
	t.Setenv("APP_ENV", "production")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Queues) != 1 || cfg.Queues["airdrop"] != 10 {
		t.Errorf("queues = %v, want airdrop:10 only", cfg.Queues)
	}
	if cfg.QueuePollInterval != 50*time.Millisecond {
		t.Errorf("poll interval = %s, want 50ms", cfg.QueuePollInterval)
	}
	if cfg.ReclaimAfter != 5*time.Minute {
		t.Errorf("reclaim after = %s, want 5m", cfg.ReclaimAfter)
	}
	if cfg.IsDevelopment() {
		t.Error("production env reported as development")
	}
}

func TestLoadMissingDatabaseURL(t *testing.T) {
	// t.Setenv registers the restore; unset to simulate a missing variable.
	t.Setenv("DATABASE_URL", "")
	os.Unsetenv("DATABASE_URL")

	if _, err := config.Load(); err == nil {
		t.Fatal("load succeeded without DATABASE_URL")
	}
}
