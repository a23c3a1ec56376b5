package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(viper.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Sync.BatchSize != 1000 {
		t.Errorf("batch_size: got %d", cfg.Sync.BatchSize)
	}
	if cfg.Sync.MaxRetries != 5 {
		t.Errorf("max_retries: got %d", cfg.Sync.MaxRetries)
	}
	if cfg.Sync.RetryDelayBase != time.Second {
		t.Errorf("retry_delay_base: got %v", cfg.Sync.RetryDelayBase)
	}
	if cfg.Stream.PollInterval != 30*time.Second {
		t.Errorf("poll_interval: got %v", cfg.Stream.PollInterval)
	}
	if cfg.Sync.MaxConcurrentTransfers != 3 {
		t.Errorf("max_concurrent_transfers: got %d", cfg.Sync.MaxConcurrentTransfers)
	}
	if cfg.Monitor.HealthInterval != 30*time.Second {
		t.Errorf("health_interval: got %v", cfg.Monitor.HealthInterval)
	}
	if cfg.Backup.Retention != 5 {
		t.Errorf("backup_retention: got %d", cfg.Backup.Retention)
	}
	if cfg.Monitor.MaxAttempts != 10 {
		t.Errorf("max_attempts: got %d", cfg.Monitor.MaxAttempts)
	}
	if cfg.Alerts.Cooldown != 5*time.Minute {
		t.Errorf("cooldown: got %v", cfg.Alerts.Cooldown)
	}
}

func TestLoadFrom_EnvOverride(t *testing.T) {
	t.Setenv("SYNC_BATCH_SIZE", "250")
	t.Setenv("STREAM_POLL_INTERVAL", "5s")

	cfg, err := LoadFrom(viper.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Sync.BatchSize != 250 {
		t.Errorf("batch_size: got %d", cfg.Sync.BatchSize)
	}
	if cfg.Stream.PollInterval != 5*time.Second {
		t.Errorf("poll_interval: got %v", cfg.Stream.PollInterval)
	}
}

func TestLoadFrom_RejectsInvalid(t *testing.T) {
	t.Setenv("SYNC_BATCH_SIZE", "0")
	if _, err := LoadFrom(viper.New()); err == nil {
		t.Fatal("expected validation error for zero batch size")
	}
}

func TestSyncConfig_Collection(t *testing.T) {
	s := SyncConfig{Collections: map[string]string{"stock_prices": "prices"}}
	if got := s.Collection("stock_prices"); got != "prices" {
		t.Errorf("mapped collection: got %s", got)
	}
	if got := s.Collection("index_prices"); got != "index_prices" {
		t.Errorf("identity collection: got %s", got)
	}
}

func TestMaskSecret(t *testing.T) {
	cases := map[string]string{
		"ab":                       "***",
		"secretkey":                "sec***",
		"averyveryverylongsecret1": "averyver***ret1",
	}
	for in, want := range cases {
		if got := MaskSecret(in); got != want {
			t.Errorf("MaskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}
