package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SettleDelay() != 300*time.Millisecond {
		t.Errorf("SettleDelay = %v, want 300ms", cfg.SettleDelay())
	}
	if cfg.SkipFenceTTL() != 8*time.Second {
		t.Errorf("SkipFenceTTL = %v, want 8s", cfg.SkipFenceTTL())
	}
	if cfg.Remind.SoftThreshold.Duration != 210*time.Second {
		t.Errorf("SoftThreshold = %v, want 210s", cfg.Remind.SoftThreshold.Duration)
	}
	if cfg.HTTPAddr != "127.0.0.1:7433" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
http_addr = "127.0.0.1:9000"

[delivery]
settle_delay = "450ms"
skip_fence_ttl = "12s"

[remind]
soft_threshold = "2s"
hard_threshold = "4s"

[telegram]
token = "123:abc"
chat_id = -100123
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:9000" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.SettleDelay() != 450*time.Millisecond {
		t.Errorf("SettleDelay = %v, want 450ms", cfg.SettleDelay())
	}
	if cfg.SkipFenceTTL() != 12*time.Second {
		t.Errorf("SkipFenceTTL = %v, want 12s", cfg.SkipFenceTTL())
	}
	if cfg.Remind.SoftThreshold.Duration != 2*time.Second {
		t.Errorf("SoftThreshold = %v", cfg.Remind.SoftThreshold.Duration)
	}
	if cfg.Telegram.ChatID != -100123 {
		t.Errorf("ChatID = %d", cfg.Telegram.ChatID)
	}
	// Unset sections keep defaults.
	if cfg.Remind.WakePeriod.Duration != 10*time.Minute {
		t.Errorf("WakePeriod = %v, want 10m", cfg.Remind.WakePeriod.Duration)
	}
}

func TestLoadBadToml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("not [valid"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load of malformed TOML succeeded, want error")
	}
}
