// Package config loads the switchboard daemon configuration from TOML.
//
// All fields have working defaults; a missing config file is not an error.
// Durations in the file are given in Go duration syntax ("300ms", "8s").
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level daemon configuration.
type Config struct {
	// HTTPAddr is the loopback bind address for the control plane.
	HTTPAddr string `toml:"http_addr"`

	// StateDir holds the registry snapshot, queue DB, obs DB and handoff
	// artifacts. Defaults to ~/.local/share/switchboard.
	StateDir string `toml:"state_dir"`

	// PipeLogDir is where pane pipe-logs are written.
	PipeLogDir string `toml:"pipe_log_dir"`

	Delivery DeliveryConfig `toml:"delivery"`
	Remind   RemindConfig   `toml:"remind"`
	Context  ContextConfig  `toml:"context"`
	Telegram TelegramConfig `toml:"telegram"`
}

// DeliveryConfig tunes the delivery engine and idle tracker.
type DeliveryConfig struct {
	// SettleDelay is the pause between literal text and the submit key.
	// Below 300ms the agent's paste detection eats the carriage return.
	SettleDelay duration `toml:"settle_delay"`

	// UrgentPromptWait bounds how long the urgent path polls for the
	// input-prompt signature after sending the cancel key.
	UrgentPromptWait duration `toml:"urgent_prompt_wait"`

	// SkipFenceTTL is how long an armed skip fence absorbs stop hooks.
	// Set to the hook transport timeout plus a small margin.
	SkipFenceTTL duration `toml:"skip_fence_ttl"`

	// ReconcileInterval is the dead-pane sweep period.
	ReconcileInterval duration `toml:"reconcile_interval"`
}

// RemindConfig tunes the reminder scheduler.
type RemindConfig struct {
	SoftThreshold duration `toml:"soft_threshold"`
	HardThreshold duration `toml:"hard_threshold"`
	PollInterval  duration `toml:"poll_interval"`

	// WakePeriod is the parent wake-up digest period; WakePeriodEscalated
	// applies after a tick observes no status change in the child.
	WakePeriod          duration `toml:"wake_period"`
	WakePeriodEscalated duration `toml:"wake_period_escalated"`

	// CompactionWaitCeiling bounds how long a one-shot reminder waits for
	// a compacting agent before delivering anyway.
	CompactionWaitCeiling duration `toml:"compaction_wait_ceiling"`
}

// ContextConfig tunes context-usage monitoring.
type ContextConfig struct {
	WarnFraction     float64 `toml:"warn_fraction"`
	CriticalFraction float64 `toml:"critical_fraction"`
}

// TelegramConfig configures the remote-chat gateway. An empty token
// disables the gateway entirely.
type TelegramConfig struct {
	Token  string `toml:"token"`
	ChatID int64  `toml:"chat_id"`

	// PollTimeout is the explicit total timeout for one long-poll
	// round-trip; it must be shorter than the transport default.
	PollTimeout duration `toml:"poll_timeout"`

	// HealthInterval is the watchdog threshold: if no round-trip is
	// observed within it, the poll loop is restarted.
	HealthInterval duration `toml:"health_interval"`
}

// duration wraps time.Duration for TOML decoding of "300ms"-style values.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		HTTPAddr:   "127.0.0.1:7433",
		StateDir:   filepath.Join(home, ".local", "share", "switchboard"),
		PipeLogDir: filepath.Join(os.TempDir(), "switchboard-sessions"),
		Delivery: DeliveryConfig{
			SettleDelay:       duration{300 * time.Millisecond},
			UrgentPromptWait:  duration{3 * time.Second},
			SkipFenceTTL:      duration{8 * time.Second},
			ReconcileInterval: duration{30 * time.Second},
		},
		Remind: RemindConfig{
			SoftThreshold:         duration{210 * time.Second},
			HardThreshold:         duration{420 * time.Second},
			PollInterval:          duration{5 * time.Second},
			WakePeriod:            duration{10 * time.Minute},
			WakePeriodEscalated:   duration{5 * time.Minute},
			CompactionWaitCeiling: duration{5 * time.Minute},
		},
		Context: ContextConfig{
			WarnFraction:     0.70,
			CriticalFraction: 0.85,
		},
		Telegram: TelegramConfig{
			PollTimeout:    duration{15 * time.Second},
			HealthInterval: duration{45 * time.Second},
		},
	}
}

// DefaultPath returns the standard config file location.
func DefaultPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "switchboard", "config.toml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "switchboard", "config.toml")
}

// Load reads the config file at path, applying defaults for anything
// unset. A missing file returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// Accessors unwrap the duration fields so callers don't see the TOML
// wrapper type.

func (c *Config) SettleDelay() time.Duration       { return c.Delivery.SettleDelay.Duration }
func (c *Config) UrgentPromptWait() time.Duration  { return c.Delivery.UrgentPromptWait.Duration }
func (c *Config) SkipFenceTTL() time.Duration      { return c.Delivery.SkipFenceTTL.Duration }
func (c *Config) ReconcileInterval() time.Duration { return c.Delivery.ReconcileInterval.Duration }

// QueuePath returns the message queue database file path.
func (c *Config) QueuePath() string { return filepath.Join(c.StateDir, "queue.db") }

// ObsPath returns the tool-usage observability database file path.
func (c *Config) ObsPath() string { return filepath.Join(c.StateDir, "tooluse.db") }

// SnapshotPath returns the registry snapshot file path.
func (c *Config) SnapshotPath() string { return filepath.Join(c.StateDir, "sessions.json") }

// HandoffDir returns the directory for handoff artifacts of one session.
func (c *Config) HandoffDir(sessionID string, ts time.Time) string {
	return filepath.Join(c.StateDir, "handoffs", fmt.Sprintf("%s-%d", sessionID, ts.Unix()))
}

// PipeLogPath returns the pipe-log file for a pane.
func (c *Config) PipeLogPath(pane string) string {
	return filepath.Join(c.PipeLogDir, pane+".log")
}
