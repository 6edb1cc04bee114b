package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the on-disk configuration for one wspbot instance.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// One process owns exactly one transport session; Instance.ID namespaces
// the credential store and is the routing key sent to the bridge.
type Config struct {
	Instance  InstanceConfig  `json:"instance"`
	HTTP      HTTPConfig      `json:"http"`
	Logging   LoggingConfig   `json:"logging"`
	Transport TransportConfig `json:"transport"`
	Bridge    BridgeConfig    `json:"bridge"`
	Session   SessionConfig   `json:"session,omitempty"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Health    HealthConfig    `json:"health,omitempty"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Inbound   InboundConfig   `json:"inbound,omitempty"`
}

type InstanceConfig struct {
	ID string `json:"id"`
	// AuthDir is the parent directory for per-instance credential stores.
	// The instance's credentials live under <auth_dir>/session-<id>.
	AuthDir string `json:"auth_dir,omitempty"`
}

type HTTPConfig struct {
	// Addr defaults to a loopback bind; the control surface is local-only.
	Addr string `json:"addr,omitempty"`
	// Token guards POST /send and POST /reset. Empty disables the guard.
	Token string `json:"token,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// TransportConfig selects and configures the engine driver.
type TransportConfig struct {
	// Driver is "sidecar" or "telegram".
	Driver   string                `json:"driver"`
	Sidecar  *SidecarConfig        `json:"sidecar,omitempty"`
	Telegram *TelegramDriverConfig `json:"telegram,omitempty"`
}

// SidecarConfig configures the external engine subprocess.
type SidecarConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

type TelegramDriverConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type BridgeConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token"`
	Timeout string `json:"timeout,omitempty"`
	// ReportRatePerSec paces per-recipient outcome reports.
	ReportRatePerSec int `json:"report_rate_per_sec,omitempty"`
}

// SessionConfig tunes the session lifecycle.
//
// Defaults (when fields are omitted/zero):
//   - stagger_delay: "15s"
//   - teardown_timeout: "5s"
//   - reinit_delay: "5s"
//   - disconnect_retry: "15s"
//   - init_retry: "30s"
//   - init_timeout: "300s"
type SessionConfig struct {
	StaggerDelay    string `json:"stagger_delay,omitempty"`
	TeardownTimeout string `json:"teardown_timeout,omitempty"`
	ReinitDelay     string `json:"reinit_delay,omitempty"`
	DisconnectRetry string `json:"disconnect_retry,omitempty"`
	InitRetry       string `json:"init_retry,omitempty"`
	InitTimeout     string `json:"init_timeout,omitempty"`
}

// DispatchConfig tunes the campaign cycle and the anti-ban throttle.
//
// Defaults: period "1m", daily_cap 200, hourly_cap 50,
// allowed hours [7,20), delay [8s,25s].
type DispatchConfig struct {
	Period           string `json:"period,omitempty"`
	DailyCap         int    `json:"daily_cap,omitempty"`
	HourlyCap        int    `json:"hourly_cap,omitempty"`
	AllowedStartHour *int   `json:"allowed_start_hour,omitempty"`
	AllowedEndHour   *int   `json:"allowed_end_hour,omitempty"`
	DelayMin         string `json:"delay_min,omitempty"`
	DelayMax         string `json:"delay_max,omitempty"`
}

type HealthConfig struct {
	Period       string `json:"period,omitempty"`
	ProbeTimeout string `json:"probe_timeout,omitempty"`
}

// StorageConfig controls the delivery ledger.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", the ledger is disabled and dedupe is
// bridge-side only.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type InboundConfig struct {
	Enabled bool `json:"enabled"`
	// Intents back the local classifier used when the bridge omits a
	// reply decision.
	Intents []IntentConfig `json:"intents,omitempty"`
}

type IntentConfig struct {
	Name     string   `json:"name"`
	Keywords string   `json:"keywords"`
	Priority float64  `json:"priority,omitempty"`
	Reply    string   `json:"reply,omitempty"`
	MediaURL string   `json:"media_url,omitempty"`
	Samples  []string `json:"samples,omitempty"`
}

// Validate rejects configs that cannot produce a working instance.
// It is also installed as the Watch() validator so a bad live edit never commits.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Instance.ID) == "" {
		return errors.New("instance.id is required")
	}
	if strings.TrimSpace(c.Bridge.BaseURL) == "" {
		return errors.New("bridge.base_url is required")
	}
	if strings.TrimSpace(c.Bridge.Token) == "" {
		return errors.New("bridge.token is required")
	}

	switch strings.ToLower(strings.TrimSpace(c.Transport.Driver)) {
	case "sidecar":
		if c.Transport.Sidecar == nil || strings.TrimSpace(c.Transport.Sidecar.Command) == "" {
			return errors.New("transport.sidecar.command is required for the sidecar driver")
		}
	case "telegram":
		if c.Transport.Telegram == nil || strings.TrimSpace(c.Transport.Telegram.Token) == "" {
			return errors.New("transport.telegram.token is required for the telegram driver")
		}
	default:
		return fmt.Errorf("transport.driver: unknown driver %q", c.Transport.Driver)
	}

	start, end, err := c.Dispatch.AllowedHours()
	if err != nil {
		return err
	}
	if start >= end {
		return fmt.Errorf("dispatch: allowed_start_hour (%d) must be before allowed_end_hour (%d)", start, end)
	}

	for path, raw := range map[string]string{
		"session.stagger_delay":    c.Session.StaggerDelay,
		"session.teardown_timeout": c.Session.TeardownTimeout,
		"session.reinit_delay":     c.Session.ReinitDelay,
		"session.disconnect_retry": c.Session.DisconnectRetry,
		"session.init_retry":       c.Session.InitRetry,
		"session.init_timeout":     c.Session.InitTimeout,
		"dispatch.period":          c.Dispatch.Period,
		"dispatch.delay_min":       c.Dispatch.DelayMin,
		"dispatch.delay_max":       c.Dispatch.DelayMax,
		"health.period":            c.Health.Period,
		"health.probe_timeout":     c.Health.ProbeTimeout,
		"bridge.timeout":           c.Bridge.Timeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}

	dmin, _ := ParseDurationOrDefault("dispatch.delay_min", c.Dispatch.DelayMin, 8*time.Second)
	dmax, _ := ParseDurationOrDefault("dispatch.delay_max", c.Dispatch.DelayMax, 25*time.Second)
	if dmin > dmax {
		return errors.New("dispatch: delay_min must not exceed delay_max")
	}
	return nil
}

// AllowedHours resolves the sending window, defaulting to [7,20).
func (d DispatchConfig) AllowedHours() (start, end int, err error) {
	start, end = 7, 20
	if d.AllowedStartHour != nil {
		start = *d.AllowedStartHour
	}
	if d.AllowedEndHour != nil {
		end = *d.AllowedEndHour
	}
	if start < 0 || start > 23 {
		return 0, 0, fmt.Errorf("dispatch.allowed_start_hour: %d out of range", start)
	}
	if end < 1 || end > 24 {
		return 0, 0, fmt.Errorf("dispatch.allowed_end_hour: %d out of range", end)
	}
	return start, end, nil
}
