package session

import (
	"context"
	"time"
)

// State is the lifecycle position of the one transport session this process owns.
type State string

const (
	StateDisconnected State = "disconnected"
	StateInitializing State = "initializing"
	StateQRPending    State = "qr_pending"
	StateConnected    State = "connected"
)

// Config tunes the session lifecycle.
type Config struct {
	InstanceID string
	// AuthDir is the parent dir of per-instance credential stores.
	AuthDir string

	// StaggerDelay spaces engine bring-up across sibling instances so they
	// don't spike memory at the same instant.
	StaggerDelay time.Duration
	// TeardownTimeout bounds graceful engine destroy during reset.
	TeardownTimeout time.Duration
	// ReinitDelay spaces reset -> fresh initialize.
	ReinitDelay time.Duration
	// DisconnectRetry spaces an unsolicited disconnect -> retry.
	DisconnectRetry time.Duration
	// InitRetry spaces a failed bring-up -> single retry.
	InitRetry time.Duration
	// InitTimeout only logs when bring-up takes longer; it never aborts.
	InitTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.StaggerDelay <= 0 {
		c.StaggerDelay = 15 * time.Second
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = 5 * time.Second
	}
	if c.ReinitDelay <= 0 {
		c.ReinitDelay = 5 * time.Second
	}
	if c.DisconnectRetry <= 0 {
		c.DisconnectRetry = 15 * time.Second
	}
	if c.InitRetry <= 0 {
		c.InitRetry = 30 * time.Second
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = 300 * time.Second
	}
	return c
}

// Snapshot is a point-in-time view of the session for the control surface
// and the bridge heartbeat.
type Snapshot struct {
	State     State
	Challenge string
	LinkedID  string
	IntentID  uint64
}

// StateReporter pushes session state transitions upstream. The returned
// resetRequested flag is only meaningful on heartbeat reports; transition
// reports ignore it.
type StateReporter interface {
	ReportState(ctx context.Context, snap Snapshot) (resetRequested bool, err error)
}

// StateReporterFunc adapts a function to StateReporter.
type StateReporterFunc func(ctx context.Context, snap Snapshot) (bool, error)

func (f StateReporterFunc) ReportState(ctx context.Context, snap Snapshot) (bool, error) {
	return f(ctx, snap)
}
