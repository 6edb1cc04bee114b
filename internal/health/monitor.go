// Package health runs the periodic liveness tick: probe the live
// engine, push a heartbeat upstream, and honor remote reset requests.
package health

import (
	"context"
	"time"

	"wspbot/internal/session"
	"wspbot/internal/transport"
	logx "wspbot/pkg/logx"
)

// Sessions is the slice of the session manager the monitor drives.
type Sessions interface {
	State() session.State
	Snapshot() session.Snapshot
	Handle() transport.Engine
	Reset(ctx context.Context)
}

// Monitor probes the engine and heartbeats session state upstream on a
// fixed period. A probe timeout means the engine froze; the monitor
// resets the session immediately and skips the rest of that tick.
type Monitor struct {
	log          logx.Logger
	sessions     Sessions
	reporter     session.StateReporter
	probeTimeout time.Duration
}

func NewMonitor(log logx.Logger, sessions Sessions, reporter session.StateReporter, probeTimeout time.Duration) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if probeTimeout <= 0 {
		probeTimeout = 10 * time.Second
	}
	return &Monitor{
		log:          log,
		sessions:     sessions,
		reporter:     reporter,
		probeTimeout: probeTimeout,
	}
}

// Tick runs one health pass. The heartbeat goes out on every tick
// regardless of connectivity; the probe only runs while Connected. The
// probe doubles as the transport presence keepalive.
func (m *Monitor) Tick(ctx context.Context) {
	if m.sessions.State() == session.StateConnected {
		if eng := m.sessions.Handle(); eng != nil {
			pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
			err := eng.Ping(pctx)
			cancel()
			if err != nil {
				m.log.Warn("liveness probe failed, resetting session", logx.Err(err))
				m.sessions.Reset(ctx)
				return
			}
		}
	}

	if m.reporter == nil {
		return
	}
	resetRequested, err := m.reporter.ReportState(ctx, m.sessions.Snapshot())
	if err != nil {
		m.log.Debug("heartbeat report failed", logx.Err(err))
		return
	}
	if resetRequested {
		m.log.Info("remote reset requested")
		m.sessions.Reset(ctx)
	}
}
