// Package session owns the one exclusive transport connection of this
// process and drives its lifecycle state machine.
//
// Only the Manager writes session state. Consumers (dispatch, health, the
// control surface) borrow the engine handle through Handle() for the span of
// one operation and must never cache it across ticks.
//
// Every deferred continuation (stagger delay, disconnect retry, post-reset
// re-init) captures the intent id of the attempt that scheduled it and
// re-validates it before touching state, so a reset at any point turns the
// older attempt into a no-op instead of a race.
package session

import (
	"context"
	"sync"
	"time"

	"wspbot/internal/transport"
	logx "wspbot/pkg/logx"
)

type Manager struct {
	cfg      Config
	factory  transport.Factory
	reporter StateReporter
	log      logx.Logger

	mu            sync.Mutex
	state         State
	intentID      uint64
	initializing  bool
	engine        transport.Engine
	linkedID      string
	challenge     string
	attemptCancel context.CancelFunc
	baseCtx       context.Context

	inboundMu sync.Mutex
	inbound   func(msg *transport.InboundMessage)
}

func NewManager(cfg Config, factory transport.Factory, reporter StateReporter, log logx.Logger) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		factory:  factory,
		reporter: reporter,
		log:      log,
		state:    StateDisconnected,
	}
}

// Start records the context that parents event pumps and deferred retries.
// It does not bring the session up; callers schedule Initialize separately.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()
}

// OnInbound registers the consumer for inbound transport messages.
func (m *Manager) OnInbound(fn func(msg *transport.InboundMessage)) {
	m.inboundMu.Lock()
	m.inbound = fn
	m.inboundMu.Unlock()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns a point-in-time view for the control surface and heartbeat.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{
		State:     m.state,
		Challenge: m.challenge,
		LinkedID:  m.linkedID,
		IntentID:  m.intentID,
	}
}

// Handle returns the live engine only while Connected. A nil result means
// "not usable right now"; retry policy belongs to the Manager alone.
func (m *Manager) Handle() transport.Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.engine == nil {
		return nil
	}
	return m.engine
}

// Initialize brings the session up. It is idempotent: a second call while an
// attempt is in flight (or while Connected) returns immediately without
// starting another engine.
func (m *Manager) Initialize(ctx context.Context) (transport.Engine, error) {
	m.mu.Lock()
	if m.initializing {
		m.mu.Unlock()
		m.log.Debug("initialize skipped: already in progress")
		return nil, nil
	}
	if m.state == StateConnected && m.engine != nil {
		eng := m.engine
		m.mu.Unlock()
		return eng, nil
	}
	m.intentID++
	id := m.intentID
	m.initializing = true
	m.state = StateInitializing
	m.challenge = ""
	snap := m.snapshotLocked()
	m.mu.Unlock()

	log := m.log.With(logx.Uint64("intent", id))
	log.Info("session bring-up starting", logx.Duration("stagger", m.cfg.StaggerDelay))
	m.report(snap)

	clearStaleLock(m.cfg.AuthDir, m.cfg.InstanceID, log)

	// Stagger delay, then re-check: a reset during the wait supersedes this
	// attempt and it must return without side effects.
	if err := sleep(ctx, m.cfg.StaggerDelay); err != nil {
		m.abandon(id)
		return nil, err
	}
	if !m.intentCurrent(id) {
		log.Info("bring-up superseded during stagger delay")
		return nil, nil
	}

	eng, err := m.factory()
	if err != nil {
		return nil, m.bringUpFailed(id, log, err)
	}

	// Soft watchdog: a slow bring-up is logged, never aborted.
	time.AfterFunc(m.cfg.InitTimeout, func() {
		if m.intentCurrent(id) && m.State() != StateConnected {
			log.Warn("bring-up still not connected", logx.Duration("after", m.cfg.InitTimeout))
		}
	})

	// Per-attempt pump: every event it forwards carries this attempt's
	// intent, so a superseded engine can never mutate fresh state.
	events := make(chan transport.Event, 64)
	pctx, cancel := context.WithCancel(m.baseContext())

	m.mu.Lock()
	if m.intentID != id {
		m.mu.Unlock()
		cancel()
		log.Info("bring-up superseded before connect")
		return nil, nil
	}
	if m.attemptCancel != nil {
		m.attemptCancel()
	}
	m.attemptCancel = cancel
	m.mu.Unlock()

	go m.pump(pctx, id, events)

	if err := eng.Connect(ctx, events); err != nil {
		cancel()
		return nil, m.bringUpFailed(id, log, err)
	}

	m.mu.Lock()
	if m.intentID != id {
		m.mu.Unlock()
		cancel()
		m.destroyBounded(eng)
		log.Info("bring-up superseded during connect")
		return nil, nil
	}
	m.engine = eng
	m.mu.Unlock()

	log.Info("engine bring-up complete; waiting for transport ready")
	return eng, nil
}

// Reset tears the session down completely: invalidate any in-flight attempt,
// bounded graceful teardown, credential wipe, orphan engine kill, then a
// fresh Initialize after a short delay. Safe to call at any time, including
// mid-bring-up.
func (m *Manager) Reset(ctx context.Context) {
	m.mu.Lock()
	m.intentID++
	id := m.intentID
	eng := m.engine
	m.engine = nil
	m.initializing = false
	cancel := m.attemptCancel
	m.attemptCancel = nil
	m.mu.Unlock()

	log := m.log.With(logx.Uint64("intent", id))
	log.Info("session reset started")
	if cancel != nil {
		cancel()
	}

	if eng != nil {
		dctx, dcancel := context.WithTimeout(ctx, m.cfg.TeardownTimeout)
		if err := eng.Destroy(dctx); err != nil {
			log.Warn("engine teardown", logx.Err(err))
		}
		dcancel()
	}

	wipeCredentials(m.cfg.AuthDir, m.cfg.InstanceID, log)

	kctx, kcancel := context.WithTimeout(ctx, 5*time.Second)
	killOrphanEngines(kctx, m.cfg.AuthDir, m.cfg.InstanceID, log)
	kcancel()

	m.mu.Lock()
	m.state = StateDisconnected
	m.challenge = ""
	m.linkedID = ""
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.report(snap)

	log.Info("re-initialize scheduled", logx.Duration("in", m.cfg.ReinitDelay))
	m.scheduleReinit(id, m.cfg.ReinitDelay, "post-reset")
}

// ---- event handling ----

func (m *Manager) pump(ctx context.Context, id uint64, events <-chan transport.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			m.handleEvent(id, ev)
		}
	}
}

func (m *Manager) handleEvent(id uint64, ev transport.Event) {
	if ev.Kind == transport.EventInbound {
		if !m.intentCurrent(id) || ev.Inbound == nil {
			return
		}
		m.inboundMu.Lock()
		fn := m.inbound
		m.inboundMu.Unlock()
		if fn != nil {
			fn(ev.Inbound)
		}
		return
	}

	m.mu.Lock()
	if m.intentID != id {
		m.mu.Unlock()
		return
	}
	var stale transport.Engine
	switch ev.Kind {
	case transport.EventChallenge:
		m.state = StateQRPending
		m.challenge = ev.Challenge
	case transport.EventReady:
		m.state = StateConnected
		m.initializing = false
		m.linkedID = ev.LinkedID
		m.challenge = ""
	case transport.EventDisconnected:
		m.state = StateDisconnected
		m.initializing = false
		m.challenge = ""
		stale = m.engine
		m.engine = nil
	case transport.EventAuthFailure:
		m.state = StateDisconnected
		m.initializing = false
		m.challenge = ""
		stale = m.engine
		m.engine = nil
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	log := m.log.With(logx.Uint64("intent", id))
	switch ev.Kind {
	case transport.EventChallenge:
		log.Info("link challenge issued")
	case transport.EventReady:
		log.Info("session connected", logx.String("linked_id", ev.LinkedID))
	case transport.EventDisconnected:
		log.Warn("session disconnected", logx.String("reason", ev.Reason))
	case transport.EventAuthFailure:
		log.Error("authentication failed; operator reset required", logx.String("reason", ev.Reason))
	}

	if stale != nil {
		m.destroyBounded(stale)
	}
	m.report(snap)

	// Unsolicited disconnects retry on their own; auth failures wait for an
	// operator. The retry re-validates the intent before running.
	if ev.Kind == transport.EventDisconnected {
		log.Info("reconnect scheduled", logx.Duration("in", m.cfg.DisconnectRetry))
		m.scheduleReinit(id, m.cfg.DisconnectRetry, "disconnect retry")
	}
}

// ---- internals ----

func (m *Manager) intentCurrent(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.intentID == id
}

func (m *Manager) baseContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.baseCtx != nil {
		return m.baseCtx
	}
	return context.Background()
}

// abandon rolls back an attempt that stopped before bring-up (e.g. shutdown
// during the stagger delay). A superseded attempt leaves state alone: the
// superseding reset already owns it.
func (m *Manager) abandon(id uint64) {
	m.mu.Lock()
	if m.intentID == id {
		m.initializing = false
		m.state = StateDisconnected
	}
	m.mu.Unlock()
}

// bringUpFailed marks the attempt failed and schedules exactly one retry,
// unless a reset superseded it meanwhile.
func (m *Manager) bringUpFailed(id uint64, log logx.Logger, err error) error {
	m.mu.Lock()
	current := m.intentID == id
	if current {
		m.initializing = false
		m.state = StateDisconnected
	}
	m.mu.Unlock()

	if current {
		log.Error("engine bring-up failed", logx.Err(err), logx.Duration("retry_in", m.cfg.InitRetry))
		m.scheduleReinit(id, m.cfg.InitRetry, "init retry")
	} else {
		log.Debug("bring-up failure ignored (superseded)", logx.Err(err))
	}
	return err
}

func (m *Manager) scheduleReinit(id uint64, d time.Duration, why string) {
	time.AfterFunc(d, func() {
		m.mu.Lock()
		stale := m.intentID != id
		ctx := m.baseCtx
		m.mu.Unlock()
		if stale {
			return
		}
		if ctx == nil {
			ctx = context.Background()
		}
		if ctx.Err() != nil {
			return
		}
		m.log.Info("scheduled initialize firing", logx.String("cause", why))
		_, _ = m.Initialize(ctx)
	})
}

func (m *Manager) destroyBounded(eng transport.Engine) {
	dctx, cancel := context.WithTimeout(context.Background(), m.cfg.TeardownTimeout)
	defer cancel()
	if err := eng.Destroy(dctx); err != nil {
		m.log.Debug("stale engine teardown", logx.Err(err))
	}
}

func (m *Manager) report(snap Snapshot) {
	if m.reporter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := m.reporter.ReportState(ctx, snap); err != nil {
		m.log.Warn("state report failed", logx.Err(err))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
