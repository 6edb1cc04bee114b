package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"wspbot/internal/bridge"
	"wspbot/internal/storage"
	"wspbot/internal/transport"
	logx "wspbot/pkg/logx"
)

type fakeSource struct {
	mu       sync.Mutex
	pending  []bridge.Campaign
	fetches  int
	outcomes []outcomeRec
	gate     chan struct{} // when set, PendingCampaigns blocks until closed
}

func (f *fakeSource) PendingCampaigns(ctx context.Context) ([]bridge.Campaign, error) {
	f.mu.Lock()
	f.fetches++
	gate := f.gate
	pending := f.pending
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return pending, nil
}

func (f *fakeSource) ReportOutcome(ctx context.Context, campaignID, recipientID int64, outcome bridge.Outcome, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, outcomeRec{recipientID, outcome, detail})
	return nil
}

func (f *fakeSource) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type fakeSessions struct {
	eng transport.Engine
}

func (f *fakeSessions) Handle() transport.Engine { return f.eng }

type fakeLedger struct {
	mu        sync.Mutex
	delivered map[string]bool
	records   []storage.DeliveryRecord
	day       string
	sent      int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{delivered: map[string]bool{}}
}

func (l *fakeLedger) RecordDelivery(ctx context.Context, r storage.DeliveryRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, r)
	if r.Outcome == "success" {
		l.delivered[r.CampaignID+"|"+r.RecipientID] = true
	}
	return nil
}

func (l *fakeLedger) Delivered(ctx context.Context, campaignID, recipientID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delivered[campaignID+"|"+recipientID], nil
}

func (l *fakeLedger) LoadCounter(ctx context.Context) (string, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.day, l.sent, nil
}

func (l *fakeLedger) SaveCounter(ctx context.Context, day string, sent int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.day, l.sent = day, sent
	return nil
}

func (l *fakeLedger) Close() error { return nil }

func recipients(n int, offset int64) []bridge.Recipient {
	out := make([]bridge.Recipient, n)
	for i := range out {
		out[i] = bridge.Recipient{ID: offset + int64(i), Phone: "505"}
	}
	return out
}

func newTestScheduler(t *testing.T, source *fakeSource, window *RateWindow, ledger storage.Store) (*Scheduler, *scriptedEngine) {
	t.Helper()
	eng := &scriptedEngine{}
	sender := NewSender(logx.Nop(), time.Millisecond, 2*time.Millisecond)
	sender.sleep = func(ctx context.Context, d time.Duration) {}
	s := NewScheduler(logx.Nop(), source, &fakeSessions{eng: eng}, window, sender, ledger)
	s.now = func() time.Time {
		return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	}
	return s, eng
}

func TestCycleClipsBigCampaignToHourlyCap(t *testing.T) {
	t.Parallel()
	source := &fakeSource{pending: []bridge.Campaign{
		{ID: 1, Message: "hi", Recipients: recipients(80, 1)},
	}}
	window := NewRateWindow(150, 50, 7, 20)
	s, eng := newTestScheduler(t, source, window, nil)

	s.RunCycle(context.Background())

	if len(eng.sent) != 50 {
		t.Fatalf("attempted %d sends, want 50", len(eng.sent))
	}
	if len(source.outcomes) != 50 {
		t.Fatalf("reported %d outcomes, want 50", len(source.outcomes))
	}
	if _, sent := window.Counter(); sent != 50 {
		t.Fatalf("counter = %d, want 50", sent)
	}
}

func TestHourlyBudgetIsCumulativeAcrossCampaigns(t *testing.T) {
	t.Parallel()
	source := &fakeSource{pending: []bridge.Campaign{
		{ID: 1, Message: "a", Recipients: recipients(30, 1)},
		{ID: 2, Message: "b", Recipients: recipients(30, 100)},
		{ID: 3, Message: "c", Recipients: recipients(30, 200)},
	}}
	window := NewRateWindow(500, 50, 7, 20)
	s, eng := newTestScheduler(t, source, window, nil)

	s.RunCycle(context.Background())

	// 30 from the first campaign, 20 from the second, none from the third.
	if len(eng.sent) != 50 {
		t.Fatalf("attempted %d sends, want 50 across all campaigns", len(eng.sent))
	}
}

func TestCycleSkippedWhileRunning(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	source := &fakeSource{gate: gate}
	window := NewRateWindow(200, 50, 7, 20)
	s, _ := newTestScheduler(t, source, window, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.RunCycle(context.Background())
	}()

	deadline := time.Now().Add(5 * time.Second)
	for source.fetchCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first cycle never started")
		}
		time.Sleep(time.Millisecond)
	}

	// The first cycle is parked inside the fetch; this tick must no-op.
	s.RunCycle(context.Background())
	if n := source.fetchCount(); n != 1 {
		t.Fatalf("overlapping tick fetched (%d fetches), want skip", n)
	}

	close(gate)
	<-done
}

func TestOutsideAllowedHoursNothingDispatches(t *testing.T) {
	t.Parallel()
	source := &fakeSource{pending: []bridge.Campaign{
		{ID: 1, Message: "hi", Recipients: recipients(5, 1)},
	}}
	window := NewRateWindow(200, 50, 7, 20)
	s, eng := newTestScheduler(t, source, window, nil)
	s.now = func() time.Time {
		return time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)
	}

	s.RunCycle(context.Background())
	if len(eng.sent) != 0 {
		t.Fatalf("attempted %d sends outside allowed hours", len(eng.sent))
	}
}

func TestDailyCapEndsCycle(t *testing.T) {
	t.Parallel()
	source := &fakeSource{pending: []bridge.Campaign{
		{ID: 1, Message: "hi", Recipients: recipients(5, 1)},
	}}
	window := NewRateWindow(2, 50, 7, 20)
	window.Rollover(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	window.RecordSuccess()
	window.RecordSuccess()
	s, eng := newTestScheduler(t, source, window, nil)

	s.RunCycle(context.Background())
	if len(eng.sent) != 0 {
		t.Fatalf("attempted %d sends past the daily cap", len(eng.sent))
	}
}

func TestLedgerSkipsConfirmedRecipients(t *testing.T) {
	t.Parallel()
	ledger := newFakeLedger()
	ledger.delivered["1|1"] = true

	source := &fakeSource{pending: []bridge.Campaign{
		{ID: 1, Message: "hi", Recipients: recipients(3, 1)},
	}}
	window := NewRateWindow(200, 50, 7, 20)
	s, eng := newTestScheduler(t, source, window, ledger)

	s.RunCycle(context.Background())

	if len(eng.sent) != 2 {
		t.Fatalf("attempted %d sends, want 2 (one already delivered)", len(eng.sent))
	}
	if len(ledger.records) != 2 {
		t.Fatalf("ledger recorded %d deliveries, want 2", len(ledger.records))
	}
	if ledger.day == "" || ledger.sent != 2 {
		t.Fatalf("counter not persisted: day=%q sent=%d", ledger.day, ledger.sent)
	}
}
