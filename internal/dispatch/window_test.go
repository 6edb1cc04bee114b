package dispatch

import (
	"testing"
	"time"
)

func TestRolloverResetsOncePerDay(t *testing.T) {
	t.Parallel()
	w := NewRateWindow(200, 50, 7, 20)
	day1 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	if !w.Rollover(day1) {
		t.Fatal("first tick of a day must roll the counter")
	}
	w.RecordSuccess()
	w.RecordSuccess()

	// More cycles on the same day never reset.
	for i := 0; i < 5; i++ {
		if w.Rollover(day1.Add(time.Duration(i) * time.Hour)) {
			t.Fatal("same-day tick must not roll")
		}
	}
	if _, sent := w.Counter(); sent != 2 {
		t.Fatalf("sent = %d, want 2", sent)
	}

	day2 := day1.Add(24 * time.Hour)
	if !w.Rollover(day2) {
		t.Fatal("date advance must roll")
	}
	if _, sent := w.Counter(); sent != 0 {
		t.Fatalf("sent after rollover = %d, want 0", sent)
	}
}

func TestAllowedHoursWindow(t *testing.T) {
	t.Parallel()
	w := NewRateWindow(200, 50, 7, 20)
	cases := []struct {
		hour int
		want bool
	}{
		{0, false},
		{6, false},
		{7, true},
		{12, true},
		{19, true},
		{20, false},
		{23, false},
	}
	for _, tc := range cases {
		now := time.Date(2026, 3, 1, tc.hour, 30, 0, 0, time.UTC)
		if got := w.InAllowedHours(now); got != tc.want {
			t.Errorf("hour %d: allowed = %v, want %v", tc.hour, got, tc.want)
		}
	}
}

func TestDailyCap(t *testing.T) {
	t.Parallel()
	w := NewRateWindow(3, 50, 0, 24)
	w.Rollover(time.Now())
	for i := 0; i < 3; i++ {
		if w.DailyExhausted() {
			t.Fatalf("exhausted after %d sends, cap is 3", i)
		}
		w.RecordSuccess()
	}
	if !w.DailyExhausted() {
		t.Fatal("cap of 3 must be exhausted after 3 sends")
	}
}

func TestRetuneAppliesLimitsAndKeepsCounter(t *testing.T) {
	t.Parallel()
	w := NewRateWindow(200, 50, 7, 20)
	day := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	w.Rollover(day)
	w.RecordSuccess()
	w.RecordSuccess()

	w.Retune(2, 5, 9, 18)

	if w.HourlyCap() != 5 {
		t.Fatalf("hourly cap = %d, want 5", w.HourlyCap())
	}
	if !w.DailyExhausted() {
		t.Fatal("lowered daily cap must count today's sends")
	}
	if w.InAllowedHours(time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)) {
		t.Fatal("8h is outside the retuned [9,18) window")
	}
	if !w.InAllowedHours(time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)) {
		t.Fatal("9h is inside the retuned window")
	}
	if _, sent := w.Counter(); sent != 2 {
		t.Fatalf("retune must not reset the counter, sent = %d", sent)
	}
}

func TestRestoreIgnoresStaleDay(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	w := NewRateWindow(200, 50, 7, 20)
	w.Restore("2026-03-01", 120, now)
	if _, sent := w.Counter(); sent != 0 {
		t.Fatalf("stale-day restore must be ignored, sent = %d", sent)
	}

	w = NewRateWindow(200, 50, 7, 20)
	w.Restore("2026-03-02", 120, now)
	if _, sent := w.Counter(); sent != 120 {
		t.Fatalf("same-day restore dropped, sent = %d", sent)
	}
	// A restored counter must survive the first same-day rollover check.
	if w.Rollover(now) {
		t.Fatal("rollover must not reset a restored same-day counter")
	}
}
