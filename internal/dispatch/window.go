package dispatch

import (
	"sync"
	"time"
)

const dayLayout = "2006-01-02"

// RateWindow tracks how many sends the instance has confirmed today and
// whether the wall clock currently permits dispatching at all.
//
// Only the Scheduler mutates it: Rollover once per cycle, RecordSuccess
// once per confirmed send. The counter resets exactly once per
// calendar-day change no matter how many cycles run that day.
type RateWindow struct {
	mu          sync.Mutex
	sentToday   int
	counterDate string
	dailyCap    int
	hourlyCap   int
	startHour   int
	endHour     int
}

func NewRateWindow(dailyCap, hourlyCap, startHour, endHour int) *RateWindow {
	return &RateWindow{
		dailyCap:  dailyCap,
		hourlyCap: hourlyCap,
		startHour: startHour,
		endHour:   endHour,
	}
}

// Retune applies new limits without touching the counter, so a config
// reload mid-day never forgets what was already sent.
func (w *RateWindow) Retune(dailyCap, hourlyCap, startHour, endHour int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dailyCap = dailyCap
	w.hourlyCap = hourlyCap
	w.startHour = startHour
	w.endHour = endHour
}

// Restore seeds the counter from a persisted value. Stale days are
// ignored so a restart after midnight starts from zero.
func (w *RateWindow) Restore(day string, sent int, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if day == "" || day != now.Format(dayLayout) {
		return
	}
	w.counterDate = day
	w.sentToday = sent
}

// Rollover resets the counter when the calendar date advanced past
// counterDate. It reports whether a reset happened.
func (w *RateWindow) Rollover(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	day := now.Format(dayLayout)
	if w.counterDate == day {
		return false
	}
	w.counterDate = day
	w.sentToday = 0
	return true
}

// InAllowedHours reports whether now falls inside [startHour, endHour).
func (w *RateWindow) InAllowedHours(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	h := now.Hour()
	return h >= w.startHour && h < w.endHour
}

// DailyExhausted reports whether the daily cap has been reached.
func (w *RateWindow) DailyExhausted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sentToday >= w.dailyCap
}

// HourlyCap is the per-cycle send budget.
func (w *RateWindow) HourlyCap() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hourlyCap
}

// RecordSuccess counts one confirmed send against today.
func (w *RateWindow) RecordSuccess() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sentToday++
}

// Counter returns the persisted view of the window.
func (w *RateWindow) Counter() (day string, sent int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counterDate, w.sentToday
}
