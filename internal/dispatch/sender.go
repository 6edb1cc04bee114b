package dispatch

import (
	"context"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"wspbot/internal/bridge"
	"wspbot/internal/transport"
	logx "wspbot/pkg/logx"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// RenderTemplate substitutes {{placeholder}} tokens with recipient
// values. Unresolved placeholders render as the empty string, never as
// the literal token.
func RenderTemplate(tpl string, r bridge.Recipient) string {
	return placeholderRe.ReplaceAllStringFunc(tpl, func(tok string) string {
		key := strings.TrimSpace(strings.Trim(tok, "{}"))
		if v, ok := r.Vars[key]; ok {
			return v
		}
		switch strings.ToLower(key) {
		case "name", "nombre":
			return r.Name
		case "phone", "telefono":
			return r.Phone
		}
		return ""
	})
}

// ReportFunc is the caller-supplied outcome side effect. Counting a
// success against the rate window belongs to the caller, not the
// sender.
type ReportFunc func(ctx context.Context, recipient bridge.Recipient, outcome bridge.Outcome, detail string)

// Sender delivers one campaign batch strictly sequentially, sleeping a
// uniform random delay between consecutive attempts. The delay is the
// anti-ban throttle and runs even after a failed send.
type Sender struct {
	log logx.Logger

	mu       sync.Mutex
	delayMin time.Duration
	delayMax time.Duration

	// sleep and jitter are swappable in tests.
	sleep  func(ctx context.Context, d time.Duration)
	jitter func(min, max time.Duration) time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewSender(log logx.Logger, delayMin, delayMax time.Duration) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sender{
		log:      log,
		delayMin: delayMin,
		delayMax: delayMax,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.sleep = func(ctx context.Context, d time.Duration) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
	s.jitter = s.uniform
	return s
}

// SetDelays retunes the anti-ban delay range. A batch already sleeping
// picks up the new range on its next gap.
func (s *Sender) SetDelays(min, max time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delayMin = min
	s.delayMax = max
}

func (s *Sender) delays() (min, max time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delayMin, s.delayMax
}

func (s *Sender) uniform(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return min + time.Duration(s.rng.Int63n(int64(max-min)))
}

// SendBatch attempts every recipient exactly once, in input order, and
// returns the number of successful sends. One recipient's failure never
// aborts the batch; only context cancellation does.
func (s *Sender) SendBatch(ctx context.Context, eng transport.Engine, c bridge.Campaign, recipients []bridge.Recipient, report ReportFunc) int {
	successes := 0
	for i, r := range recipients {
		if ctx.Err() != nil {
			return successes
		}

		outcome, detail := s.sendOne(ctx, eng, c, r)
		if outcome == bridge.OutcomeSuccess {
			successes++
		} else {
			s.log.Warn("send failed",
				logx.Int64("campaign", c.ID),
				logx.Int64("recipient", r.ID),
				logx.String("detail", detail))
		}
		if report != nil {
			report(ctx, r, outcome, detail)
		}

		if i < len(recipients)-1 {
			min, max := s.delays()
			s.sleep(ctx, s.jitter(min, max))
		}
	}
	return successes
}

func (s *Sender) sendOne(ctx context.Context, eng transport.Engine, c bridge.Campaign, r bridge.Recipient) (bridge.Outcome, string) {
	text := RenderTemplate(c.Message, r)

	ok, err := eng.IsRegistered(ctx, r.Phone)
	if err != nil {
		return bridge.OutcomeFailure, "registration check: " + err.Error()
	}
	if !ok {
		return bridge.OutcomeFailure, "not registered"
	}

	if c.MediaURL != "" {
		err = eng.SendMedia(ctx, r.Phone, c.MediaURL, text)
	} else {
		err = eng.SendText(ctx, r.Phone, text)
	}
	if err != nil {
		return bridge.OutcomeFailure, err.Error()
	}
	return bridge.OutcomeSuccess, ""
}
