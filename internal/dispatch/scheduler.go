package dispatch

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"wspbot/internal/bridge"
	"wspbot/internal/storage"
	"wspbot/internal/transport"
	logx "wspbot/pkg/logx"
)

// CampaignSource is the slice of the bridge client the scheduler needs.
type CampaignSource interface {
	PendingCampaigns(ctx context.Context) ([]bridge.Campaign, error)
	ReportOutcome(ctx context.Context, campaignID, recipientID int64, outcome bridge.Outcome, detail string) error
}

// SessionSource lends out the live engine handle. The scheduler borrows
// it for one cycle and never caches it across ticks.
type SessionSource interface {
	Handle() transport.Engine
}

// Scheduler runs the periodic campaign cycle. A single reentrancy flag
// guards it: a tick that arrives while the previous cycle is still
// running is skipped outright, never queued.
//
// Gates run in order: fetch campaigns, usable session, daily rollover,
// allowed hours, daily cap. The hourly cap is a cumulative budget for
// the whole cycle: each campaign is clipped to whatever budget remains,
// so several campaigns in one cycle cannot exceed it together.
type Scheduler struct {
	log      logx.Logger
	source   CampaignSource
	sessions SessionSource
	window   *RateWindow
	sender   *Sender
	ledger   storage.Store // nil when the ledger is disabled

	running atomic.Bool
	now     func() time.Time
}

func NewScheduler(log logx.Logger, source CampaignSource, sessions SessionSource, window *RateWindow, sender *Sender, ledger storage.Store) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		log:      log,
		source:   source,
		sessions: sessions,
		window:   window,
		sender:   sender,
		ledger:   ledger,
		now:      time.Now,
	}
}

// RunCycle executes one dispatch cycle. Cycle-level errors are logged
// and swallowed; they never escalate and never touch the rate window.
func (s *Scheduler) RunCycle(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Debug("cycle still running, tick skipped")
		return
	}
	defer s.running.Store(false)

	campaigns, err := s.source.PendingCampaigns(ctx)
	if err != nil {
		s.log.Warn("pending campaigns fetch failed", logx.Err(err))
		return
	}
	if len(campaigns) == 0 {
		return
	}

	eng := s.sessions.Handle()
	if eng == nil {
		s.log.Debug("session not usable, cycle ended")
		return
	}

	now := s.now()
	if s.window.Rollover(now) {
		s.persistCounter(ctx)
	}
	if !s.window.InAllowedHours(now) {
		s.log.Debug("outside allowed hours", logx.Int("hour", now.Hour()))
		return
	}
	if s.window.DailyExhausted() {
		s.log.Info("daily cap reached, cycle ended")
		return
	}

	budget := s.window.HourlyCap()
	for _, c := range campaigns {
		if budget <= 0 {
			break
		}
		recipients := s.pendingRecipients(ctx, c)
		if len(recipients) == 0 {
			continue
		}
		if len(recipients) > budget {
			recipients = recipients[:budget]
		}

		s.log.Info("dispatching batch",
			logx.Int64("campaign", c.ID),
			logx.Int("recipients", len(recipients)))

		s.sender.SendBatch(ctx, eng, c, recipients, s.reporter(c.ID))
		budget -= len(recipients)
		s.persistCounter(ctx)
	}
}

// pendingRecipients drops recipients the ledger already saw confirmed,
// so a restarted process never re-sends them.
func (s *Scheduler) pendingRecipients(ctx context.Context, c bridge.Campaign) []bridge.Recipient {
	if s.ledger == nil {
		return c.Recipients
	}
	out := make([]bridge.Recipient, 0, len(c.Recipients))
	cid := strconv.FormatInt(c.ID, 10)
	for _, r := range c.Recipients {
		done, err := s.ledger.Delivered(ctx, cid, strconv.FormatInt(r.ID, 10))
		if err != nil {
			s.log.Debug("ledger lookup failed", logx.Err(err))
			done = false
		}
		if !done {
			out = append(out, r)
		}
	}
	return out
}

func (s *Scheduler) reporter(campaignID int64) ReportFunc {
	return func(ctx context.Context, r bridge.Recipient, outcome bridge.Outcome, detail string) {
		if outcome == bridge.OutcomeSuccess {
			s.window.RecordSuccess()
		}
		if err := s.source.ReportOutcome(ctx, campaignID, r.ID, outcome, detail); err != nil {
			s.log.Warn("outcome report failed",
				logx.Int64("campaign", campaignID),
				logx.Int64("recipient", r.ID),
				logx.Err(err))
		}
		if s.ledger != nil {
			rec := storage.DeliveryRecord{
				CampaignID:  strconv.FormatInt(campaignID, 10),
				RecipientID: strconv.FormatInt(r.ID, 10),
				Outcome:     string(outcome),
				Error:       detail,
				At:          s.now(),
			}
			if err := s.ledger.RecordDelivery(ctx, rec); err != nil {
				s.log.Debug("ledger write failed", logx.Err(err))
			}
		}
	}
}

func (s *Scheduler) persistCounter(ctx context.Context) {
	if s.ledger == nil {
		return
	}
	day, sent := s.window.Counter()
	if day == "" {
		return
	}
	if err := s.ledger.SaveCounter(ctx, day, sent); err != nil {
		s.log.Debug("counter persist failed", logx.Err(err))
	}
}
