package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the delivery ledger.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DeliveryRecord is one recipient outcome within a campaign.
// Keep it compact and schema-stable.
type DeliveryRecord struct {
	CampaignID  string
	RecipientID string
	Outcome     string // "success" | "failure"
	Error       string
	At          time.Time
}
