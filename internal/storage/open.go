package storage

import (
	"context"
	"errors"
	"strings"

	logx "wspbot/pkg/logx"
)

// Store is the persistence API used by the dispatcher.
//
// RecordDelivery and Delivered let a restarted process skip recipients
// the bridge already saw confirmed. LoadCounter/SaveCounter persist the
// daily send counter across restarts so the cap survives a crash.
type Store interface {
	RecordDelivery(ctx context.Context, r DeliveryRecord) error
	Delivered(ctx context.Context, campaignID, recipientID string) (bool, error)
	LoadCounter(ctx context.Context) (day string, sent int, err error)
	SaveCounter(ctx context.Context, day string, sent int) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
