package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "wspbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) RecordDelivery(ctx context.Context, r DeliveryRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.CampaignID == "" || r.RecipientID == "" {
		return nil
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery(campaign_id, recipient_id, outcome, err, at) VALUES(?,?,?,?,?)
		 ON CONFLICT(campaign_id, recipient_id) DO UPDATE SET outcome=excluded.outcome, err=excluded.err, at=excluded.at`,
		r.CampaignID, r.RecipientID, r.Outcome, nullStr(r.Error), r.At.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) Delivered(ctx context.Context, campaignID, recipientID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	if campaignID == "" || recipientID == "" {
		return false, nil
	}
	var outcome string
	err := s.db.QueryRowContext(ctx,
		`SELECT outcome FROM delivery WHERE campaign_id = ? AND recipient_id = ?`,
		campaignID, recipientID).Scan(&outcome)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return outcome == "success", nil
}

func (s *sqliteStore) LoadCounter(ctx context.Context) (string, int, error) {
	if s == nil || s.db == nil {
		return "", 0, ErrDisabled
	}
	var day string
	var sent int
	err := s.db.QueryRowContext(ctx, `SELECT day, sent FROM day_counter WHERE id = 1`).Scan(&day, &sent)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	return day, sent, nil
}

func (s *sqliteStore) SaveCounter(ctx context.Context, day string, sent int) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO day_counter(id, day, sent) VALUES(1,?,?)
		 ON CONFLICT(id) DO UPDATE SET day=excluded.day, sent=excluded.sent`,
		day, sent,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
