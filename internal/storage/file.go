package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "wspbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.delivery.snapshot.json (periodic snapshot)
//   - <prefix>.delivery.journal.jsonl (append-only journal)
//   - <prefix>.counter.json           (daily counter)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File
	counterPath  string

	deliveries map[string]deliveryRecord // key: campaignID + "\x00" + recipientID

	writes int
}

type deliveryRecord struct {
	Campaign  string `json:"campaign"`
	Recipient string `json:"recipient"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
	At        int64  `json:"at"` // unix milli
}

type counterRecord struct {
	Day  string `json:"day"`
	Sent int    `json:"sent"`
}

func deliveryKey(campaignID, recipientID string) string {
	return campaignID + "\x00" + recipientID
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".delivery.snapshot.json"
	journalPath := prefix + ".delivery.journal.jsonl"
	counterPath := prefix + ".counter.json"

	// Load deliveries from snapshot + journal.
	deliveries := map[string]deliveryRecord{}
	_ = loadDeliverySnapshot(snapPath, deliveries)
	_ = replayDeliveryJournal(journalPath, deliveries)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		counterPath:  counterPath,
		deliveries:   deliveries,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) RecordDelivery(ctx context.Context, r DeliveryRecord) error {
	_ = ctx
	if r.CampaignID == "" || r.RecipientID == "" {
		return nil
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	rec := deliveryRecord{
		Campaign:  r.CampaignID,
		Recipient: r.RecipientID,
		Outcome:   r.Outcome,
		Error:     r.Error,
		At:        r.At.UnixMilli(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("delivery journal closed")
	}
	if s.deliveries == nil {
		s.deliveries = map[string]deliveryRecord{}
	}
	s.deliveries[deliveryKey(r.CampaignID, r.RecipientID)] = rec

	enc := json.NewEncoder(s.journalFile)
	if err := enc.Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("delivery compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) Delivered(ctx context.Context, campaignID, recipientID string) (bool, error) {
	_ = ctx
	if campaignID == "" || recipientID == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.deliveries[deliveryKey(campaignID, recipientID)]
	if !ok {
		return false, nil
	}
	return rec.Outcome == "success", nil
}

func (s *fileStore) LoadCounter(ctx context.Context) (string, int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.counterPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, nil
		}
		return "", 0, err
	}
	defer f.Close()
	var c counterRecord
	if err := json.NewDecoder(f).Decode(&c); err != nil {
		return "", 0, nil
	}
	return c.Day, c.Sent, nil
}

func (s *fileStore) SaveCounter(ctx context.Context, day string, sent int) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := s.counterPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(counterRecord{Day: day, Sent: sent}); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.counterPath)
}

func (s *fileStore) compactLocked() error {
	if s.deliveries == nil {
		return nil
	}
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.deliveries); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadDeliverySnapshot(path string, out map[string]deliveryRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]deliveryRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDeliveryJournal(path string, out map[string]deliveryRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var r deliveryRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			continue
		}
		if r.Campaign == "" || r.Recipient == "" {
			continue
		}
		out[deliveryKey(r.Campaign, r.Recipient)] = r
	}
	return s.Err()
}
