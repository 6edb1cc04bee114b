package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "wspbot/pkg/logx"
)

func testDrivers(t *testing.T) map[string]Config {
	t.Helper()
	return map[string]Config{
		"file":   {Driver: "file", Path: filepath.Join(t.TempDir(), "ledger.db")},
		"sqlite": {Driver: "sqlite", Path: filepath.Join(t.TempDir(), "ledger.db"), BusyTimeout: time.Second},
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q): %v", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q) = %v, want nil store", driver, st)
		}
	}
	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver must error")
	}
}

func TestDeliveryRoundtrip(t *testing.T) {
	t.Parallel()
	for name, cfg := range testDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer st.Close()

			ok, err := st.Delivered(ctx, "c1", "r1")
			if err != nil || ok {
				t.Fatalf("Delivered before write = (%v, %v)", ok, err)
			}

			err = st.RecordDelivery(ctx, DeliveryRecord{
				CampaignID: "c1", RecipientID: "r1", Outcome: "success",
			})
			if err != nil {
				t.Fatalf("RecordDelivery: %v", err)
			}
			err = st.RecordDelivery(ctx, DeliveryRecord{
				CampaignID: "c1", RecipientID: "r2", Outcome: "failure", Error: "not registered",
			})
			if err != nil {
				t.Fatalf("RecordDelivery: %v", err)
			}

			if ok, _ := st.Delivered(ctx, "c1", "r1"); !ok {
				t.Fatal("confirmed recipient must read back delivered")
			}
			// Failures are recorded but do not count as delivered.
			if ok, _ := st.Delivered(ctx, "c1", "r2"); ok {
				t.Fatal("failed recipient must not read back delivered")
			}
			if ok, _ := st.Delivered(ctx, "c2", "r1"); ok {
				t.Fatal("dedupe identity is (campaign, recipient)")
			}

			// Re-recording upgrades the outcome in place.
			err = st.RecordDelivery(ctx, DeliveryRecord{
				CampaignID: "c1", RecipientID: "r2", Outcome: "success",
			})
			if err != nil {
				t.Fatalf("RecordDelivery upsert: %v", err)
			}
			if ok, _ := st.Delivered(ctx, "c1", "r2"); !ok {
				t.Fatal("upsert to success must read back delivered")
			}
		})
	}
}

func TestCounterRoundtrip(t *testing.T) {
	t.Parallel()
	for name, cfg := range testDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer st.Close()

			day, sent, err := st.LoadCounter(ctx)
			if err != nil || day != "" || sent != 0 {
				t.Fatalf("empty counter = (%q, %d, %v)", day, sent, err)
			}

			if err := st.SaveCounter(ctx, "2026-03-01", 42); err != nil {
				t.Fatalf("SaveCounter: %v", err)
			}
			if err := st.SaveCounter(ctx, "2026-03-01", 43); err != nil {
				t.Fatalf("SaveCounter overwrite: %v", err)
			}

			day, sent, err = st.LoadCounter(ctx)
			if err != nil {
				t.Fatalf("LoadCounter: %v", err)
			}
			if day != "2026-03-01" || sent != 43 {
				t.Fatalf("counter = (%q, %d), want (2026-03-01, 43)", day, sent)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "ledger.db")}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.RecordDelivery(ctx, DeliveryRecord{CampaignID: "c1", RecipientID: "r1", Outcome: "success"}); err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}
	if err := st.SaveCounter(ctx, "2026-03-01", 7); err != nil {
		t.Fatalf("SaveCounter: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()

	if ok, _ := st.Delivered(ctx, "c1", "r1"); !ok {
		t.Fatal("journal replay lost a delivery")
	}
	day, sent, _ := st.LoadCounter(ctx)
	if day != "2026-03-01" || sent != 7 {
		t.Fatalf("counter after reopen = (%q, %d)", day, sent)
	}
}
