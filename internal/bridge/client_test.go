package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"wspbot/internal/session"
	logx "wspbot/pkg/logx"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{
		BaseURL:  srv.URL,
		Token:    "secret",
		Instance: "wsp-clientes",
	}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, srv
}

func TestPendingCampaigns(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/dispatch/pending" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("instance"); got != "wsp-clientes" {
			t.Errorf("instance = %q", got)
		}
		if got := r.Header.Get("X-Dispatch-Token"); got != "secret" {
			t.Errorf("token header = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"campaigns": []Campaign{
				{ID: 7, Message: "Hola {{nombre}}", Recipients: []Recipient{
					{ID: 1, Phone: "50511112222", Name: "Ana"},
				}},
			},
		})
	}))

	got, err := c.PendingCampaigns(context.Background())
	if err != nil {
		t.Fatalf("PendingCampaigns: %v", err)
	}
	if len(got) != 1 || got[0].ID != 7 || len(got[0].Recipients) != 1 {
		t.Fatalf("campaigns = %+v", got)
	}
}

func TestReportStateReturnsResetFlag(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["state"] != "connected" {
			t.Errorf("state = %v", body["state"])
		}
		if body["instance"] != "wsp-clientes" {
			t.Errorf("instance = %v", body["instance"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"reset_requested": true})
	}))

	reset, err := c.ReportState(context.Background(), session.Snapshot{
		State:    session.StateConnected,
		LinkedID: "50588888888",
	})
	if err != nil {
		t.Fatalf("ReportState: %v", err)
	}
	if !reset {
		t.Fatal("reset flag lost")
	}
}

func TestUnreachableBridgeWrapsSentinel(t *testing.T) {
	t.Parallel()
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := c.PendingCampaigns(context.Background())
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}
}

func TestNon2xxIsAnErrorButNotUnreachable(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))

	err := c.ReportOutcome(context.Background(), 1, 2, OutcomeSuccess, "")
	if err == nil {
		t.Fatal("403 must surface as an error")
	}
	if errors.Is(err, ErrUnreachable) {
		t.Fatal("an HTTP status is not transport unreachability")
	}
}

func TestForwardInbound(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/inbound/message" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(InboundReply{Reply: true, Text: "Buenas!"})
	}))

	got, err := c.ForwardInbound(context.Background(), "50511112222", "hola", "text")
	if err != nil {
		t.Fatalf("ForwardInbound: %v", err)
	}
	if !got.Reply || got.Text != "Buenas!" {
		t.Fatalf("reply = %+v", got)
	}
}
