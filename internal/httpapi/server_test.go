package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"wspbot/internal/session"
	"wspbot/internal/transport"
	logx "wspbot/pkg/logx"
)

type stubEngine struct {
	sendErr error
	sent    atomic.Int32
}

func (e *stubEngine) Connect(ctx context.Context, out chan<- transport.Event) error { return nil }
func (e *stubEngine) SendText(ctx context.Context, to, text string) error {
	e.sent.Add(1)
	return e.sendErr
}
func (e *stubEngine) SendMedia(ctx context.Context, to, mediaURL, caption string) error { return nil }
func (e *stubEngine) IsRegistered(ctx context.Context, to string) (bool, error)         { return true, nil }
func (e *stubEngine) Ping(ctx context.Context) error                                    { return nil }
func (e *stubEngine) Destroy(ctx context.Context) error                                 { return nil }

type stubSessions struct {
	snap   session.Snapshot
	eng    transport.Engine
	resets atomic.Int32
}

func (s *stubSessions) State() session.State       { return s.snap.State }
func (s *stubSessions) Snapshot() session.Snapshot { return s.snap }
func (s *stubSessions) Handle() transport.Engine   { return s.eng }
func (s *stubSessions) Reset(ctx context.Context)  { s.resets.Add(1) }

func newTestServer(t *testing.T, sessions Sessions, token string) *httptest.Server {
	t.Helper()
	s := New(logx.Nop(), Config{Token: token, Service: "wsp-clientes"}, sessions)
	srv := httptest.NewServer(s.router())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body
}

func postJSON(t *testing.T, url, token, payload string) (int, map[string]any) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, url, strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Auth-Token", token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body
}

func TestHealth(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &stubSessions{}, "")
	code, body := getJSON(t, srv.URL+"/health")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["status"] != "ok" || body["serviceName"] != "wsp-clientes" {
		t.Fatalf("body = %v", body)
	}
}

func TestStatusAndQR(t *testing.T) {
	t.Parallel()
	sessions := &stubSessions{snap: session.Snapshot{
		State:     session.StateQRPending,
		Challenge: "qr-blob",
	}}
	srv := newTestServer(t, sessions, "")

	code, body := getJSON(t, srv.URL+"/status")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["state"] != "qr_pending" || body["challengeAvailable"] != true {
		t.Fatalf("body = %v", body)
	}

	_, body = getJSON(t, srv.URL+"/qr")
	if body["challenge"] != "qr-blob" {
		t.Fatalf("qr body = %v", body)
	}

	sessions.snap = session.Snapshot{State: session.StateConnected}
	_, body = getJSON(t, srv.URL+"/qr")
	if body["challenge"] != nil {
		t.Fatalf("qr without challenge = %v", body)
	}
}

func TestSendRequiresUsableSession(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &stubSessions{}, "")
	code, body := postJSON(t, srv.URL+"/send", "", `{"to":"505","message":"hi"}`)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if body["error"] == "" {
		t.Fatal("error body missing")
	}
}

func TestSendHappyPathAndFailure(t *testing.T) {
	t.Parallel()
	eng := &stubEngine{}
	sessions := &stubSessions{eng: eng, snap: session.Snapshot{State: session.StateConnected}}
	srv := newTestServer(t, sessions, "")

	code, _ := postJSON(t, srv.URL+"/send", "", `{"to":"505","message":"hi"}`)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if eng.sent.Load() != 1 {
		t.Fatalf("engine sent %d, want 1", eng.sent.Load())
	}

	eng.sendErr = errors.New("engine hiccup")
	code, _ = postJSON(t, srv.URL+"/send", "", `{"to":"505","message":"hi"}`)
	if code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", code)
	}

	code, _ = postJSON(t, srv.URL+"/send", "", `{"to":"505"}`)
	if code != http.StatusBadRequest {
		t.Fatalf("missing message: status = %d, want 400", code)
	}
}

func TestTokenGuard(t *testing.T) {
	t.Parallel()
	sessions := &stubSessions{}
	srv := newTestServer(t, sessions, "hunter2")

	code, _ := postJSON(t, srv.URL+"/reset", "", `{}`)
	if code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", code)
	}
	code, _ = postJSON(t, srv.URL+"/reset", "wrong", `{}`)
	if code != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d, want 401", code)
	}

	code, body := postJSON(t, srv.URL+"/reset", "hunter2", `{}`)
	if code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", code)
	}
	if body["ack"] != true {
		t.Fatalf("body = %v", body)
	}

	// The guard never covers the read-only endpoints.
	if code, _ := getJSON(t, srv.URL+"/status"); code != http.StatusOK {
		t.Fatalf("status without token = %d", code)
	}
}
