// Package bridge is the HTTP client for the upstream service that owns
// campaign data and receives delivery and session-state reports.
//
// Every call is bounded by the configured timeout. Cycle-level callers treat
// ErrUnreachable as a silent gate, not an error condition.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"wspbot/internal/session"
	logx "wspbot/pkg/logx"
)

// ErrUnreachable wraps transport-level failures talking to the bridge.
var ErrUnreachable = errors.New("bridge unreachable")

const tokenHeader = "X-Dispatch-Token"

type Config struct {
	BaseURL  string
	Token    string
	Instance string
	Timeout  time.Duration
	// ReportRatePerSec paces per-recipient outcome reports so a large batch
	// cannot hammer the bridge. <=0 disables pacing.
	ReportRatePerSec int
}

type Client struct {
	cfg     Config
	http    *http.Client
	log     logx.Logger
	limiter *rate.Limiter
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("bridge: base url is empty")
	}
	cfg.BaseURL = base
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	var lim *rate.Limiter
	if cfg.ReportRatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.ReportRatePerSec), cfg.ReportRatePerSec)
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: timeout},
		log:     log,
		limiter: lim,
	}, nil
}

// PendingCampaigns fetches the campaigns queued for this instance.
func (c *Client) PendingCampaigns(ctx context.Context) ([]Campaign, error) {
	q := url.Values{"instance": {c.cfg.Instance}}
	var out struct {
		Campaigns []Campaign `json:"campaigns"`
	}
	if err := c.get(ctx, "/api/dispatch/pending?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Campaigns, nil
}

// ReportOutcome reports one recipient's delivery result. Reports are paced by
// the configured limiter.
func (c *Client) ReportOutcome(ctx context.Context, campaignID, recipientID int64, outcome Outcome, detail string) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	body := map[string]any{
		"campaign_id":  campaignID,
		"recipient_id": recipientID,
		"outcome":      outcome,
	}
	if detail != "" {
		body["detail"] = detail
	}
	return c.post(ctx, "/api/dispatch/outcome", body, nil)
}

// ReportState pushes the session snapshot upstream and returns whether the
// operator requested a remote reset. Implements session.StateReporter.
func (c *Client) ReportState(ctx context.Context, snap session.Snapshot) (bool, error) {
	body := map[string]any{
		"instance": c.cfg.Instance,
		"state":    snap.State,
	}
	if snap.Challenge != "" {
		body["challenge"] = snap.Challenge
	}
	if snap.LinkedID != "" {
		body["linked_id"] = snap.LinkedID
	}
	var out struct {
		ResetRequested bool `json:"reset_requested"`
	}
	if err := c.post(ctx, "/api/dispatch/session", body, &out); err != nil {
		return false, err
	}
	return out.ResetRequested, nil
}

// ForwardInbound hands one inbound message to the bridge's reply engine.
func (c *Client) ForwardInbound(ctx context.Context, from, text, kind string) (*InboundReply, error) {
	body := map[string]any{
		"instance": c.cfg.Instance,
		"from":     from,
		"text":     text,
		"kind":     kind,
	}
	var out InboundReply
	if err := c.post(ctx, "/api/inbound/message", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set(tokenHeader, c.cfg.Token)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Read a short prefix for the log line; bodies are untrusted.
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("bridge: %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("bridge: decode %s: %w", req.URL.Path, err)
	}
	return nil
}
