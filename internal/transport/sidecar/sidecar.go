// Package sidecar drives the browser-backed messaging engine as a child
// process speaking newline-delimited JSON over stdin/stdout.
//
// The engine owns the wire protocol; this driver only shuttles commands,
// matches responses by id, and forwards engine events. Credentials live
// under the per-instance auth dir handed to the engine via environment.
package sidecar

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"wspbot/internal/transport"
	logx "wspbot/pkg/logx"
)

type Config struct {
	Command    string
	Args       []string
	AuthDir    string
	InstanceID string
}

// command is one request line written to the engine's stdin.
type command struct {
	Op       string `json:"op"`
	ID       uint64 `json:"id"`
	To       string `json:"to,omitempty"`
	Text     string `json:"text,omitempty"`
	MediaURL string `json:"media_url,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// line is one stdout line from the engine: either a response (ID != 0)
// or an event (Event != "").
type line struct {
	ID         uint64 `json:"id,omitempty"`
	OK         bool   `json:"ok,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Registered bool   `json:"registered,omitempty"`

	Event    string `json:"event,omitempty"`
	Payload  string `json:"payload,omitempty"`
	LinkedID string `json:"linked_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
	From     string `json:"from,omitempty"`
	ChatID   string `json:"chat_id,omitempty"`
	Text     string `json:"text,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Group    bool   `json:"group,omitempty"`
	Status   bool   `json:"status,omitempty"`
	Self     bool   `json:"self,omitempty"`
}

var errEngineDead = errors.New("sidecar: engine process is not running")

type Engine struct {
	cfg Config
	log logx.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	dead    bool
	exited  chan struct{}
	out     chan<- transport.Event
	pending map[uint64]chan line

	seq atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Engine, error) {
	if cfg.Command == "" {
		return nil, errors.New("sidecar: command is empty")
	}
	return &Engine{
		cfg:     cfg,
		log:     log,
		pending: map[uint64]chan line{},
		exited:  make(chan struct{}),
	}, nil
}

func (e *Engine) Connect(ctx context.Context, out chan<- transport.Event) error {
	e.mu.Lock()
	if e.cmd != nil {
		e.mu.Unlock()
		return errors.New("sidecar: already connected")
	}
	cmd := exec.Command(e.cfg.Command, e.cfg.Args...)
	cmd.Env = append(cmd.Environ(),
		"WSP_AUTH_DIR="+e.cfg.AuthDir,
		"WSP_INSTANCE="+e.cfg.InstanceID,
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		e.mu.Unlock()
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if err := cmd.Start(); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("sidecar: start %s: %w", e.cfg.Command, err)
	}
	e.cmd = cmd
	e.stdin = stdin
	e.out = out
	e.mu.Unlock()

	go e.readLoop(stdout)
	go e.waitExit()

	// The engine acks the connect command once its runtime is up; the
	// ready/challenge events follow asynchronously.
	if _, err := e.request(ctx, command{Op: "connect"}); err != nil {
		_ = e.Destroy(context.Background())
		return err
	}
	return nil
}

func (e *Engine) SendText(ctx context.Context, to, text string) error {
	resp, err := e.request(ctx, command{Op: "send_text", To: chatAddress(to), Text: text})
	if err != nil {
		return err
	}
	if !resp.OK {
		return errors.New(respDetail(resp, "send_text failed"))
	}
	return nil
}

func (e *Engine) SendMedia(ctx context.Context, to, mediaURL, caption string) error {
	resp, err := e.request(ctx, command{Op: "send_media", To: chatAddress(to), MediaURL: mediaURL, Caption: caption})
	if err != nil {
		return err
	}
	if !resp.OK {
		return errors.New(respDetail(resp, "send_media failed"))
	}
	return nil
}

func (e *Engine) IsRegistered(ctx context.Context, to string) (bool, error) {
	resp, err := e.request(ctx, command{Op: "is_registered", To: chatAddress(to)})
	if err != nil {
		return false, err
	}
	if !resp.OK {
		return false, errors.New(respDetail(resp, "is_registered failed"))
	}
	return resp.Registered, nil
}

func (e *Engine) Ping(ctx context.Context) error {
	resp, err := e.request(ctx, command{Op: "ping"})
	if err != nil {
		return err
	}
	if !resp.OK {
		return errors.New(respDetail(resp, "ping failed"))
	}
	return nil
}

// Destroy asks the engine to shut down and kills it if it lingers past ctx.
func (e *Engine) Destroy(ctx context.Context) error {
	e.mu.Lock()
	cmd := e.cmd
	stdin := e.stdin
	exited := e.exited
	e.dead = true
	e.mu.Unlock()

	if cmd == nil {
		return nil
	}

	// Best-effort graceful stop; the engine flushes its session store on it.
	if stdin != nil {
		b, _ := json.Marshal(command{Op: "destroy", ID: e.seq.Add(1)})
		_, _ = stdin.Write(append(b, '\n'))
	}

	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return fmt.Errorf("sidecar: destroy timed out, killed pid %d", cmd.Process.Pid)
	}
}

func (e *Engine) request(ctx context.Context, c command) (line, error) {
	c.ID = e.seq.Add(1)
	ch := make(chan line, 1)

	e.mu.Lock()
	if e.dead || e.stdin == nil {
		e.mu.Unlock()
		return line{}, errEngineDead
	}
	e.pending[c.ID] = ch
	stdin := e.stdin
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.pending, c.ID)
		e.mu.Unlock()
	}()

	b, err := json.Marshal(c)
	if err != nil {
		return line{}, err
	}
	if _, err := stdin.Write(append(b, '\n')); err != nil {
		return line{}, fmt.Errorf("sidecar: write %s: %w", c.Op, err)
	}

	select {
	case <-ctx.Done():
		return line{}, ctx.Err()
	case <-e.exited:
		return line{}, errEngineDead
	case resp := <-ch:
		return resp, nil
	}
}

func (e *Engine) readLoop(stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			// Engines log freely on stdout during bring-up; ignore non-protocol lines.
			e.log.Trace("sidecar non-protocol output", logx.String("line", string(raw[:min(len(raw), 200)])))
			continue
		}
		if l.ID != 0 && l.Event == "" {
			e.mu.Lock()
			ch := e.pending[l.ID]
			e.mu.Unlock()
			if ch != nil {
				ch <- l
			}
			continue
		}
		if ev, ok := e.toEvent(l); ok {
			e.emit(ev)
		}
	}
}

func (e *Engine) toEvent(l line) (transport.Event, bool) {
	switch l.Event {
	case "qr":
		return transport.Event{Kind: transport.EventChallenge, Challenge: l.Payload}, true
	case "ready":
		return transport.Event{Kind: transport.EventReady, LinkedID: l.LinkedID}, true
	case "disconnected":
		return transport.Event{Kind: transport.EventDisconnected, Reason: l.Reason}, true
	case "auth_failure":
		return transport.Event{Kind: transport.EventAuthFailure, Reason: l.Reason}, true
	case "message":
		return transport.Event{Kind: transport.EventInbound, Inbound: &transport.InboundMessage{
			From:   transport.Digits(l.From),
			ChatID: l.ChatID,
			Text:   l.Text,
			Kind:   l.Kind,
			Group:  l.Group,
			Status: l.Status,
			Self:   l.Self,
		}}, true
	default:
		e.log.Debug("sidecar unknown event", logx.String("event", l.Event))
		return transport.Event{}, false
	}
}

func (e *Engine) emit(ev transport.Event) {
	e.mu.Lock()
	out := e.out
	dead := e.dead
	e.mu.Unlock()
	if out == nil || dead {
		return
	}
	// Never block the engine reader on a slow consumer.
	select {
	case out <- ev:
	default:
		e.log.Warn("transport event dropped (consumer slow)", logx.String("kind", string(ev.Kind)))
	}
}

func (e *Engine) waitExit() {
	e.mu.Lock()
	cmd := e.cmd
	e.mu.Unlock()
	if cmd == nil {
		return
	}
	err := cmd.Wait()

	e.mu.Lock()
	wasDestroyed := e.dead
	e.dead = true
	e.mu.Unlock()
	close(e.exited)

	if !wasDestroyed {
		reason := "engine exited"
		if err != nil {
			reason = fmt.Sprintf("engine exited: %v", err)
		}
		e.emitExit(transport.Event{Kind: transport.EventDisconnected, Reason: reason})
	}
}

// emitExit bypasses the dead check so the final disconnect is still delivered.
func (e *Engine) emitExit(ev transport.Event) {
	e.mu.Lock()
	out := e.out
	e.mu.Unlock()
	if out == nil {
		return
	}
	select {
	case out <- ev:
	case <-time.After(time.Second):
	}
}

// chatAddress builds the engine's wire address from a phone number.
func chatAddress(to string) string {
	d := transport.Digits(to)
	if d == "" {
		return to
	}
	return d + "@c.us"
}

func respDetail(l line, fallback string) string {
	if l.Detail != "" {
		return l.Detail
	}
	return fallback
}
