// Package inbound turns received messages into auto-replies. Each
// message is forwarded to the bridge, whose response decides whether
// and what to answer; when the bridge has no decision, a local intent
// classifier picks the reply.
package inbound

import (
	"context"
	"errors"
	"time"

	"wspbot/internal/bridge"
	"wspbot/internal/config"
	"wspbot/internal/intent"
	"wspbot/internal/transport"
	logx "wspbot/pkg/logx"
)

// Forwarder is the slice of the bridge client the handler needs.
type Forwarder interface {
	ForwardInbound(ctx context.Context, from, text, kind string) (*bridge.InboundReply, error)
}

// Sessions lends out the live engine handle for sending replies.
type Sessions interface {
	Handle() transport.Engine
}

type reply struct {
	text     string
	mediaURL string
}

// Handler processes one inbound message at a time. Errors are logged
// and swallowed; a broken auto-reply never disturbs the session.
type Handler struct {
	log        logx.Logger
	forwarder  Forwarder
	sessions   Sessions
	intents    []intent.Intent
	embeddings []intent.Embedding
	replies    map[string]reply
	timeout    time.Duration
}

func NewHandler(log logx.Logger, forwarder Forwarder, sessions Sessions, cfg config.InboundConfig) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Handler{
		log:       log,
		forwarder: forwarder,
		sessions:  sessions,
		replies:   map[string]reply{},
		timeout:   15 * time.Second,
	}
	for _, ic := range cfg.Intents {
		h.intents = append(h.intents, intent.Intent{
			Name:     ic.Name,
			Keywords: ic.Keywords,
			Priority: ic.Priority,
		})
		h.embeddings = append(h.embeddings, intent.Embedding{
			Name:   ic.Name,
			Vector: intent.IntentVector(ic.Keywords, ic.Samples...),
		})
		if ic.Reply != "" {
			h.replies[ic.Name] = reply{text: ic.Reply, mediaURL: ic.MediaURL}
		}
	}
	return h
}

// Handle processes one received message end to end. Group, status and
// own messages are ignored outright.
func (h *Handler) Handle(ctx context.Context, msg *transport.InboundMessage) {
	if msg == nil || msg.Group || msg.Status || msg.Self {
		return
	}
	from := transport.Digits(msg.From)
	if from == "" {
		return
	}
	if msg.Text == "" && msg.Kind == "text" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	r := h.decide(ctx, from, msg)
	if r == nil {
		return
	}

	eng := h.sessions.Handle()
	if eng == nil {
		h.log.Debug("session not usable, reply dropped", logx.String("from", from))
		return
	}
	if err := h.send(ctx, eng, msg.ChatID, *r); err != nil {
		h.log.Warn("auto-reply send failed", logx.String("from", from), logx.Err(err))
	}
}

// decide asks the bridge first and falls back to the local classifier
// when the bridge errs or returns no decision.
func (h *Handler) decide(ctx context.Context, from string, msg *transport.InboundMessage) *reply {
	if h.forwarder != nil {
		br, err := h.forwarder.ForwardInbound(ctx, from, msg.Text, msg.Kind)
		if err == nil && br != nil {
			if !br.Reply || br.Text == "" {
				return nil
			}
			return &reply{text: br.Text, mediaURL: br.MediaURL}
		}
		if err != nil && !errors.Is(err, bridge.ErrUnreachable) {
			h.log.Warn("inbound forward failed", logx.String("from", from), logx.Err(err))
			return nil
		}
		h.log.Debug("bridge unreachable, using local classifier", logx.String("from", from))
	}

	res := intent.Classify(msg.Text, h.intents, h.embeddings)
	r, ok := h.replies[res.Name]
	if !ok {
		return nil
	}
	h.log.Info("local intent matched",
		logx.String("intent", res.Name),
		logx.Int("level", res.Level))
	return &r
}

func (h *Handler) send(ctx context.Context, eng transport.Engine, chatID string, r reply) error {
	if r.mediaURL != "" {
		err := eng.SendMedia(ctx, chatID, r.mediaURL, r.text)
		if err == nil {
			return nil
		}
		// Fall back to text only.
		h.log.Warn("media reply failed, sending text",
			logx.String("media_url", r.mediaURL),
			logx.Err(err))
	}
	return eng.SendText(ctx, chatID, r.text)
}
