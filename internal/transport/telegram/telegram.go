// Package telegram implements the transport engine on top of the Telegram
// Bot API for instances that dispatch campaigns to Telegram chats instead of
// the browser-backed transport. Recipient addresses are numeric chat ids.
//
// Telegram needs no link challenge: the bot token authenticates directly, so
// Connect goes straight to ready.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"wspbot/internal/transport"
	logx "wspbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Engine struct {
	cfg Config
	log logx.Logger

	mu      sync.Mutex
	bot     *tele.Bot
	out     chan<- transport.Event
	started bool
	dead    bool
}

func New(cfg Config, log logx.Logger) (*Engine, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: token is empty")
	}
	return &Engine{cfg: cfg, log: log}, nil
}

func (e *Engine) Connect(ctx context.Context, out chan<- transport.Event) error {
	timeout := e.cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  e.cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("telegram: already connected")
	}
	e.bot = b
	e.out = out
	e.started = true
	e.mu.Unlock()

	b.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		e.emit(transport.Event{Kind: transport.EventInbound, Inbound: &transport.InboundMessage{
			From:   strconv.FormatInt(m.Sender.ID, 10),
			ChatID: strconv.FormatInt(m.Chat.ID, 10),
			Text:   m.Text,
			Kind:   "text",
			Group:  m.FromGroup(),
			Self:   m.Sender.IsBot,
		}})
		return nil
	})

	go b.Start()

	e.emit(transport.Event{Kind: transport.EventReady, LinkedID: b.Me.Username})
	return nil
}

func (e *Engine) SendText(ctx context.Context, to, text string) error {
	b, err := e.live()
	if err != nil {
		return err
	}
	id, err := chatID(to)
	if err != nil {
		return err
	}
	_, err = b.Send(id, text)
	return err
}

func (e *Engine) SendMedia(ctx context.Context, to, mediaURL, caption string) error {
	b, err := e.live()
	if err != nil {
		return err
	}
	id, err := chatID(to)
	if err != nil {
		return err
	}
	_, err = b.Send(id, &tele.Photo{File: tele.FromURL(mediaURL), Caption: caption})
	return err
}

// IsRegistered reports whether the chat is reachable for this bot.
// Telegram has no number lookup; an unresolvable chat id is the equivalent.
func (e *Engine) IsRegistered(ctx context.Context, to string) (bool, error) {
	b, err := e.live()
	if err != nil {
		return false, err
	}
	id, err := chatID(to)
	if err != nil {
		return false, nil
	}
	if _, err := b.ChatByID(int64(id)); err != nil {
		return false, nil
	}
	return true, nil
}

// Ping exercises the Bot API in a goroutine so callers keep their timeout
// even though telebot calls are not context-aware.
func (e *Engine) Ping(ctx context.Context) error {
	b, err := e.live()
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		_, err := b.Raw("getMe", nil)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (e *Engine) Destroy(ctx context.Context) error {
	e.mu.Lock()
	b := e.bot
	e.dead = true
	e.bot = nil
	e.mu.Unlock()
	if b == nil {
		return nil
	}
	stopped := make(chan struct{})
	go func() {
		b.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) live() (*tele.Bot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead || e.bot == nil {
		return nil, errors.New("telegram: engine is not running")
	}
	return e.bot, nil
}

func (e *Engine) emit(ev transport.Event) {
	e.mu.Lock()
	out := e.out
	dead := e.dead
	e.mu.Unlock()
	if out == nil || dead {
		return
	}
	select {
	case out <- ev:
	default:
		e.log.Warn("transport event dropped (consumer slow)", logx.String("kind", string(ev.Kind)))
	}
}

func chatID(to string) (tele.ChatID, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(to), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid chat id %q", to)
	}
	return tele.ChatID(n), nil
}
