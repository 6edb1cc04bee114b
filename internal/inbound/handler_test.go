package inbound

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"wspbot/internal/bridge"
	"wspbot/internal/config"
	"wspbot/internal/transport"
	logx "wspbot/pkg/logx"
)

type replyEngine struct {
	mu       sync.Mutex
	texts    []string
	medias   []string
	mediaErr error
}

func (e *replyEngine) Connect(ctx context.Context, out chan<- transport.Event) error { return nil }

func (e *replyEngine) SendText(ctx context.Context, to, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.texts = append(e.texts, fmt.Sprintf("%s|%s", to, text))
	return nil
}

func (e *replyEngine) SendMedia(ctx context.Context, to, mediaURL, caption string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mediaErr != nil {
		return e.mediaErr
	}
	e.medias = append(e.medias, fmt.Sprintf("%s|%s|%s", to, mediaURL, caption))
	return nil
}

func (e *replyEngine) IsRegistered(ctx context.Context, to string) (bool, error) { return true, nil }
func (e *replyEngine) Ping(ctx context.Context) error                            { return nil }
func (e *replyEngine) Destroy(ctx context.Context) error                         { return nil }

type replySessions struct{ eng transport.Engine }

func (s *replySessions) Handle() transport.Engine { return s.eng }

type scriptedForwarder struct {
	mu    sync.Mutex
	reply *bridge.InboundReply
	err   error
	seen  []string
}

func (f *scriptedForwarder) ForwardInbound(ctx context.Context, from, text, kind string) (*bridge.InboundReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, from+"|"+text)
	return f.reply, f.err
}

func msg(text string) *transport.InboundMessage {
	return &transport.InboundMessage{
		From:   "50511112222@c.us",
		ChatID: "50511112222@c.us",
		Text:   text,
		Kind:   "text",
	}
}

func TestGroupStatusAndOwnMessagesIgnored(t *testing.T) {
	t.Parallel()
	fw := &scriptedForwarder{}
	h := NewHandler(logx.Nop(), fw, &replySessions{}, config.InboundConfig{Enabled: true})

	group := msg("hola")
	group.Group = true
	status := msg("hola")
	status.Status = true
	own := msg("hola")
	own.Self = true

	for _, m := range []*transport.InboundMessage{group, status, own, nil} {
		h.Handle(context.Background(), m)
	}
	if len(fw.seen) != 0 {
		t.Fatalf("forwarded %d ignored messages", len(fw.seen))
	}
}

func TestBridgeDecisionSendsReply(t *testing.T) {
	t.Parallel()
	fw := &scriptedForwarder{reply: &bridge.InboundReply{Reply: true, Text: "Buenas!"}}
	eng := &replyEngine{}
	h := NewHandler(logx.Nop(), fw, &replySessions{eng: eng}, config.InboundConfig{Enabled: true})

	h.Handle(context.Background(), msg("hola"))

	if len(fw.seen) != 1 || fw.seen[0] != "50511112222|hola" {
		t.Fatalf("forwarded = %v", fw.seen)
	}
	if len(eng.texts) != 1 {
		t.Fatalf("replies sent = %d, want 1", len(eng.texts))
	}
	if eng.texts[0] != "50511112222@c.us|Buenas!" {
		t.Fatalf("reply = %q", eng.texts[0])
	}
}

func TestBridgeDeclineSendsNothing(t *testing.T) {
	t.Parallel()
	fw := &scriptedForwarder{reply: &bridge.InboundReply{Reply: false}}
	eng := &replyEngine{}
	h := NewHandler(logx.Nop(), fw, &replySessions{eng: eng}, config.InboundConfig{Enabled: true})

	h.Handle(context.Background(), msg("hola"))
	if len(eng.texts) != 0 || len(eng.medias) != 0 {
		t.Fatal("declined message must not be answered")
	}
}

func TestMediaReplyFallsBackToText(t *testing.T) {
	t.Parallel()
	fw := &scriptedForwarder{reply: &bridge.InboundReply{
		Reply:    true,
		Text:     "mira la imagen",
		MediaURL: "https://x/img.png",
	}}
	eng := &replyEngine{mediaErr: errors.New("download failed")}
	h := NewHandler(logx.Nop(), fw, &replySessions{eng: eng}, config.InboundConfig{Enabled: true})

	h.Handle(context.Background(), msg("hola"))
	if len(eng.texts) != 1 {
		t.Fatalf("text fallback sends = %d, want 1", len(eng.texts))
	}

	eng2 := &replyEngine{}
	h2 := NewHandler(logx.Nop(), fw, &replySessions{eng: eng2}, config.InboundConfig{Enabled: true})
	h2.Handle(context.Background(), msg("hola"))
	if len(eng2.medias) != 1 || len(eng2.texts) != 0 {
		t.Fatalf("media=%d text=%d, want media only", len(eng2.medias), len(eng2.texts))
	}
}

func TestLocalClassifierAnswersWhenBridgeUnreachable(t *testing.T) {
	t.Parallel()
	fw := &scriptedForwarder{err: fmt.Errorf("%w: conn refused", bridge.ErrUnreachable)}
	eng := &replyEngine{}
	cfg := config.InboundConfig{
		Enabled: true,
		Intents: []config.IntentConfig{
			{Name: "precios", Keywords: "precio,costo", Priority: 2, Reply: "El plan cuesta C$500"},
			{Name: "horarios", Keywords: "horario,hora", Priority: 2, Reply: "Atendemos de 8 a 5"},
		},
	}
	h := NewHandler(logx.Nop(), fw, &replySessions{eng: eng}, cfg)

	h.Handle(context.Background(), msg("cual es el precio"))
	if len(eng.texts) != 1 {
		t.Fatalf("local replies = %d, want 1", len(eng.texts))
	}
	if eng.texts[0] != "50511112222@c.us|El plan cuesta C$500" {
		t.Fatalf("reply = %q", eng.texts[0])
	}

	// Unmatched text stays silent.
	h.Handle(context.Background(), msg("sdkfjhs skdjfh"))
	if len(eng.texts) != 1 {
		t.Fatal("noise must not produce a reply")
	}
}
