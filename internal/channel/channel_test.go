package channel

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"relaybot/internal/config"
	"relaybot/internal/domain"
)

type fakeBus struct {
	published chan domain.InboundRequest
	handlers  map[string]func([]domain.FormattedResponse)
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		published: make(chan domain.InboundRequest, 10),
		handlers:  make(map[string]func([]domain.FormattedResponse)),
	}
}

func (b *fakeBus) Publish(req domain.InboundRequest)       { b.published <- req }
func (b *fakeBus) Subscribe() <-chan domain.InboundRequest { return b.published }
func (b *fakeBus) Close()                                  {}
func (b *fakeBus) Deliver(name string, rs []domain.FormattedResponse) {
	if h, ok := b.handlers[name]; ok {
		h(rs)
	}
}
func (b *fakeBus) OnDeliver(name string, h func([]domain.FormattedResponse)) {
	b.handlers[name] = h
}

func TestCLI_PublishesInput(t *testing.T) {
	in := strings.NewReader("hello world\n/quit\n")
	var out strings.Builder
	cli := NewCLI(CLIOptions{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		In:     in,
		Out:    &out,
	})
	bus := newFakeBus()

	done := make(chan error, 1)
	go func() { done <- cli.Start(context.Background(), bus) }()

	select {
	case req := <-bus.published:
		if req.Text != "hello world" || req.Channel != "cli" {
			t.Fatalf("unexpected request: %+v", req)
		}
	case <-time.After(time.Second):
		t.Fatal("input never published")
	}
	if err := <-done; err != nil {
		t.Fatalf("start: %v", err)
	}
}

func TestCLI_PrintsDeliveredParts(t *testing.T) {
	var out strings.Builder
	cli := NewCLI(CLIOptions{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		In:     strings.NewReader("/quit\n"),
		Out:    &out,
	})
	bus := newFakeBus()

	done := make(chan error, 1)
	go func() { done <- cli.Start(context.Background(), bus) }()
	<-done

	bus.Deliver("cli", []domain.FormattedResponse{
		{Text: "first half", PartIndex: 1, PartTotal: 2},
		{Text: "second half", PartIndex: 2, PartTotal: 2},
	})

	got := out.String()
	if !strings.Contains(got, "[1/2] first half") || !strings.Contains(got, "[2/2] second half") {
		t.Fatalf("split parts not printed: %q", got)
	}
}

func TestTelegram_AllowList(t *testing.T) {
	tg := NewTelegram(config.TelegramConfig{AllowFrom: []string{"42", " 99 "}}, nil)
	if !tg.isAllowed(42) || !tg.isAllowed(99) {
		t.Fatal("listed users must be allowed")
	}
	if tg.isAllowed(7) {
		t.Fatal("unlisted user must be rejected")
	}

	open := NewTelegram(config.TelegramConfig{}, nil)
	if !open.isAllowed(7) {
		t.Fatal("empty allow list admits everyone")
	}
}

func TestExtractMedia(t *testing.T) {
	photo := &tgbotapi.Message{
		Photo:   []tgbotapi.PhotoSize{{FileSize: 100}, {FileSize: 5000}},
		Caption: "look at this",
	}
	m := extractMedia(photo)
	if m == nil || m.Kind != "photo" || m.SizeBytes != 5000 || m.Caption != "look at this" {
		t.Fatalf("photo media = %+v", m)
	}

	doc := &tgbotapi.Message{
		Document: &tgbotapi.Document{FileName: "report.pdf", MimeType: "application/pdf", FileSize: 1234},
	}
	m = extractMedia(doc)
	if m == nil || m.Kind != "document" || m.FileName != "report.pdf" {
		t.Fatalf("document media = %+v", m)
	}

	if extractMedia(&tgbotapi.Message{Text: "plain"}) != nil {
		t.Fatal("text message has no media")
	}
}
