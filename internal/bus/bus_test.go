package bus

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"relaybot/internal/domain"
)

func testBus(size int) *InMemoryBus {
	return New(size, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPublishSubscribe(t *testing.T) {
	b := testBus(10)
	defer b.Close()

	b.Publish(domain.InboundRequest{Channel: "telegram", ChatID: "c1", Text: "hi"})

	select {
	case req := <-b.Subscribe():
		if req.ChatID != "c1" || req.Text != "hi" {
			t.Fatalf("unexpected request: %+v", req)
		}
	case <-time.After(time.Second):
		t.Fatal("request never arrived")
	}
}

func TestDeliver_RoutesToHandler(t *testing.T) {
	b := testBus(10)
	defer b.Close()

	got := make(chan []domain.FormattedResponse, 1)
	b.OnDeliver("telegram", func(rs []domain.FormattedResponse) { got <- rs })

	b.Deliver("telegram", []domain.FormattedResponse{{Text: "part 1"}, {Text: "part 2"}})

	select {
	case rs := <-got:
		if len(rs) != 2 || rs[0].Text != "part 1" {
			t.Fatalf("handler got %+v", rs)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never called")
	}
}

func TestDeliver_UnknownChannelIsDropped(t *testing.T) {
	b := testBus(10)
	defer b.Close()
	// Must not panic or block.
	b.Deliver("nowhere", []domain.FormattedResponse{{Text: "lost"}})
	b.Deliver("telegram", nil)
}

func TestPublish_AfterCloseIsIgnored(t *testing.T) {
	b := testBus(1)
	b.Close()
	// Must not panic on the closed channel.
	b.Publish(domain.InboundRequest{ChatID: "c1"})
}
