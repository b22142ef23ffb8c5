package bus

import (
	"log/slog"
	"sync"
	"time"

	"relaybot/internal/domain"
)

const publishTimeout = 10 * time.Second

// InMemoryBus connects delivery channels to the pipeline: inbound requests
// flow through one buffered Go channel, outbound response chains fan out to
// per-channel handlers.
type InMemoryBus struct {
	inbound  chan domain.InboundRequest
	handlers map[string]func([]domain.FormattedResponse)
	mu       sync.RWMutex
	closed   bool
	logger   *slog.Logger
}

// New creates an InMemoryBus with the given inbound buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		inbound:  make(chan domain.InboundRequest, bufferSize),
		handlers: make(map[string]func([]domain.FormattedResponse)),
		logger:   logger,
	}
}

// Publish enqueues one inbound request. Blocks up to 10 seconds if the bus
// is full instead of dropping.
func (b *InMemoryBus) Publish(req domain.InboundRequest) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus")
		return
	}

	select {
	case b.inbound <- req:
	default:
		b.logger.Warn("inbound bus full, waiting...", "channel", req.Channel, "user", req.UserID)
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.inbound <- req:
			b.logger.Info("request delivered after wait", "channel", req.Channel)
		case <-timer.C:
			b.logger.Error("request dropped: bus full for 10s",
				"channel", req.Channel,
				"user", req.UserID,
			)
		}
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.InboundRequest {
	return b.inbound
}

// Deliver hands an ordered response chain to the named channel's handler.
func (b *InMemoryBus) Deliver(channelName string, responses []domain.FormattedResponse) {
	if len(responses) == 0 {
		return
	}
	b.mu.RLock()
	handler, ok := b.handlers[channelName]
	b.mu.RUnlock()

	if !ok {
		b.logger.Warn("no handler registered for channel", "channel", channelName)
		return
	}
	handler(responses)
}

func (b *InMemoryBus) OnDeliver(channelName string, handler func([]domain.FormattedResponse)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channelName] = handler
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
