package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"relaybot/internal/domain"
)

// CLI implements domain.Channel as an interactive terminal chat, used by the
// chat subcommand and in tests.
type CLI struct {
	bus    domain.MessageBus
	logger *slog.Logger
	in     io.Reader
	out    io.Writer
}

type CLIOptions struct {
	Logger *slog.Logger
	In     io.Reader
	Out    io.Writer
}

func NewCLI(opts CLIOptions) *CLI {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &CLI{
		logger: opts.Logger,
		in:     opts.In,
		out:    opts.Out,
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the read loop and blocks until ctx is cancelled or input ends.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	c.bus = bus

	bus.OnDeliver("cli", func(responses []domain.FormattedResponse) {
		for _, r := range responses {
			if r.Text == "" {
				continue
			}
			if r.PartTotal > 1 {
				fmt.Fprintf(c.out, "[%d/%d] ", r.PartIndex, r.PartTotal)
			}
			fmt.Fprintln(c.out, r.Text)
		}
		fmt.Fprint(c.out, "you> ")
	})

	fmt.Fprint(c.out, "you> ")
	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	seq := 0
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			fmt.Fprint(c.out, "you> ")
			continue
		}
		if text == "/quit" || text == "/exit" {
			return nil
		}
		seq++
		bus.Publish(domain.InboundRequest{
			MessageID: strconv.Itoa(seq),
			Channel:   "cli",
			ChatID:    "cli",
			UserID:    "cli-user",
			Text:      text,
			Timestamp: time.Now(),
		})
	}
	return scanner.Err()
}

func (c *CLI) Stop() error { return nil }
