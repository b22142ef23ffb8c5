package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"relaybot/internal/config"
	"relaybot/internal/domain"
)

const (
	telegramMaxSendRetries = 3
	progressivePartDelay   = 400 * time.Millisecond
)

// Telegram implements domain.Channel over the Telegram Bot API. Inbound
// updates become InboundRequests on the bus; delivered response chains honor
// each response's delivery mode.
type Telegram struct {
	token     string
	allowFrom []int64 // allowed user ids, empty allows all
	parseMode string

	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	logger *slog.Logger
}

func NewTelegram(cfg config.TelegramConfig, logger *slog.Logger) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	parseMode := cfg.ParseMode
	if parseMode == "" {
		parseMode = "Markdown"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		parseMode: parseMode,
		logger:    logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and polls for updates until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	bus.OnDeliver("telegram", t.deliver)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

// Stop is a no-op: the bot stops when Start's context is cancelled.
func (t *Telegram) Stop() error { return nil }

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}

	if !t.isAllowed(msg.From.ID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", msg.From.ID,
			"username", msg.From.UserName,
		)
		return
	}

	req := domain.InboundRequest{
		MessageID: strconv.Itoa(msg.MessageID),
		Channel:   "telegram",
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		UserID:    strconv.FormatInt(msg.From.ID, 10),
		UserName:  msg.From.UserName,
		Text:      strings.TrimSpace(msg.Text),
		Timestamp: time.Unix(int64(msg.Date), 0),
	}

	if media := extractMedia(msg); media != nil {
		req.Media = media
		if req.Text == "" {
			req.Text = media.Caption
		}
	}
	if msg.ReplyToMessage != nil {
		reply := msg.ReplyToMessage
		ri := &domain.ReplyInfo{
			MessageID: strconv.Itoa(reply.MessageID),
			Text:      reply.Text,
		}
		if reply.From != nil {
			ri.UserID = strconv.FormatInt(reply.From.ID, 10)
		}
		req.Reply = ri
	}
	if msg.ForwardFrom != nil || msg.ForwardFromChat != nil {
		fi := &domain.ForwardInfo{}
		if msg.ForwardFrom != nil {
			fi.FromUserID = strconv.FormatInt(msg.ForwardFrom.ID, 10)
			fi.FromName = msg.ForwardFrom.UserName
		}
		if msg.ForwardFromChat != nil {
			fi.FromChatID = strconv.FormatInt(msg.ForwardFromChat.ID, 10)
		}
		req.Forward = fi
	}

	if req.Text == "" && req.Media == nil {
		return
	}

	t.logger.Info("telegram message received",
		"chat_id", req.ChatID,
		"user_id", req.UserID,
		"text_len", len(req.Text),
		"has_media", req.Media != nil,
	)

	typing := tgbotapi.NewChatAction(msg.Chat.ID, tgbotapi.ChatTyping)
	_, _ = t.bot.Send(typing)

	t.bus.Publish(req)
}

func extractMedia(msg *tgbotapi.Message) *domain.MediaInfo {
	switch {
	case len(msg.Photo) > 0:
		best := msg.Photo[len(msg.Photo)-1]
		return &domain.MediaInfo{Kind: "photo", SizeBytes: int64(best.FileSize), Caption: msg.Caption}
	case msg.Document != nil:
		return &domain.MediaInfo{
			Kind:      "document",
			MimeType:  msg.Document.MimeType,
			FileName:  msg.Document.FileName,
			SizeBytes: int64(msg.Document.FileSize),
			Caption:   msg.Caption,
		}
	case msg.Voice != nil:
		return &domain.MediaInfo{Kind: "voice", MimeType: msg.Voice.MimeType, SizeBytes: int64(msg.Voice.FileSize)}
	case msg.Audio != nil:
		return &domain.MediaInfo{Kind: "audio", MimeType: msg.Audio.MimeType, FileName: msg.Audio.FileName, SizeBytes: int64(msg.Audio.FileSize)}
	case msg.Video != nil:
		return &domain.MediaInfo{Kind: "video", MimeType: msg.Video.MimeType, SizeBytes: int64(msg.Video.FileSize), Caption: msg.Caption}
	default:
		return nil
	}
}

// deliver sends one ordered response chain. Immediate responses go out one by
// one; consecutive batched responses are coalesced into a single message;
// progressive parts get a short pause between sends.
func (t *Telegram) deliver(responses []domain.FormattedResponse) {
	var batch []domain.FormattedResponse
	flushBatch := func() {
		if len(batch) == 0 {
			return
		}
		first := batch[0]
		texts := make([]string, 0, len(batch))
		for _, r := range batch {
			if r.Text != "" {
				texts = append(texts, r.Text)
			}
			t.sendMedia(r)
		}
		if len(texts) > 0 {
			t.sendText(first, strings.Join(texts, "\n\n"))
		}
		batch = batch[:0]
	}

	for _, r := range responses {
		switch r.Delivery {
		case domain.DeliverBatched:
			batch = append(batch, r)
		case domain.DeliverProgressive, domain.DeliverStreaming:
			flushBatch()
			t.sendMedia(r)
			if r.Text != "" {
				t.sendText(r, r.Text)
			}
			time.Sleep(progressivePartDelay)
		default:
			flushBatch()
			t.sendMedia(r)
			if r.Text != "" {
				t.sendText(r, r.Text)
			}
		}
	}
	flushBatch()
}

func (t *Telegram) sendMedia(r domain.FormattedResponse) {
	chatID, err := strconv.ParseInt(r.ChatID, 10, 64)
	if err != nil {
		return
	}
	for _, m := range r.Media {
		if m.URL == "" && m.Path == "" {
			continue
		}
		var file tgbotapi.RequestFileData
		if m.URL != "" {
			file = tgbotapi.FileURL(m.URL)
		} else {
			file = tgbotapi.FilePath(m.Path)
		}
		var send tgbotapi.Chattable
		switch m.Kind {
		case "photo":
			photo := tgbotapi.NewPhoto(chatID, file)
			photo.Caption = m.Caption
			send = photo
		default:
			doc := tgbotapi.NewDocument(chatID, file)
			doc.Caption = m.Caption
			send = doc
		}
		if _, err := t.bot.Send(send); err != nil {
			t.logger.Error("telegram media send failed", "kind", m.Kind, "err", err)
		}
	}
}

func (t *Telegram) sendText(r domain.FormattedResponse, text string) {
	chatID, err := strconv.ParseInt(r.ChatID, 10, 64)
	if err != nil {
		t.logger.Error("invalid chat id for telegram delivery", "chat_id", r.ChatID, "err", err)
		return
	}
	parseMode := ""
	switch r.Format {
	case domain.FormatMarkdown, domain.FormatCode, domain.FormatStructured:
		parseMode = t.parseMode
	case domain.FormatHTML:
		parseMode = "HTML"
	}

	var replyTo int
	if r.ReplyTo != "" && r.PartIndex <= 1 {
		replyTo, _ = strconv.Atoi(r.ReplyTo)
	}
	t.sendChunk(chatID, text, parseMode, replyTo)
}

// sendChunk sends one message with retry, rate-limit backoff, and a
// plain-text fallback when the parse mode is rejected.
func (t *Telegram) sendChunk(chatID int64, text, parseMode string, replyTo int) {
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 && parseMode != "" {
			msg.ParseMode = parseMode
		}
		if replyTo != 0 {
			msg.ReplyToMessageID = replyTo
		}

		_, err := t.bot.Send(msg)
		if err == nil {
			return
		}
		errStr := err.Error()

		// Telegram rate limiting (HTTP 429).
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off",
				"retry_after", retryAfter, "attempt", attempt+1,
			)
			time.Sleep(retryAfter)
			continue
		}

		// Parse error on the first attempt: retry immediately as plain text.
		if attempt == 0 && msg.ParseMode != "" && strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram parse error, retrying as plain text", "err", err, "parse_mode", parseMode)
			plain := tgbotapi.NewMessage(chatID, text)
			if replyTo != 0 {
				plain.ReplyToMessageID = replyTo
			}
			if _, err2 := t.bot.Send(plain); err2 == nil {
				return
			}
		}

		if attempt < telegramMaxSendRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}
		t.logger.Error("telegram send failed after retries", "err", err, "attempts", telegramMaxSendRetries+1)
	}
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}
