// Package telegram is the send-only Telegram alert sink.
package telegram

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"paced/internal/alert"
)

// Telegram caps messages at 4096 characters.
const maxMessageLen = 4000

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
}

// Sink delivers alerts to one Telegram chat. It implements alert.Sink
// and logx.Notifier (NotifyLine), so the same chat can receive both
// alerts and forwarded error log lines.
type Sink struct {
	bot      *tele.Bot
	chatID   int64
	threadID int
}

func New(cfg Config) (*Sink, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: token required")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram: chat_id required")
	}
	// Offline skips the getMe round-trip; a send-only sink has no reason
	// to block startup on Telegram availability.
	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: init bot: %w", err)
	}
	return &Sink{bot: bot, chatID: cfg.ChatID, threadID: cfg.ThreadID}, nil
}

func (s *Sink) Send(ctx context.Context, msg alert.Message) error {
	return s.sendText(ctx, formatAlert(msg))
}

// NotifyLine forwards a rendered log line (JSON) wrapped in a code block.
func (s *Sink) NotifyLine(ctx context.Context, line string) error {
	text := "<pre>" + html.EscapeString(strings.TrimSpace(line)) + "</pre>"
	return s.sendText(ctx, text)
}

func (s *Sink) sendText(ctx context.Context, text string) error {
	opts := &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              s.threadID,
	}
	for _, chunk := range splitMessage(text, maxMessageLen) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.bot.Send(tele.ChatID(s.chatID), chunk, opts); err != nil {
			return fmt.Errorf("telegram: send: %w", err)
		}
	}
	return nil
}

func formatAlert(msg alert.Message) string {
	var b strings.Builder
	b.WriteString(severityBadge(msg.Severity))
	b.WriteString(" <b>")
	b.WriteString(html.EscapeString(msg.Title))
	b.WriteString("</b>")
	if msg.Text != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(msg.Text))
	}
	if msg.Source != "" {
		b.WriteString("\n<i>")
		b.WriteString(html.EscapeString(msg.Source))
		b.WriteString("</i>")
	}
	if !msg.At.IsZero() {
		b.WriteString("\n<code>")
		b.WriteString(msg.At.UTC().Format(time.RFC3339))
		b.WriteString("</code>")
	}
	return b.String()
}

func severityBadge(sev alert.Severity) string {
	switch sev {
	case alert.SevCrit:
		return "\U0001F6A8" // rotating light
	case alert.SevWarn:
		return "⚠️" // warning sign
	default:
		return "ℹ️" // information
	}
}

// splitMessage cuts text into chunks of at most limit characters,
// preferring newline boundaries.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n')
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
