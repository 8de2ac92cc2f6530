// Package telegram delivers operator alerts (watchdog trips, safety hook
// failures, scheduler invariant violations) to a Telegram chat.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"acqd/internal/config"
)

const (
	defaultTimeout = 8 * time.Second
	// Telegram rejects messages longer than this.
	maxMessageLen = 4096
)

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	Timeout  time.Duration
	// URL overrides the Bot API endpoint; empty means api.telegram.org.
	URL string
}

// FromConfig maps the alerts.telegram section. The timeout was validated on load.
func FromConfig(c config.TelegramAlerts) Config {
	d, _ := config.ParseDurationField("alerts.telegram.timeout", c.Timeout)
	return Config{Token: c.Token, ChatID: c.ChatID, ThreadID: c.ThreadID, Timeout: d}
}

// Sink implements logx.AlertSink.
type Sink struct {
	bot  *tele.Bot
	chat *tele.Chat
	opt  *tele.SendOptions
}

// New builds a send-only bot. It never polls for updates and does not call
// getMe, so construction works offline.
func New(cfg Config) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Sink{
		bot:  b,
		chat: &tele.Chat{ID: cfg.ChatID},
		opt: &tele.SendOptions{
			DisableWebPagePreview: true,
			ThreadID:              cfg.ThreadID,
		},
	}, nil
}

// SendAlert posts text as a plain message. ctx is honoured only before the
// request starts; the HTTP client timeout bounds the call itself.
func (s *Sink) SendAlert(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) > maxMessageLen {
		text = text[:maxMessageLen-3] + "..."
	}
	_, err := s.bot.Send(s.chat, text, s.opt)
	return err
}
