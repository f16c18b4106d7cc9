// Package telegram sends notifier messages through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"scrapesched/internal/notifier"
)

type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint (tests, local bot servers).
	APIURL string
	// DisablePreview suppresses link previews. Default true.
	DisablePreview *bool
}

// Sender implements notifier.Sender. It never polls for updates.
type Sender struct {
	bot     *tele.Bot
	preview bool
}

func New(cfg Config) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     strings.TrimSpace(cfg.APIURL),
		Client:  &http.Client{Timeout: 8 * time.Second},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	disable := cfg.DisablePreview == nil || *cfg.DisablePreview
	return &Sender{bot: b, preview: !disable}, nil
}

func (s *Sender) SendText(ctx context.Context, to notifier.Target, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.bot.Send(&tele.Chat{ID: to.ChatID}, text, &tele.SendOptions{
		DisableWebPagePreview: !s.preview,
		ThreadID:              to.ThreadID,
	})
	return err
}
