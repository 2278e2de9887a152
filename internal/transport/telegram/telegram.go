// Package telegram delivers dispatch actions to a Telegram chat via telebot.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"dealwatch/internal/board"
	"dealwatch/internal/transport"
	logx "dealwatch/pkg/logx"
)

// Bot wraps a single telebot instance shared by every telegram channel.
// dealwatch only sends; no update polling is started.
type Bot struct {
	bot *tele.Bot
	log logx.Logger
}

func NewBot(token string, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  token,
		Client: nil, // telebot's default http client
	})
	if err != nil {
		return nil, err
	}
	return &Bot{bot: b, log: log}, nil
}

// Channel targets one chat (optionally a forum topic thread) with one bot.
type Channel struct {
	name     string
	chatID   int64
	threadID int
	bot      *Bot
	log      logx.Logger
}

type ChannelConfig struct {
	Name     string
	ChatID   int64
	ThreadID int
}

func (b *Bot) Channel(cfg ChannelConfig, log logx.Logger) *Channel {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Channel{
		name:     cfg.Name,
		chatID:   cfg.ChatID,
		threadID: cfg.ThreadID,
		bot:      b,
		log:      log.With(logx.String("channel", cfg.Name)),
	}
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) Send(ctx context.Context, a *board.Article) (transport.Ref, error) {
	if err := ctxErr(ctx); err != nil {
		return transport.Ref{}, err
	}
	chat := &tele.Chat{ID: c.chatID}
	msg, err := c.bot.bot.Send(chat, FormatArticle(a), c.sendOptions())
	if err != nil {
		return transport.Ref{}, c.wrap(err)
	}
	return transport.Ref{ChatID: c.chatID, ThreadID: c.threadID, MessageID: msg.ID}, nil
}

func (c *Channel) Edit(ctx context.Context, ref transport.Ref, a *board.Article) (transport.Ref, error) {
	if err := ctxErr(ctx); err != nil {
		return ref, err
	}
	stored := storedMessage(ref)
	_, err := c.bot.bot.Edit(stored, FormatArticle(a), c.sendOptions())
	if err != nil {
		// "message is not modified" means the rendered text converged; fine.
		if isNotModified(err) {
			return ref, nil
		}
		return ref, c.wrap(err)
	}
	return ref, nil
}

func (c *Channel) Delete(ctx context.Context, ref transport.Ref) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if err := c.bot.bot.Delete(storedMessage(ref)); err != nil {
		return c.wrap(err)
	}
	return nil
}

func (c *Channel) sendOptions() *tele.SendOptions {
	return &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              c.threadID,
	}
}

func storedMessage(ref transport.Ref) tele.StoredMessage {
	return tele.StoredMessage{
		MessageID: strconv.Itoa(ref.MessageID),
		ChatID:    ref.ChatID,
	}
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// wrap classifies telebot errors into transient vs permanent so the consumer
// doesn't burn retries on e.g. "message to delete not found", and forwards
// flood-control cooldowns so the retry schedule honors them.
func (c *Channel) wrap(err error) error {
	return &transport.DeliveryError{
		Channel:    c.name,
		Permanent:  isPermanent(err),
		RetryAfter: retryAfter(err),
		Err:        err,
	}
}

func isPermanent(err error) bool {
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return false // rate limited: retry after backoff
	}
	var te *tele.Error
	if errors.As(err, &te) {
		return te.Code >= 400 && te.Code < 500
	}
	return false // network-level failures are transient
}

func isNotModified(err error) bool {
	var te *tele.Error
	return errors.As(err, &te) && strings.Contains(te.Description, "message is not modified")
}

// retryAfter surfaces Telegram's flood-control hint (zero when absent).
func retryAfter(err error) time.Duration {
	var fe tele.FloodError
	if errors.As(err, &fe) && fe.RetryAfter > 0 {
		return time.Duration(fe.RetryAfter) * time.Second
	}
	return 0
}
