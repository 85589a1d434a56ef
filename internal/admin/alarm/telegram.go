package alarm

import (
	"context"
	"fmt"
	"html"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

// TelegramChannel posts alarms to a chat. Sends are rate limited so a
// burst of failures cannot trip the bot API flood control.
type TelegramChannel struct {
	bot     *tele.Bot
	chat    *tele.Chat
	limiter *rate.Limiter
}

func NewTelegramChannel(token string, chatID int64) (*TelegramChannel, error) {
	bot, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramChannel{
		bot:     bot,
		chat:    &tele.Chat{ID: chatID},
		limiter: rate.NewLimiter(rate.Every(3*time.Second), 1),
	}, nil
}

func (t *TelegramChannel) Name() string { return "telegram" }

func (t *TelegramChannel) Notify(ctx context.Context, info Info) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	text := fmt.Sprintf(
		"<b>Job execution alarm</b>\nGroup: %s\nJob: %d - %s\nLog: %d\n%s",
		html.EscapeString(info.Group.Title),
		info.Job.ID,
		html.EscapeString(info.Job.Name),
		info.Log.ID,
		html.EscapeString(info.Content()),
	)
	_, err := t.bot.Send(t.chat, text, tele.ModeHTML)
	if err != nil {
		return fmt.Errorf("send telegram alarm: %w", err)
	}
	return nil
}
