package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// telegramTimeout bounds one Bot API call; it also ends the send goroutine
// when the caller gives up first.
const telegramTimeout = 30 * time.Second

type TelegramOptions struct {
	Token string
	// URL overrides the Bot API endpoint (self-hosted API server, tests).
	URL string
}

// Telegram delivers to chats. Destination.Target is "chat_id" or
// "chat_id:thread_id" for forum topics; Destination.Mention is a
// "@username" prepended to the text.
type Telegram struct {
	bot *tele.Bot
}

func NewTelegram(opts TelegramOptions) (*Telegram, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   opts.Token,
		URL:     opts.URL,
		Offline: true, // send-only; no getMe, no poller
		Client:  &http.Client{Timeout: telegramTimeout},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b}, nil
}

// ParseTarget splits "chat[:thread]".
func ParseTarget(s string) (chatID int64, threadID int, err error) {
	chat, thread, hasThread := strings.Cut(strings.TrimSpace(s), ":")
	chatID, err = strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid telegram chat id %q", chat)
	}
	if hasThread {
		threadID, err = strconv.Atoi(thread)
		if err != nil || threadID < 0 {
			return 0, 0, fmt.Errorf("invalid telegram thread id %q", thread)
		}
	}
	return chatID, threadID, nil
}

func (t *Telegram) Deliver(ctx context.Context, to Destination, text string) error {
	chatID, threadID, err := ParseTarget(to.Target)
	if err != nil {
		return deliveryErr(to, DestinationNotFound, err)
	}
	if err := ctx.Err(); err != nil {
		return deliveryErr(to, Transient, err)
	}
	if m := strings.TrimSpace(to.Mention); m != "" {
		if !strings.HasPrefix(m, "@") {
			m = "@" + m
		}
		text = m + "\n" + text
	}

	// telebot has no context-aware Send; run it aside so a cancelled tick
	// isn't held up by a slow API call.
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{ThreadID: threadID})
		done <- err
	}()
	select {
	case err = <-done:
	case <-ctx.Done():
		return deliveryErr(to, Transient, ctx.Err())
	}
	if err != nil {
		return deliveryErr(to, classifyTelegram(err), err)
	}
	return nil
}

func classifyTelegram(err error) Kind {
	if errors.Is(err, tele.ErrChatNotFound) {
		return DestinationNotFound
	}
	var te *tele.Error
	if errors.As(err, &te) {
		switch te.Code {
		case 401, 403:
			return PermissionDenied
		}
	}
	// Unmapped API errors come back as "telegram: <description> (<code>)".
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "chat not found"), strings.Contains(msg, "thread not found"):
		return DestinationNotFound
	case strings.Contains(msg, "(403)"), strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "not enough rights"), strings.Contains(msg, "have no rights"):
		return PermissionDenied
	}
	return Transient
}
