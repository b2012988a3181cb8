package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	tb "gopkg.in/tucnak/telebot.v2"
)

type outbound struct {
	chatID int64
	text   string
}

// Bot wraps a telegram bot with an outbound queue so notifications never
// block the trading path.
type Bot struct {
	log      *zap.Logger
	bot      *tb.Bot
	chat     *tb.Chat
	boot     time.Time
	messages chan outbound
}

// New connects to telegram and resolves the control chat, where commands
// are accepted and notifications go by default.
func New(log *zap.Logger, token string, controlChatID int64) (*Bot, error) {
	b, err := tb.NewBot(tb.Settings{
		Token:  token,
		Poller: &tb.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: couldn't create bot: %w", err)
	}
	chat, err := b.ChatByID(strconv.FormatInt(controlChatID, 10))
	if err != nil {
		return nil, fmt.Errorf("telegram: couldn't resolve chat %d: %w", controlChatID, err)
	}
	bot := &Bot{
		log:      log,
		bot:      b,
		chat:     chat,
		boot:     time.Now(),
		messages: make(chan outbound, 100),
	}
	return bot, nil
}

// HandleChat forwards every text message posted to the given chat since
// boot. Messages delivered from the backlog are dropped so old signals
// aren't traded twice.
func (b *Bot) HandleChat(chatID int64, handler func(userID int64, text string)) {
	b.bot.Handle(tb.OnText, func(m *tb.Message) {
		if m.Chat.ID != chatID {
			return
		}
		if m.Time().Before(b.boot) {
			return
		}
		handler(senderID(m), m.Text)
	})
}

// HandleCommand registers a /command accepted only on the control chat.
func (b *Bot) HandleCommand(command string, handler func(userID int64, payload string)) {
	b.bot.Handle(fmt.Sprintf("/%s", command), func(m *tb.Message) {
		if m.Chat.ID != b.chat.ID {
			return
		}
		if m.Time().Before(b.boot) {
			return
		}
		handler(senderID(m), m.Payload)
	})
}

func senderID(m *tb.Message) int64 {
	if m.Sender != nil {
		return int64(m.Sender.ID)
	}
	return m.Chat.ID
}

// Run starts polling and drains the outbound queue until the context is
// cancelled.
func (b *Bot) Run(ctx context.Context) error {
	go b.bot.Start()
	defer b.bot.Stop()
	defer b.bot.Send(b.chat, "🛑 bot stopping")
	var msg outbound
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg = <-b.messages:
		}
		to := tb.ChatID(msg.chatID)
		opts := tb.ModeDefault
		if strings.Contains(msg.text, "`") {
			opts = tb.ModeMarkdown
		}
		if _, err := b.bot.Send(to, msg.text, opts); err != nil {
			b.log.Warn("telegram: couldn't send", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		// Wait to avoid rate limit errors
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Notify queues a message for the given chat; chatID 0 targets the
// control chat.
func (b *Bot) Notify(chatID int64, text string) {
	if chatID == 0 {
		chatID = b.chat.ID
	}
	select {
	case b.messages <- outbound{chatID: chatID, text: text}:
	default:
		b.log.Warn("telegram: outbound queue full, dropping message")
	}
}
