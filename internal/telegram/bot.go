package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/mtzanidakis/jarvis/internal/agent"
	"github.com/mtzanidakis/jarvis/internal/config"
	"github.com/mtzanidakis/jarvis/internal/runner"
)

const typingInterval = 4 * time.Second

// Asker runs conversation turns. *agent.Orchestrator satisfies it.
type Asker interface {
	Ask(ctx context.Context, key, text string) (*runner.Result, error)
	Reset(key string) error
}

// messenger is the part of the Bot API the handlers use.
type messenger interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendChatAction(ctx context.Context, params *telego.SendChatActionParams) error
}

type Bot struct {
	bot     *telego.Bot
	api     messenger
	handler *th.BotHandler
	orch    Asker
	cfg     config.TelegramConfig
	cancel  context.CancelFunc
}

func NewBot(cfg config.TelegramConfig, orch Asker) (*Bot, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Bot{
		bot:  bot,
		api:  bot,
		orch: orch,
		cfg:  cfg,
	}, nil
}

func (b *Bot) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	updates, err := b.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create handler: %w", err)
	}
	b.handler = handler

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		b.handleMessage(ctx, message)
		return nil
	})

	go handler.Start()
	slog.Info("telegram bot started")

	<-ctx.Done()
	_ = handler.Stop()
	return nil
}

func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.handler != nil {
		_ = b.handler.Stop()
	}
}

// allowed reports whether userID may talk to the bot. An empty allow list
// admits everyone.
func (b *Bot) allowed(userID int64) bool {
	return len(b.cfg.AllowFrom) == 0 || slices.Contains(b.cfg.AllowFrom, userID)
}

func conversationKey(chatID int64) string {
	return "telegram:" + strconv.FormatInt(chatID, 10)
}

func (b *Bot) handleMessage(ctx context.Context, msg telego.Message) {
	if msg.From == nil {
		return
	}
	chatID := msg.Chat.ID
	userID := msg.From.ID

	// Unauthorised users are ignored without a reply.
	if !b.allowed(userID) {
		slog.Warn("unauthorized telegram user", "user_id", userID, "chat_id", chatID)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	key := conversationKey(chatID)
	switch command(text) {
	case "/id":
		b.reply(ctx, chatID, fmt.Sprintf("Your Telegram user ID is: %d", userID))
		return
	case "/start":
		b.reply(ctx, chatID, "Jarvis online. How can I help?")
		return
	case "/reset":
		if err := b.orch.Reset(key); err != nil {
			slog.Error("reset session failed", "chat", chatID, "error", err)
			b.reply(ctx, chatID, "Something went wrong. Please try again.")
			return
		}
		b.reply(ctx, chatID, "Session reset. Starting fresh.")
		return
	}

	stopTyping := b.keepTyping(ctx, chatID)
	res, err := b.orch.Ask(ctx, key, text)
	stopTyping()

	if err != nil {
		slog.Error("ask failed", "chat", chatID, "error", err)
		b.reply(ctx, chatID, agent.UserMessage(err))
		return
	}

	slog.Info("telegram reply",
		"chat", chatID,
		"prompt", truncate(text, 50),
		"answer", truncate(res.Text, 80),
		"duration", res.Duration,
		"cost_usd", res.CostUSD,
	)
	if err := b.SendMessage(ctx, chatID, res.Text); err != nil {
		slog.Error("failed to send telegram message", "chat", chatID, "error", err)
	}
}

// command returns the bot command text starts with, without any @botname
// suffix, or "".
func command(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd := strings.Fields(text)[0]
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd)
}

// keepTyping shows the typing indicator until the returned func is called.
// Telegram clears it after about five seconds, so it is refreshed.
func (b *Bot) keepTyping(ctx context.Context, chatID int64) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			_ = b.sendChatAction(ctx, chatID, "typing")
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if err := b.SendMessage(ctx, chatID, text); err != nil {
		slog.Error("failed to send telegram message", "chat", chatID, "error", err)
	}
}

func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range chunkMessage(text, maxMessageLen) {
		msg := tu.Message(tu.ID(chatID), chunk)
		if _, err := b.api.SendMessage(ctx, msg); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func (b *Bot) sendChatAction(ctx context.Context, chatID int64, action string) error {
	return b.api.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), action))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
