// Package telegram accepts instructions as chat messages and replies with
// the merged result of each run.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/mtzanidakis/taskwave/internal/config"
	"github.com/mtzanidakis/taskwave/internal/runner"
	"github.com/mtzanidakis/taskwave/internal/store"
	"github.com/mtzanidakis/taskwave/internal/swarm"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
)

const maxMessageLen = 4096

const helpText = `Send an instruction and I will break it into subtasks, run them and reply with the result.

/plan <instruction> shows the decomposition without running it.`

type Bot struct {
	bot     *telego.Bot
	handler *th.BotHandler
	runner  *runner.Service
	cfg     config.TelegramConfig
	cancel  context.CancelFunc

	mu     sync.Mutex
	queues map[int64]*chatQueue
}

func NewBot(cfg config.TelegramConfig, svc *runner.Service) (*Bot, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Bot{
		bot:    bot,
		runner: svc,
		cfg:    cfg,
		queues: make(map[int64]*chatQueue),
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

func (b *Bot) handleMessage(ctx context.Context, msg telego.Message) {
	chatID := msg.Chat.ID
	if msg.From == nil {
		return
	}
	userID := msg.From.ID

	if !allowed(b.cfg.AllowFrom, userID) {
		slog.Warn("unauthorized telegram user", "user_id", userID, "chat_id", chatID)
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	cmd, arg := parseCommand(text)

	switch cmd {
	case "":
		if arg == "" {
			return
		}
		b.enqueue(ctx, chatID, arg)
	case "start", "help":
		_ = b.SendMessage(ctx, chatID, helpText)
	case "plan":
		if arg == "" {
			_ = b.SendMessage(ctx, chatID, "Usage: /plan <instruction>")
			return
		}
		d := b.runner.Coordinator().Decompose(arg)
		_ = b.SendMessage(ctx, chatID, formatPlan(d))
	default:
		_ = b.SendMessage(ctx, chatID, "Unknown command. Send /help for usage.")
	}
}

func (b *Bot) enqueue(ctx context.Context, chatID int64, text string) {
	b.mu.Lock()
	q, ok := b.queues[chatID]
	if !ok {
		q = &chatQueue{}
		b.queues[chatID] = q
	}
	b.mu.Unlock()

	q.Enqueue(text)
	if !q.TryLock() {
		_ = b.SendMessage(ctx, chatID, fmt.Sprintf("Queued behind the current run (%d waiting).", q.Len()))
		return
	}
	go q.drain(func(instruction string) {
		b.execute(ctx, chatID, instruction)
	})
}

func (b *Bot) execute(ctx context.Context, chatID int64, instruction string) {
	_ = b.sendChatAction(ctx, chatID, "typing")

	source := "telegram:" + strconv.FormatInt(chatID, 10)
	run, err := b.runner.Run(ctx, instruction, source)
	if err != nil {
		slog.Error("telegram run failed", "chat", chatID, "error", err)
		_ = b.SendMessage(ctx, chatID, "Sorry, I encountered an error processing your message.")
		return
	}
	if err := b.SendMessage(ctx, chatID, formatRun(run)); err != nil {
		slog.Error("failed to send telegram message", "chat", chatID, "error", err)
	}
}

// SendMessage sends text as Markdown, falling back to plain text when
// Telegram rejects the markup.
func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range chunkMessage(text, maxMessageLen) {
		msg := tu.Message(tu.ID(chatID), toTelegramMarkdown(chunk)).WithParseMode(telego.ModeMarkdown)
		if _, err := b.bot.SendMessage(ctx, msg); err == nil {
			continue
		}
		if _, err := b.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func (b *Bot) sendChatAction(ctx context.Context, chatID int64, action string) error {
	return b.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), action))
}

// allowed reports whether userID may use the bot. An empty list allows all.
func allowed(allowFrom []int64, userID int64) bool {
	return len(allowFrom) == 0 || slices.Contains(allowFrom, userID)
}

// parseCommand splits "/cmd@bot rest" into its command and argument. Plain
// text has an empty command.
func parseCommand(text string) (cmd, arg string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	head, _, _ = strings.Cut(head, "@")
	return strings.ToLower(head), strings.TrimSpace(rest)
}

func formatRun(run *store.Run) string {
	var sb strings.Builder
	switch run.Status {
	case store.RunFailed:
		sb.WriteString("**All subtasks failed.**\n\n")
	case store.RunPartial:
		sb.WriteString("**Some subtasks did not run.**\n\n")
	}
	sb.WriteString(run.Output)
	return sb.String()
}

func formatPlan(d *swarm.DecompositionResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**Strategy:** %s, complexity %d\n", d.Strategy, d.EstimatedComplexity)
	for i, st := range d.SubTasks {
		fmt.Fprintf(&sb, "\n%d. [%s] %s", i+1, st.Specialist, st.Description)
		if len(st.Dependencies) > 0 {
			fmt.Fprintf(&sb, " (after %s)", strings.Join(st.Dependencies, ", "))
		}
	}
	return sb.String()
}
