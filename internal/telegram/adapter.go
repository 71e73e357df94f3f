package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/gossipmill/internal/breaker"
	"github.com/user/gossipmill/internal/delivery"
	"github.com/user/gossipmill/internal/gateway"
	"github.com/user/gossipmill/internal/types"
)

const maxTelegramMessage = 4096

// Telegram caps photo captions well below message length.
const maxCaption = 1024

// TargetPrefix routes delivery targets such as "telegram:12345" here.
const TargetPrefix = "telegram:"

// Orchestrator is the part of the gateway the bot drives.
type Orchestrator interface {
	Generate(ctx context.Context, req gateway.Request) (*gateway.Outcome, error)
	Mutate(ctx context.Context, parentFile, mode string) (*gateway.Outcome, error)
	Breaker() *breaker.Breaker
}

// Artifacts gives the bot access to stored images.
type Artifacts interface {
	List(ctx context.Context) ([]string, error)
	ReadMetadata(ctx context.Context, id string) (*types.Metadata, error)
	Path(id string) string
}

// sender is the subset of *tgbotapi.BotAPI the adapter uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Adapter bridges Telegram commands to the gateway.
type Adapter struct {
	bot       *tgbotapi.BotAPI
	send      sender
	gateway   Orchestrator
	artifacts Artifacts
	wg        sync.WaitGroup
}

// New creates a Telegram adapter.
func New(token string, gw Orchestrator, artifacts Artifacts) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	a := newAdapter(bot, gw, artifacts)
	a.bot = bot
	return a, nil
}

func newAdapter(s sender, gw Orchestrator, artifacts Artifacts) *Adapter {
	return &Adapter{send: s, gateway: gw, artifacts: artifacts}
}

// Start begins long-polling for Telegram updates. It returns after ctx is
// done and every in-flight command has finished.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			a.wg.Wait()
			return
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if !msg.IsCommand() {
		a.sendResponse(msg.Chat.ID, helpText)
		return
	}
	a.handleCommand(ctx, msg.Chat.ID, msg.Command(), msg.CommandArguments())
}

const helpText = "Commands:\n" +
	"/generate - fresh tabloid image\n" +
	"/mutate <pass|distort|drift> [file|latest] - derive from an image\n" +
	"/latest - newest image\n" +
	"/breaker - circuit breaker status\n" +
	"/reset - close the breaker"

func (a *Adapter) handleCommand(ctx context.Context, chatID int64, cmd, args string) {
	switch cmd {
	case "start", "help":
		a.sendResponse(chatID, helpText)

	case "generate":
		a.sendResponse(chatID, "Generating…")
		a.async(func() {
			out, err := a.gateway.Generate(ctx, gateway.Request{})
			a.reportOutcome(ctx, chatID, out, err)
		})

	case "mutate":
		mode, parent, err := a.parseMutate(ctx, args)
		if err != nil {
			a.sendResponse(chatID, err.Error())
			return
		}
		a.sendResponse(chatID, fmt.Sprintf("Mutating %s (%s)…", parent, mode))
		a.async(func() {
			out, err := a.gateway.Mutate(ctx, parent, mode)
			a.reportOutcome(ctx, chatID, out, err)
		})

	case "latest":
		ids, err := a.artifacts.List(ctx)
		if err != nil || len(ids) == 0 {
			a.sendResponse(chatID, "No images yet.")
			return
		}
		a.sendPhoto(ctx, chatID, ids[0], "")

	case "breaker":
		a.sendResponse(chatID, formatBreaker(a.gateway.Breaker().Snapshot()))

	case "reset":
		a.gateway.Breaker().Reset()
		a.sendResponse(chatID, "Breaker reset.")

	default:
		a.sendResponse(chatID, "Unknown command.\n\n"+helpText)
	}
}

func (a *Adapter) async(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

func (a *Adapter) parseMutate(ctx context.Context, args string) (mode, parent string, err error) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return "", "", errors.New("usage: /mutate <pass|distort|drift> [file|latest]")
	}
	m, err := types.ParseMutationMode(fields[0])
	if err != nil {
		return "", "", fmt.Errorf("mode must be pass, distort or drift")
	}
	parent = "latest"
	if len(fields) > 1 {
		parent = fields[1]
	}
	if parent == "latest" {
		ids, err := a.artifacts.List(ctx)
		if err != nil || len(ids) == 0 {
			return "", "", errors.New("no images to mutate yet")
		}
		parent = ids[0]
	}
	return string(m), parent, nil
}

func (a *Adapter) reportOutcome(ctx context.Context, chatID int64, out *gateway.Outcome, err error) {
	if err != nil {
		slog.Warn("telegram run failed", "chat_id", chatID, "error", err)
		switch {
		case errors.Is(err, gateway.ErrNoFallback):
			a.sendResponse(chatID, "Generator unavailable and no images to fall back on.")
		case errors.Is(err, gateway.ErrParentNotFound):
			a.sendResponse(chatID, "That image has no metadata to mutate.")
		default:
			a.sendResponse(chatID, "Run failed: "+err.Error())
		}
		return
	}
	caption := ""
	if out.Simulated {
		caption = fmt.Sprintf("(replay: %s)", out.Reason)
	}
	a.sendPhoto(ctx, chatID, out.File, caption)
}

// sendPhoto sends a stored image captioned with its headline.
func (a *Adapter) sendPhoto(ctx context.Context, chatID int64, file, suffix string) {
	caption := file
	if meta, err := a.artifacts.ReadMetadata(ctx, file); err == nil && meta.Headline != "" {
		caption = meta.Headline
	}
	if suffix != "" {
		caption += "\n" + suffix
	}
	if err := a.SendPhoto(chatID, a.artifacts.Path(file), caption); err != nil {
		slog.Error("send photo error", "chat_id", chatID, "file", file, "error", err)
		a.sendResponse(chatID, caption)
	}
}

// SendPhoto uploads the image at path to chatID.
func (a *Adapter) SendPhoto(chatID int64, path, caption string) error {
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FilePath(path))
	photo.Caption = truncate(caption, maxCaption)
	if _, err := a.send.Send(photo); err != nil {
		return fmt.Errorf("send photo: %w", err)
	}
	return nil
}

// Deliver implements delivery.Handler for "telegram:<chat id>" targets.
func (a *Adapter) Deliver(_ context.Context, target string, n delivery.Notice) error {
	chatID, err := ParseTarget(target)
	if err != nil {
		return err
	}
	if n.ImagePath == "" {
		return a.sendText(chatID, n.Text)
	}
	return a.SendPhoto(chatID, n.ImagePath, n.Text)
}

// ParseTarget extracts the chat id from a "telegram:<chat id>" target.
func ParseTarget(target string) (int64, error) {
	raw, ok := strings.CutPrefix(target, TargetPrefix)
	if !ok {
		return 0, fmt.Errorf("not a telegram target: %s", target)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", raw, err)
	}
	return id, nil
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	if err := a.sendText(chatID, text); err != nil {
		slog.Error("send message error", "chat_id", chatID, "error", err)
	}
}

func (a *Adapter) sendText(chatID int64, text string) error {
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		if _, err := a.send.Send(msg); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func formatBreaker(s breaker.State) string {
	if !s.Open {
		return fmt.Sprintf("Breaker closed (slow %d, fail %d)", s.SlowCount, s.FailCount)
	}
	return fmt.Sprintf("Breaker open until %s", s.OpenUntil.Format("15:04:05"))
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := min(maxTelegramMessage, len(text))
		// Never cut a multi-byte rune in half.
		for end < len(text) && end > 0 && !utf8.RuneStart(text[end]) {
			end--
		}
		if end == 0 {
			end = min(maxTelegramMessage, len(text))
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
