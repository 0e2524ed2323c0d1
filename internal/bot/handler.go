package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"skycomposer/internal/account"
	"skycomposer/internal/bluesky"
	"skycomposer/internal/composer"
	"skycomposer/internal/config"
	"skycomposer/internal/domain"
	"skycomposer/internal/preview"
)

// messenger is the part of the Telegram API the handlers reply through.
type messenger interface {
	SendMessage(ctx context.Context, params *tgbot.SendMessageParams) (*models.Message, error)
}

// Handler holds dependencies for the Telegram bot handlers.
type Handler struct {
	bot       *tgbot.Bot
	sender    messenger
	cfg       config.Config
	composers *composer.Registry
	accounts  *account.Manager
	log       logrus.FieldLogger

	mu     sync.Mutex
	agents map[int64]*bluesky.Agent
}

// NewHandler creates a new bot handler instance.
func NewHandler(cfg config.Config, composers *composer.Registry, accounts *account.Manager, logger logrus.FieldLogger) (*Handler, error) {
	log := logger.WithField("component", "bot_handler")

	h := &Handler{
		cfg:       cfg,
		composers: composers,
		accounts:  accounts,
		log:       log,
		agents:    make(map[int64]*bluesky.Agent),
	}

	b, err := tgbot.New(cfg.TelegramBotToken, tgbot.WithDefaultHandler(h.textHandler))
	if err != nil {
		log.WithError(err).Error("Failed to create Telegram bot instance")
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	h.bot = b
	h.sender = b

	h.registerHandlers()

	log.Info("Telegram bot handler initialized")
	return h, nil
}

// registerHandlers sets up the command handlers. Everything that is not a
// command falls through to textHandler.
func (h *Handler) registerHandlers() {
	h.bot.RegisterHandler(tgbot.HandlerTypeMessageText, "/", tgbot.MatchTypePrefix, h.commandHandler)
	h.log.Info("Registered command handler")
}

// Start begins polling for updates from Telegram.
// This function blocks until the context is cancelled.
func (h *Handler) Start(ctx context.Context) {
	h.log.Info("Starting Telegram bot polling...")
	h.bot.Start(ctx)
	h.log.Info("Telegram bot polling stopped.")
}

// commandHandler dispatches slash commands.
func (h *Handler) commandHandler(ctx context.Context, b *tgbot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	cmd, ok := parseCommand(msg.Text)
	if !ok {
		return
	}

	userID := msg.From.ID
	chatID := msg.Chat.ID
	log := h.log.WithFields(logrus.Fields{
		"user_id": userID,
		"command": "/" + cmd.Name,
	})
	log.Info("Received command")

	var reply string
	switch cmd.Name {
	case "start", "help":
		reply = welcomeMessage
	case "login":
		reply = h.handleLogin(ctx, b, msg, cmd.Args)
	case "logout":
		reply = h.handleLogout(ctx, userID)
	case "link":
		reply = h.handleLink(ctx, userID, chatID, cmd.Arg())
	case "unlink":
		reply = h.handleLink(ctx, userID, chatID, "")
	case "status":
		reply = h.handleStatus(ctx, userID, chatID)
	case "clear":
		reply = h.handleClear(ctx, userID, chatID)
	case "post":
		reply = h.handlePost(ctx, userID, chatID)
	default:
		reply = "Unknown command. Send /help for the list of commands."
	}

	h.send(ctx, chatID, reply, log)
}

// textHandler treats plain messages as the new draft text. Edited /link
// messages update the attached link, which restarts the preview debounce.
func (h *Handler) textHandler(ctx context.Context, b *tgbot.Bot, update *models.Update) {
	if edited := update.EditedMessage; edited != nil && edited.From != nil {
		if cmd, ok := parseCommand(edited.Text); ok && cmd.Name == "link" {
			h.handleLink(ctx, edited.From.ID, edited.Chat.ID, cmd.Arg())
		}
		return
	}

	msg := update.Message
	if msg == nil || msg.From == nil || msg.Text == "" {
		return
	}
	log := h.log.WithField("user_id", msg.From.ID)

	c, err := h.composerFor(ctx, msg.From.ID, msg.Chat.ID)
	if err != nil {
		log.WithError(err).Error("Failed to load composer")
		h.send(ctx, msg.Chat.ID, "Something went wrong loading your draft. Please try again.", log)
		return
	}

	budget, err := c.SetText(ctx, msg.Text)
	if err != nil {
		log.WithError(err).Warn("Draft text not persisted")
	}
	log.WithField("total", budget.Total).Debug("Draft text updated")
	h.send(ctx, msg.Chat.ID, "Draft updated. "+formatBudget(budget), log)
}

func (h *Handler) handleLogin(ctx context.Context, b *tgbot.Bot, msg *models.Message, args []string) string {
	// The credentials should not linger in the chat history.
	if _, err := b.DeleteMessage(ctx, &tgbot.DeleteMessageParams{ChatID: msg.Chat.ID, MessageID: msg.ID}); err != nil {
		h.log.WithError(err).Debug("Could not delete login message")
	}

	if len(args) != 2 {
		return "Usage: /login <handle-or-email> <app-password>\nUse an App Password, not your account password."
	}

	agent, err := h.accounts.Login(ctx, msg.From.ID, args[0], args[1])
	if err != nil {
		return "Login failed. Please check your credentials."
	}
	h.setAgent(msg.From.ID, agent)
	return fmt.Sprintf("Logged in as %s.", agent.Handle())
}

func (h *Handler) handleLogout(ctx context.Context, userID int64) string {
	h.setAgent(userID, nil)
	if err := h.accounts.Logout(ctx, userID); err != nil {
		h.log.WithError(err).WithField("user_id", userID).Error("Logout failed")
		return "Logout failed. Please try again."
	}
	return "Logged out."
}

func (h *Handler) handleLink(ctx context.Context, userID, chatID int64, rawURL string) string {
	c, err := h.composerFor(ctx, userID, chatID)
	if err != nil {
		h.log.WithError(err).WithField("user_id", userID).Error("Failed to load composer")
		return "Something went wrong loading your draft. Please try again."
	}

	budget, err := c.SetURL(ctx, rawURL)
	if err != nil {
		h.log.WithError(err).WithField("user_id", userID).Warn("Draft link not persisted")
	}

	switch {
	case rawURL == "":
		return "Link removed. " + formatBudget(budget)
	case preview.ValidURL(rawURL):
		return "Link attached, fetching preview... " + formatBudget(budget)
	default:
		return "Link attached, but only http(s) links get a preview. " + formatBudget(budget)
	}
}

func (h *Handler) handleStatus(ctx context.Context, userID, chatID int64) string {
	c, err := h.composerFor(ctx, userID, chatID)
	if err != nil {
		return "Something went wrong loading your draft. Please try again."
	}
	handle := ""
	if agent := h.agentFor(ctx, userID); agent != nil {
		handle = agent.Handle()
	}
	return formatStatus(c.State(), handle)
}

func (h *Handler) handleClear(ctx context.Context, userID, chatID int64) string {
	c, err := h.composerFor(ctx, userID, chatID)
	if err != nil {
		return "Something went wrong loading your draft. Please try again."
	}
	if err := c.Clear(ctx); err != nil {
		h.log.WithError(err).WithField("user_id", userID).Warn("Cleared draft not persisted")
	}
	return "Draft cleared."
}

func (h *Handler) handlePost(ctx context.Context, userID, chatID int64) string {
	log := h.log.WithField("user_id", userID)

	c, err := h.composerFor(ctx, userID, chatID)
	if err != nil {
		return "Something went wrong loading your draft. Please try again."
	}

	// A draft that cannot be posted is answered before any session traffic.
	var receipt domain.PostReceipt
	if err = c.State().Draft.Validate(); err == nil {
		var poster composer.Poster
		if agent := h.agentFor(ctx, userID); agent != nil {
			poster = agent
		}
		receipt, err = c.Submit(ctx, poster)
	}

	switch {
	case err == nil:
		return fmt.Sprintf("Post successful! URL: %s", receipt.WebURL)
	case errors.Is(err, domain.ErrEmptyPost):
		return "Write something before posting."
	case errors.Is(err, domain.ErrOverLimit):
		return fmt.Sprintf("Your post is %d characters over the limit.", -c.State().Budget.Remaining)
	case errors.Is(err, composer.ErrNotAuthenticated):
		return "Log in first with /login <handle-or-email> <app-password>."
	case errors.Is(err, composer.ErrSubmitInProgress):
		return "Your previous post is still being sent."
	case bluesky.IsAuthError(err):
		log.WithError(err).Warn("Session rejected while posting")
		h.setAgent(userID, nil)
		if logoutErr := h.accounts.Logout(ctx, userID); logoutErr != nil {
			log.WithError(logoutErr).Error("Failed to drop rejected session")
		}
		return "Your session has expired. Please /login again; your draft is kept."
	default:
		return "Failed to post. Please try again."
	}
}

// composerFor returns the user's composer, routing preview updates to chatID.
func (h *Handler) composerFor(ctx context.Context, userID, chatID int64) (*composer.Composer, error) {
	c, err := h.composers.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.OnPreview(h.previewNotifier(c, userID, chatID))
	return c, nil
}

// previewNotifier sends settled previews to chatID. A preview the user has
// already replaced or removed is dropped.
func (h *Handler) previewNotifier(c *composer.Composer, userID, chatID int64) func(*domain.LinkPreview) {
	return func(p *domain.LinkPreview) {
		if !c.Showing(p) {
			return
		}
		sendCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h.send(sendCtx, chatID, formatPreview(p), h.log.WithField("user_id", userID))
	}
}

// agentFor returns the logged-in agent for userID, resuming a stored
// session if needed. It returns nil when the user is not logged in.
func (h *Handler) agentFor(ctx context.Context, userID int64) *bluesky.Agent {
	h.mu.Lock()
	agent := h.agents[userID]
	h.mu.Unlock()
	if agent != nil {
		return agent
	}

	agent, err := h.accounts.Resume(ctx, userID)
	if err != nil {
		if !errors.Is(err, account.ErrNoSession) {
			h.log.WithError(err).WithField("user_id", userID).Warn("Failed to resume session")
		}
		return nil
	}
	h.setAgent(userID, agent)
	return agent
}

func (h *Handler) setAgent(userID int64, agent *bluesky.Agent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if agent == nil {
		delete(h.agents, userID)
		return
	}
	h.agents[userID] = agent
}

func (h *Handler) send(ctx context.Context, chatID int64, text string, log logrus.FieldLogger) {
	_, err := h.sender.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	})
	if err != nil {
		log.WithError(err).Error("Failed to send message")
	}
}
