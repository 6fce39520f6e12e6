// Package bot implements the Telegram admin bot used to manage search API
// accounts. Every command is restricted to the configured admin user IDs.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/conversa-dev/conversa/store"
)

// sender abstracts the Telegram API for tests.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Bot handles admin commands over Telegram.
type Bot struct {
	api      sender
	users    store.UserStore
	qa       store.QAStore
	adminIDs map[int64]bool
	logger   *slog.Logger
}

// New builds a Bot around an authorized Telegram API client. qa may be nil
// when no database is configured; /stats then reports that.
func New(api sender, users store.UserStore, qa store.QAStore, adminIDs []int64, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	admins := make(map[int64]bool, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = true
	}
	return &Bot{
		api:      api,
		users:    users,
		qa:       qa,
		adminIDs: admins,
		logger:   logger,
	}
}

// Run processes updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			b.HandleCommand(ctx, update.Message)
		}
	}
}

// HandleCommand dispatches one command message.
func (b *Bot) HandleCommand(ctx context.Context, msg *tgbotapi.Message) {
	if !b.adminIDs[msg.From.ID] {
		b.logger.Warn("command from non-admin", "user_id", msg.From.ID, "command", msg.Command())
		b.reply(msg, "You are not authorized to use this bot.")
		return
	}

	args := strings.Fields(msg.CommandArguments())

	var response string
	var err error
	switch msg.Command() {
	case "start", "help":
		response = helpText
	case "add_user":
		response, err = b.addUser(ctx, args)
	case "list_users":
		response, err = b.listUsers(ctx)
	case "remove_user":
		response, err = b.removeUser(ctx, args)
	case "reset_password":
		response, err = b.resetPassword(ctx, args)
	case "stats":
		response, err = b.stats(ctx)
	default:
		response = "Unknown command. Use /help to see available commands."
	}

	if err != nil {
		b.logger.Error("command failed", "command", msg.Command(), "error", err)
		response = "Error: " + err.Error()
	}
	b.reply(msg, response)
}

const helpText = `Conversa admin bot. Available commands:

/add_user <username> <password> - create a search API account
/list_users - list all accounts
/remove_user <username> - delete an account
/reset_password <username> <new password> - change a password
/stats - show dataset statistics
/help - show this message`

func (b *Bot) reply(msg *tgbotapi.Message, text string) {
	reply := tgbotapi.NewMessage(msg.Chat.ID, text)
	if _, err := b.api.Send(reply); err != nil {
		b.logger.Error("sending reply", "error", err)
	}
}

// ============================================================================
// Commands
// ============================================================================

func (b *Bot) addUser(ctx context.Context, args []string) (string, error) {
	if len(args) < 2 {
		return "Usage: /add_user <username> <password>", nil
	}
	username, password := args[0], strings.Join(args[1:], " ")
	if len(password) < 8 {
		return "Password must be at least 8 characters.", nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}

	err = b.users.Create(ctx, &store.User{
		Username:     username,
		PasswordHash: string(hash),
	})
	if errors.Is(err, store.ErrUserExists) {
		return fmt.Sprintf("User %q already exists.", username), nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("User %q created.", username), nil
}

func (b *Bot) listUsers(ctx context.Context) (string, error) {
	users, err := b.users.List(ctx)
	if err != nil {
		return "", err
	}
	if len(users) == 0 {
		return "No users registered.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d user(s):\n", len(users)))
	for _, u := range users {
		line := "- " + u.Username
		if u.LastLogin != nil {
			line += " (last login " + u.LastLogin.Format("2006-01-02 15:04") + ")"
		} else {
			line += " (never logged in)"
		}
		sb.WriteString(line + "\n")
	}
	return sb.String(), nil
}

func (b *Bot) removeUser(ctx context.Context, args []string) (string, error) {
	if len(args) != 1 {
		return "Usage: /remove_user <username>", nil
	}
	err := b.users.Delete(ctx, args[0])
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Sprintf("User %q not found.", args[0]), nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("User %q removed.", args[0]), nil
}

func (b *Bot) resetPassword(ctx context.Context, args []string) (string, error) {
	if len(args) < 2 {
		return "Usage: /reset_password <username> <new password>", nil
	}
	username, password := args[0], strings.Join(args[1:], " ")
	if len(password) < 8 {
		return "Password must be at least 8 characters.", nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}

	err = b.users.UpdatePassword(ctx, username, string(hash))
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Sprintf("User %q not found.", username), nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Password for %q updated.", username), nil
}

func (b *Bot) stats(ctx context.Context) (string, error) {
	if b.qa == nil {
		return "No database configured.", nil
	}
	stats, err := b.qa.Stats(ctx)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Dataset statistics:\n")
	sb.WriteString(fmt.Sprintf("- QA pairs: %d\n", stats.TotalPairs))
	sb.WriteString(fmt.Sprintf("- Translated: %d\n", stats.Translated))
	sb.WriteString(fmt.Sprintf("- Conversations: %d\n", stats.TotalConversations))
	return sb.String(), nil
}
