package bot

import (
	"context"
	"log/slog"
	"os"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/conversa-dev/conversa/store"
)

const adminID = int64(42)

type fakeSender struct {
	sent []tgbotapi.MessageConfig
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) last(t *testing.T) string {
	t.Helper()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1].Text
}

type fakeUserStore struct {
	users map[string]*store.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: map[string]*store.User{}}
}

func (f *fakeUserStore) Create(ctx context.Context, user *store.User) error {
	if _, ok := f.users[user.Username]; ok {
		return store.ErrUserExists
	}
	f.users[user.Username] = user
	return nil
}

func (f *fakeUserStore) GetByUsername(ctx context.Context, username string) (*store.User, error) {
	u, ok := f.users[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeUserStore) List(ctx context.Context) ([]*store.User, error) {
	var users []*store.User
	for _, u := range f.users {
		users = append(users, u)
	}
	return users, nil
}

func (f *fakeUserStore) Delete(ctx context.Context, username string) error {
	if _, ok := f.users[username]; !ok {
		return store.ErrNotFound
	}
	delete(f.users, username)
	return nil
}

func (f *fakeUserStore) UpdatePassword(ctx context.Context, username, hash string) error {
	u, ok := f.users[username]
	if !ok {
		return store.ErrNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (f *fakeUserStore) TouchLogin(ctx context.Context, username string) error { return nil }

func command(userID int64, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		From:     &tgbotapi.User{ID: userID},
		Chat:     &tgbotapi.Chat{ID: 1000},
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: commandLength(text)}},
	}
}

func commandLength(text string) int {
	for i, r := range text {
		if r == ' ' {
			return i
		}
	}
	return len(text)
}

func newTestBot(users *fakeUserStore) (*Bot, *fakeSender) {
	api := &fakeSender{}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(api, users, nil, []int64{adminID}, logger), api
}

// ============================================================================
// Authorization
// ============================================================================

func TestNonAdminRejected(t *testing.T) {
	users := newFakeUserStore()
	b, api := newTestBot(users)

	b.HandleCommand(context.Background(), command(7, "/add_user eve password123"))

	assert.Contains(t, api.last(t), "not authorized")
	assert.Empty(t, users.users, "no user should be created")
}

// ============================================================================
// Commands
// ============================================================================

func TestAddUserCreatesAccountWithBcryptHash(t *testing.T) {
	users := newFakeUserStore()
	b, api := newTestBot(users)

	b.HandleCommand(context.Background(), command(adminID, "/add_user alice sup3rsecret"))

	assert.Contains(t, api.last(t), `User "alice" created`)
	u := users.users["alice"]
	require.NotNil(t, u)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte("sup3rsecret")))
}

func TestAddUserRejectsShortPassword(t *testing.T) {
	users := newFakeUserStore()
	b, api := newTestBot(users)

	b.HandleCommand(context.Background(), command(adminID, "/add_user alice short"))

	assert.Contains(t, api.last(t), "at least 8 characters")
	assert.Empty(t, users.users)
}

func TestAddUserReportsDuplicate(t *testing.T) {
	users := newFakeUserStore()
	users.users["alice"] = &store.User{Username: "alice"}
	b, api := newTestBot(users)

	b.HandleCommand(context.Background(), command(adminID, "/add_user alice sup3rsecret"))

	assert.Contains(t, api.last(t), "already exists")
}

func TestRemoveUser(t *testing.T) {
	users := newFakeUserStore()
	users.users["alice"] = &store.User{Username: "alice"}
	b, api := newTestBot(users)

	b.HandleCommand(context.Background(), command(adminID, "/remove_user alice"))
	assert.Contains(t, api.last(t), `User "alice" removed`)
	assert.Empty(t, users.users)

	b.HandleCommand(context.Background(), command(adminID, "/remove_user alice"))
	assert.Contains(t, api.last(t), "not found")
}

func TestResetPassword(t *testing.T) {
	users := newFakeUserStore()
	users.users["alice"] = &store.User{Username: "alice", PasswordHash: "old"}
	b, api := newTestBot(users)

	b.HandleCommand(context.Background(), command(adminID, "/reset_password alice newpassword"))

	assert.Contains(t, api.last(t), "updated")
	assert.NoError(t, bcrypt.CompareHashAndPassword(
		[]byte(users.users["alice"].PasswordHash), []byte("newpassword")))
}

func TestHelpListsCommands(t *testing.T) {
	b, api := newTestBot(newFakeUserStore())

	b.HandleCommand(context.Background(), command(adminID, "/help"))

	text := api.last(t)
	for _, cmd := range []string{"/add_user", "/list_users", "/remove_user", "/reset_password", "/stats"} {
		assert.Contains(t, text, cmd)
	}
}

func TestStatsWithoutDatabase(t *testing.T) {
	b, api := newTestBot(newFakeUserStore())

	b.HandleCommand(context.Background(), command(adminID, "/stats"))

	assert.Contains(t, api.last(t), "No database configured")
}

func TestUnknownCommand(t *testing.T) {
	b, api := newTestBot(newFakeUserStore())

	b.HandleCommand(context.Background(), command(adminID, "/frobnicate"))

	assert.Contains(t, api.last(t), "Unknown command")
}
