// Package store defines the persistence interfaces for the search backend
// and their PostgreSQL implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/conversa-dev/conversa/dataset"
)

// Common store errors. Implementations translate driver errors into these
// so handlers never leak database details.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrUserExists indicates a username collision on create.
	ErrUserExists = errors.New("username already exists")
)

// User is an account allowed to query the search API.
type User struct {
	ID           uuid.UUID
	Username     string
	PasswordHash string
	TelegramID   int64
	IsAdmin      bool
	CreatedAt    time.Time
	LastLogin    *time.Time
}

// SearchParams filters and paginates a QA pair search. Zero values mean
// "no filter"; Page and PerPage are normalized by the implementation.
type SearchParams struct {
	Query        string
	DateFrom     string
	DateTo       string
	Emotion      string
	Conversation string
	Source       string
	Page         int
	PerPage      int
}

// Pagination limits.
const (
	DefaultPerPage = 20
	MaxPerPage     = 100
)

// SearchResult is one page of matches plus the total match count.
type SearchResult struct {
	Pairs   []*dataset.QAPair
	Total   int
	Page    int
	PerPage int
}

// ConversationSummary describes one imported conversation.
type ConversationSummary struct {
	dataset.Conversation
	PairCount int `json:"pair_count"`
}

// FilterOptions lists the distinct values available for search filters.
type FilterOptions struct {
	Emotions      []string `json:"emotions"`
	Conversations []string `json:"conversations"`
	Sources       []string `json:"sources"`
	DateMin       string   `json:"date_min,omitempty"`
	DateMax       string   `json:"date_max,omitempty"`
}

// Stats summarizes the imported dataset.
type Stats struct {
	TotalPairs         int            `json:"total_pairs"`
	TotalConversations int            `json:"total_conversations"`
	Translated         int            `json:"translated"`
	ByEmotion          map[string]int `json:"by_emotion"`
	BySource           map[string]int `json:"by_source"`
}

// UserStore manages API user accounts.
type UserStore interface {
	Create(ctx context.Context, user *User) error
	GetByUsername(ctx context.Context, username string) (*User, error)
	List(ctx context.Context) ([]*User, error)
	Delete(ctx context.Context, username string) error
	UpdatePassword(ctx context.Context, username, passwordHash string) error
	TouchLogin(ctx context.Context, username string) error
}

// QAStore serves the translated QA dataset.
type QAStore interface {
	// Import replaces the stored dataset with the given pairs,
	// rebuilding the conversation and topic tables from pair metadata.
	Import(ctx context.Context, pairs []*dataset.QAPair) (int, error)
	Search(ctx context.Context, params SearchParams) (*SearchResult, error)
	GetByID(ctx context.Context, id int) (*dataset.QAPair, error)
	Conversations(ctx context.Context) ([]*ConversationSummary, error)
	Filters(ctx context.Context) (*FilterOptions, error)
	Stats(ctx context.Context) (*Stats, error)
	// Export returns every pair matching the filters in params, ordered
	// by ID and without pagination. Page and PerPage are ignored.
	Export(ctx context.Context, params SearchParams) ([]*dataset.QAPair, error)
}
