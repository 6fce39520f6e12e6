package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/conversa-dev/conversa/dataset"
)

// PostgreSQL unique violation error code.
const uniqueViolationCode = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// ============================================================================
// Users
// ============================================================================

// PostgresUserStore implements UserStore on a *sql.DB.
type PostgresUserStore struct {
	db *sql.DB
}

var _ UserStore = (*PostgresUserStore)(nil)

// NewPostgresUserStore wraps an open database connection. The caller owns
// the connection lifecycle.
func NewPostgresUserStore(db *sql.DB) *PostgresUserStore {
	return &PostgresUserStore{db: db}
}

func (s *PostgresUserStore) Create(ctx context.Context, user *User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, telegram_id, is_admin, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.Username, user.PasswordHash, user.TelegramID, user.IsAdmin, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUserExists
		}
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}

func (s *PostgresUserStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, telegram_id, is_admin, created_at, last_login
		 FROM users WHERE username = $1`, username).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.TelegramID, &u.IsAdmin, &u.CreatedAt, &u.LastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching user: %w", err)
	}
	return &u, nil
}

func (s *PostgresUserStore) List(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, password_hash, telegram_id, is_admin, created_at, last_login
		 FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.TelegramID, &u.IsAdmin, &u.CreatedAt, &u.LastLogin); err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

func (s *PostgresUserStore) Delete(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE username = $1`, username)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresUserStore) UpdatePassword(ctx context.Context, username, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $2 WHERE username = $1`, username, passwordHash)
	if err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresUserStore) TouchLogin(ctx context.Context, username string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login = now() WHERE username = $1`, username)
	if err != nil {
		return fmt.Errorf("recording login: %w", err)
	}
	return nil
}

// ============================================================================
// QA pairs
// ============================================================================

// PostgresQAStore implements QAStore on a *sql.DB.
type PostgresQAStore struct {
	db *sql.DB
}

var _ QAStore = (*PostgresQAStore)(nil)

// NewPostgresQAStore wraps an open database connection.
func NewPostgresQAStore(db *sql.DB) *PostgresQAStore {
	return &PostgresQAStore{db: db}
}

const qaColumns = `id, conversation, question_pt, question_en, answer_pt, answer_en,
	context_pt, context_en, qa_date, emotion_tone, source`

func scanPair(scan func(dest ...any) error) (*dataset.QAPair, error) {
	var qa dataset.QAPair
	err := scan(&qa.ID, &qa.Conversation.FileName, &qa.QuestionPT, &qa.QuestionEN,
		&qa.AnswerPT, &qa.AnswerEN, &qa.Context, &qa.ContextEN,
		&qa.Date, &qa.EmotionTone, &qa.Source)
	if err != nil {
		return nil, err
	}
	return &qa, nil
}

// Import replaces the whole dataset inside one transaction. Conversations
// and topics are rebuilt from the metadata carried by each pair.
func (s *PostgresQAStore) Import(ctx context.Context, pairs []*dataset.QAPair) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting import transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"qa_pairs", "topics", "conversations"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return 0, fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	seen := make(map[string]bool)
	for _, qa := range pairs {
		conv := qa.Conversation
		if !seen[conv.FileName] {
			seen[conv.FileName] = true
			_, err := tx.ExecContext(ctx,
				`INSERT INTO conversations (file_name, start_date, end_date, total_messages,
				     conversation_duration, overall_tone, potential_scam, risk_explanation)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				conv.FileName, conv.StartDate, conv.EndDate, conv.TotalMessages,
				conv.ConversationDuration, conv.OverallTone, conv.PotentialScam, conv.RiskExplanation)
			if err != nil {
				return 0, fmt.Errorf("inserting conversation %s: %w", conv.FileName, err)
			}
			for _, topic := range conv.Topics {
				_, err := tx.ExecContext(ctx,
					`INSERT INTO topics (conversation, topic) VALUES ($1, $2)
					 ON CONFLICT DO NOTHING`, conv.FileName, topic)
				if err != nil {
					return 0, fmt.Errorf("inserting topic: %w", err)
				}
			}
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO qa_pairs (`+qaColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			qa.ID, conv.FileName, qa.QuestionPT, qa.QuestionEN, qa.AnswerPT, qa.AnswerEN,
			qa.Context, qa.ContextEN, qa.Date, qa.EmotionTone, qa.Source)
		if err != nil {
			return 0, fmt.Errorf("inserting pair %d: %w", qa.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing import: %w", err)
	}
	return len(pairs), nil
}

// normalize clamps pagination to sane bounds.
func (p *SearchParams) normalize() {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PerPage < 1 {
		p.PerPage = DefaultPerPage
	}
	if p.PerPage > MaxPerPage {
		p.PerPage = MaxPerPage
	}
}

// buildSearchWhere translates params into a WHERE clause and its arguments.
// The free-text query matches both languages of question and answer.
func buildSearchWhere(params SearchParams) (string, []any) {
	var conds []string
	var args []any

	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if params.Query != "" {
		like := "%" + params.Query + "%"
		args = append(args, like)
		n := len(args)
		conds = append(conds, fmt.Sprintf(
			"(question_pt ILIKE $%d OR question_en ILIKE $%d OR answer_pt ILIKE $%d OR answer_en ILIKE $%d)",
			n, n, n, n))
	}
	if params.DateFrom != "" {
		add("qa_date >= $%d", params.DateFrom)
	}
	if params.DateTo != "" {
		add("qa_date <= $%d", params.DateTo)
	}
	if params.Emotion != "" {
		add("emotion_tone = $%d", params.Emotion)
	}
	if params.Conversation != "" {
		add("conversation = $%d", params.Conversation)
	}
	if params.Source != "" {
		add("source = $%d", params.Source)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *PostgresQAStore) Search(ctx context.Context, params SearchParams) (*SearchResult, error) {
	params.normalize()
	where, args := buildSearchWhere(params)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM qa_pairs"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting matches: %w", err)
	}

	query := fmt.Sprintf("SELECT "+qaColumns+" FROM qa_pairs%s ORDER BY id LIMIT $%d OFFSET $%d",
		where, len(args)+1, len(args)+2)
	args = append(args, params.PerPage, (params.Page-1)*params.PerPage)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching pairs: %w", err)
	}
	defer rows.Close()

	result := &SearchResult{
		Pairs:   []*dataset.QAPair{},
		Total:   total,
		Page:    params.Page,
		PerPage: params.PerPage,
	}
	for rows.Next() {
		qa, err := scanPair(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning pair: %w", err)
		}
		result.Pairs = append(result.Pairs, qa)
	}
	return result, rows.Err()
}

func (s *PostgresQAStore) GetByID(ctx context.Context, id int) (*dataset.QAPair, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+qaColumns+" FROM qa_pairs WHERE id = $1", id)
	qa, err := scanPair(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching pair: %w", err)
	}
	return qa, nil
}

func (s *PostgresQAStore) Conversations(ctx context.Context) ([]*ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.file_name, c.start_date, c.end_date, c.total_messages,
		        c.conversation_duration, c.overall_tone, c.potential_scam, c.risk_explanation,
		        COUNT(q.id)
		 FROM conversations c
		 LEFT JOIN qa_pairs q ON q.conversation = c.file_name
		 GROUP BY c.file_name
		 ORDER BY c.file_name`)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var convs []*ConversationSummary
	for rows.Next() {
		var c ConversationSummary
		err := rows.Scan(&c.FileName, &c.StartDate, &c.EndDate, &c.TotalMessages,
			&c.ConversationDuration, &c.OverallTone, &c.PotentialScam, &c.RiskExplanation,
			&c.PairCount)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range convs {
		topicRows, err := s.db.QueryContext(ctx,
			`SELECT topic FROM topics WHERE conversation = $1 ORDER BY topic`, c.FileName)
		if err != nil {
			return nil, fmt.Errorf("listing topics: %w", err)
		}
		for topicRows.Next() {
			var t string
			if err := topicRows.Scan(&t); err != nil {
				topicRows.Close()
				return nil, fmt.Errorf("scanning topic: %w", err)
			}
			c.Topics = append(c.Topics, t)
		}
		if err := topicRows.Err(); err != nil {
			topicRows.Close()
			return nil, err
		}
		topicRows.Close()
	}
	return convs, nil
}

func (s *PostgresQAStore) Filters(ctx context.Context) (*FilterOptions, error) {
	opts := &FilterOptions{}

	distinct := func(column string, dest *[]string) error {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
			"SELECT DISTINCT %s FROM qa_pairs WHERE %s <> '' ORDER BY %s", column, column, column))
		if err != nil {
			return fmt.Errorf("listing %s values: %w", column, err)
		}
		defer rows.Close()
		for rows.Next() {
			var v string
			if err := rows.Scan(&v); err != nil {
				return fmt.Errorf("scanning %s value: %w", column, err)
			}
			*dest = append(*dest, v)
		}
		return rows.Err()
	}

	if err := distinct("emotion_tone", &opts.Emotions); err != nil {
		return nil, err
	}
	if err := distinct("conversation", &opts.Conversations); err != nil {
		return nil, err
	}
	if err := distinct("source", &opts.Sources); err != nil {
		return nil, err
	}

	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MIN(qa_date), ''), COALESCE(MAX(qa_date), '')
		 FROM qa_pairs WHERE qa_date <> ''`).Scan(&opts.DateMin, &opts.DateMax)
	if err != nil {
		return nil, fmt.Errorf("finding date range: %w", err)
	}
	return opts, nil
}

func (s *PostgresQAStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByEmotion: make(map[string]int),
		BySource:  make(map[string]int),
	}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE question_en <> '' AND answer_en <> ''),
		        (SELECT COUNT(*) FROM conversations)
		 FROM qa_pairs`).Scan(&stats.TotalPairs, &stats.Translated, &stats.TotalConversations)
	if err != nil {
		return nil, fmt.Errorf("counting pairs: %w", err)
	}

	group := func(column string, dest map[string]int) error {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
			"SELECT %s, COUNT(*) FROM qa_pairs WHERE %s <> '' GROUP BY %s", column, column, column))
		if err != nil {
			return fmt.Errorf("grouping by %s: %w", column, err)
		}
		defer rows.Close()
		for rows.Next() {
			var k string
			var n int
			if err := rows.Scan(&k, &n); err != nil {
				return fmt.Errorf("scanning %s group: %w", column, err)
			}
			dest[k] = n
		}
		return rows.Err()
	}

	if err := group("emotion_tone", stats.ByEmotion); err != nil {
		return nil, err
	}
	if err := group("source", stats.BySource); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *PostgresQAStore) Export(ctx context.Context, params SearchParams) ([]*dataset.QAPair, error) {
	where, args := buildSearchWhere(params)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+qaColumns+" FROM qa_pairs"+where+" ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("exporting pairs: %w", err)
	}
	defer rows.Close()

	var pairs []*dataset.QAPair
	for rows.Next() {
		qa, err := scanPair(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning pair: %w", err)
		}
		pairs = append(pairs, qa)
	}
	return pairs, rows.Err()
}
