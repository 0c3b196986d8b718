package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dkoval/questline/internal/domain"
	"github.com/dkoval/questline/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite. Nested document state
// (messages, skill trees, user stats) is stored as JSON text columns so a
// node mutation and its aggregates land in one row update.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		email TEXT,
		name TEXT,
		stats_json TEXT NOT NULL,
		subscription_json TEXT NOT NULL,
		preferences_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users(email) WHERE email IS NOT NULL AND email != '';

	CREATE TABLE IF NOT EXISTS conversations (
		conversation_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		last_message_id TEXT,
		objective_id TEXT,
		messages_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user_updated ON conversations(user_id, updated_at DESC);
	CREATE INDEX IF NOT EXISTS idx_conversations_last_message ON conversations(last_message_id);

	CREATE TABLE IF NOT EXISTS objectives (
		objective_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		category TEXT,
		difficulty TEXT,
		progress INTEGER NOT NULL DEFAULT 0,
		completed_steps INTEGER NOT NULL DEFAULT 0,
		total_xp INTEGER NOT NULL DEFAULT 0,
		conversation_id TEXT,
		skill_tree_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_objectives_user_created ON objectives(user_id, created_at DESC);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// execWithRetry runs a write with exponential backoff on SQLITE_BUSY.
func (s *SQLiteStore) execWithRetry(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var res sql.Result
	var err error
	for i := 0; i < maxRetries; i++ {
		res, err = s.db.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}
		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // 100ms, 200ms, 400ms
			slog.Debug("Write failed with SQLITE_BUSY, retrying", "attempt", i+1, "delay", delay)
			time.Sleep(delay)
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("write failed after %d attempts: %w", maxRetries, err)
}

// GetUser retrieves a user by id.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, email, name, stats_json, subscription_json,
		       preferences_json, created_at, updated_at
		FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var email, name, prefsJSON sql.NullString
	var statsJSON, subJSON string
	var createdAt, updatedAt int64

	err := row.Scan(&user.ID, &email, &name, &statsJSON, &subJSON, &prefsJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.Email = email.String
	user.Name = name.String
	if err := json.Unmarshal([]byte(statsJSON), &user.Stats); err != nil {
		return nil, fmt.Errorf("decode user stats: %w", err)
	}
	if err := json.Unmarshal([]byte(subJSON), &user.Subscription); err != nil {
		return nil, fmt.Errorf("decode user subscription: %w", err)
	}
	if prefsJSON.Valid && prefsJSON.String != "" {
		if err := json.Unmarshal([]byte(prefsJSON.String), &user.Preferences); err != nil {
			return nil, fmt.Errorf("decode user preferences: %w", err)
		}
	}
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	statsJSON, err := json.Marshal(user.Stats)
	if err != nil {
		return fmt.Errorf("encode user stats: %w", err)
	}
	subJSON, err := json.Marshal(user.Subscription)
	if err != nil {
		return fmt.Errorf("encode user subscription: %w", err)
	}

	var prefsJSON interface{}
	if user.Preferences != nil {
		b, err := json.Marshal(user.Preferences)
		if err != nil {
			return fmt.Errorf("encode user preferences: %w", err)
		}
		prefsJSON = string(b)
	}

	var email interface{}
	if user.Email != "" {
		email = user.Email
	}

	query := `
	INSERT INTO users (user_id, email, name, stats_json, subscription_json, preferences_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		email = excluded.email,
		name = excluded.name,
		stats_json = excluded.stats_json,
		subscription_json = excluded.subscription_json,
		preferences_json = excluded.preferences_json,
		updated_at = excluded.updated_at`

	_, err = s.execWithRetry(ctx, query,
		user.ID, email, user.Name, string(statsJSON), string(subJSON), prefsJSON,
		user.CreatedAt.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// DeleteUser removes a user and cascades to their conversations and objectives.
func (s *SQLiteStore) DeleteUser(ctx context.Context, userID string) (int64, int64, error) {
	convRes, err := s.execWithRetry(ctx, `DELETE FROM conversations WHERE user_id = ?`, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("delete user conversations: %w", err)
	}
	convRows, err := convRes.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("conversation rows affected: %w", err)
	}

	objRes, err := s.execWithRetry(ctx, `DELETE FROM objectives WHERE user_id = ?`, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("delete user objectives: %w", err)
	}
	objRows, err := objRes.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("objective rows affected: %w", err)
	}

	if _, err := s.execWithRetry(ctx, `DELETE FROM users WHERE user_id = ?`, userID); err != nil {
		return 0, 0, fmt.Errorf("delete user: %w", err)
	}

	return convRows, objRows, nil
}

const conversationColumns = `conversation_id, user_id, status, last_message_id, objective_id, messages_json, created_at, updated_at`

func scanConversation(row interface{ Scan(...interface{}) error }) (*domain.Conversation, error) {
	var conv domain.Conversation
	var lastMessageID, objectiveID sql.NullString
	var messagesJSON string
	var createdAt, updatedAt int64

	err := row.Scan(
		&conv.ID, &conv.UserID, &conv.Status,
		&lastMessageID, &objectiveID, &messagesJSON,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	conv.LastMessageID = lastMessageID.String
	conv.ObjectiveID = objectiveID.String
	if err := json.Unmarshal([]byte(messagesJSON), &conv.Messages); err != nil {
		return nil, fmt.Errorf("decode conversation messages: %w", err)
	}
	conv.CreatedAt = time.Unix(createdAt, 0)
	conv.UpdatedAt = time.Unix(updatedAt, 0)
	return &conv, nil
}

// GetConversation retrieves a conversation by id.
func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE conversation_id = ?`
	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, conversationID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	return conv, nil
}

// GetConversationByCorrelation retrieves the conversation whose
// last_message_id matches the given message id.
func (s *SQLiteStore) GetConversationByCorrelation(ctx context.Context, messageID string) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE last_message_id = ?`
	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, messageID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation by correlation: %w", err)
	}
	return conv, nil
}

// FindEmptyDraft returns an existing empty draft conversation for the user.
func (s *SQLiteStore) FindEmptyDraft(ctx context.Context, userID string) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations
		WHERE user_id = ? AND messages_json = '[]' AND (objective_id IS NULL OR objective_id = '')
		ORDER BY updated_at DESC LIMIT 1`
	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan draft conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns the user's conversations, newest first.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string, limit int) ([]*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations
		WHERE user_id = ? ORDER BY updated_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	var convs []*domain.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		convs = append(convs, conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	return convs, nil
}

// UpsertConversation creates or updates a conversation.
func (s *SQLiteStore) UpsertConversation(ctx context.Context, conv *domain.Conversation) error {
	messages := conv.Messages
	if messages == nil {
		messages = []domain.Message{}
	}
	messagesJSON, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode conversation messages: %w", err)
	}

	var lastMessageID, objectiveID interface{}
	if conv.LastMessageID != "" {
		lastMessageID = conv.LastMessageID
	}
	if conv.ObjectiveID != "" {
		objectiveID = conv.ObjectiveID
	}

	query := `
	INSERT INTO conversations (conversation_id, user_id, status, last_message_id, objective_id, messages_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(conversation_id) DO UPDATE SET
		status = excluded.status,
		last_message_id = excluded.last_message_id,
		objective_id = COALESCE(excluded.objective_id, conversations.objective_id),
		messages_json = excluded.messages_json,
		updated_at = excluded.updated_at`

	_, err = s.execWithRetry(ctx, query,
		conv.ID, conv.UserID, conv.Status,
		lastMessageID, objectiveID, string(messagesJSON),
		conv.CreatedAt.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

// DeleteConversation removes a conversation by id.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, conversationID string) error {
	if _, err := s.execWithRetry(ctx, `DELETE FROM conversations WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

const objectiveColumns = `objective_id, user_id, title, description, category, difficulty,
		progress, completed_steps, total_xp, conversation_id, skill_tree_json, created_at, updated_at`

func scanObjective(row interface{ Scan(...interface{}) error }) (*domain.Objective, error) {
	var obj domain.Objective
	var description, category, difficulty, conversationID sql.NullString
	var treeJSON string
	var createdAt, updatedAt int64

	err := row.Scan(
		&obj.ID, &obj.UserID, &obj.Title,
		&description, &category, &difficulty,
		&obj.Progress, &obj.CompletedSteps, &obj.TotalXP,
		&conversationID, &treeJSON,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	obj.Description = description.String
	obj.Category = category.String
	obj.Difficulty = difficulty.String
	obj.ConversationID = conversationID.String
	if err := json.Unmarshal([]byte(treeJSON), &obj.SkillTree); err != nil {
		return nil, fmt.Errorf("decode skill tree: %w", err)
	}
	obj.CreatedAt = time.Unix(createdAt, 0)
	obj.UpdatedAt = time.Unix(updatedAt, 0)
	return &obj, nil
}

// GetObjective retrieves an objective by id.
func (s *SQLiteStore) GetObjective(ctx context.Context, objectiveID string) (*domain.Objective, error) {
	query := `SELECT ` + objectiveColumns + ` FROM objectives WHERE objective_id = ?`
	obj, err := scanObjective(s.db.QueryRowContext(ctx, query, objectiveID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan objective row: %w", err)
	}
	return obj, nil
}

// ListObjectives returns the user's objectives, newest first.
func (s *SQLiteStore) ListObjectives(ctx context.Context, userID string) ([]*domain.Objective, error) {
	query := `SELECT ` + objectiveColumns + ` FROM objectives WHERE user_id = ? ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query objectives: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close objective rows", "error", closeErr)
		}
	}()

	var objs []*domain.Objective
	for rows.Next() {
		obj, err := scanObjective(rows)
		if err != nil {
			return nil, fmt.Errorf("scan objective row: %w", err)
		}
		objs = append(objs, obj)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate objectives: %w", err)
	}

	return objs, nil
}

// UpsertObjective creates or updates an objective in a single row update.
func (s *SQLiteStore) UpsertObjective(ctx context.Context, obj *domain.Objective) error {
	treeJSON, err := json.Marshal(obj.SkillTree)
	if err != nil {
		return fmt.Errorf("encode skill tree: %w", err)
	}

	var conversationID interface{}
	if obj.ConversationID != "" {
		conversationID = obj.ConversationID
	}

	query := `
	INSERT INTO objectives (objective_id, user_id, title, description, category, difficulty,
		progress, completed_steps, total_xp, conversation_id, skill_tree_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(objective_id) DO UPDATE SET
		title = excluded.title,
		description = excluded.description,
		category = excluded.category,
		difficulty = excluded.difficulty,
		progress = excluded.progress,
		completed_steps = excluded.completed_steps,
		total_xp = excluded.total_xp,
		skill_tree_json = excluded.skill_tree_json,
		updated_at = excluded.updated_at`

	_, err = s.execWithRetry(ctx, query,
		obj.ID, obj.UserID, obj.Title,
		obj.Description, obj.Category, obj.Difficulty,
		obj.Progress, obj.CompletedSteps, obj.TotalXP,
		conversationID, string(treeJSON),
		obj.CreatedAt.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert objective: %w", err)
	}
	return nil
}

// DeleteObjective removes an objective by id.
func (s *SQLiteStore) DeleteObjective(ctx context.Context, objectiveID string) error {
	if _, err := s.execWithRetry(ctx, `DELETE FROM objectives WHERE objective_id = ?`, objectiveID); err != nil {
		return fmt.Errorf("delete objective: %w", err)
	}
	return nil
}
