package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/louisbranch/eventmesh/internal/platform/errors"
	sqlitemigrate "github.com/louisbranch/eventmesh/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/eventmesh/internal/services/mesh/protocol"
	"github.com/louisbranch/eventmesh/internal/services/mesh/storage"
	"github.com/louisbranch/eventmesh/internal/services/mesh/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed broker persistence.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// Open opens a broker SQLite store and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Offsets are assigned by a single writer connection.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB, now: time.Now}
	if err := sqlitemigrate.ApplyMigrations(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// CreateTopic creates name, returning the existing topic when present.
func (s *Store) CreateTopic(ctx context.Context, name string) (storage.Topic, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Topic{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return storage.Topic{}, apperrors.New(apperrors.CodeTopicEmpty, "topic name is required")
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO topics (name, next_offset, created_at) VALUES (?, 0, ?)`,
		name, s.now().UTC().UnixMilli(),
	); err != nil {
		return storage.Topic{}, fmt.Errorf("create topic: %w", err)
	}
	return s.getTopic(ctx, name)
}

func (s *Store) getTopic(ctx context.Context, name string) (storage.Topic, error) {
	var topic storage.Topic
	var createdAt int64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT name, next_offset, created_at FROM topics WHERE name = ?`, name,
	).Scan(&topic.Name, &topic.NextOffset, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Topic{}, apperrors.WithMetadata(apperrors.CodeTopicNotFound, "topic not found", map[string]string{"topic": name})
	}
	if err != nil {
		return storage.Topic{}, fmt.Errorf("get topic: %w", err)
	}
	topic.CreatedAt = time.UnixMilli(createdAt).UTC()
	return topic, nil
}

// TopicExists reports whether name was created.
func (s *Store) TopicExists(ctx context.Context, name string) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	var found int
	err := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM topics WHERE name = ?`, strings.TrimSpace(name)).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check topic: %w", err)
	}
	return true, nil
}

// ListTopics lists topics by name.
func (s *Store) ListTopics(ctx context.Context) ([]storage.Topic, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name, next_offset, created_at FROM topics ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	defer rows.Close()

	var topics []storage.Topic
	for rows.Next() {
		var topic storage.Topic
		var createdAt int64
		if err := rows.Scan(&topic.Name, &topic.NextOffset, &createdAt); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		topic.CreatedAt = time.UnixMilli(createdAt).UTC()
		topics = append(topics, topic)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate topics: %w", err)
	}
	return topics, nil
}

// Append stores msg at the topic's next offset and returns it with ID,
// offset and creation time filled in.
func (s *Store) Append(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	if err := s.ready(ctx); err != nil {
		return protocol.Message{}, err
	}
	msg.Topic = strings.TrimSpace(msg.Topic)
	if msg.Topic == "" {
		return protocol.Message{}, apperrors.New(apperrors.CodeTopicEmpty, "message topic is required")
	}
	if msg.ID == "" {
		id, err := uuid.NewRandom()
		if err != nil {
			return protocol.Message{}, fmt.Errorf("generate message id: %w", err)
		}
		msg.ID = id.String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	properties := msg.Properties
	if properties == nil {
		properties = map[string]string{}
	}
	encoded, err := json.Marshal(properties)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("encode properties: %w", err)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `UPDATE topics SET next_offset = next_offset + 1 WHERE name = ?`, msg.Topic)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("advance offset: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return protocol.Message{}, apperrors.WithMetadata(apperrors.CodeTopicNotFound, "topic not found", map[string]string{"topic": msg.Topic})
	}
	if err := tx.QueryRowContext(ctx, `SELECT next_offset FROM topics WHERE name = ?`, msg.Topic).Scan(&msg.Offset); err != nil {
		return protocol.Message{}, fmt.Errorf("read offset: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages (
	topic,
	msg_offset,
	id,
	data,
	properties,
	created_at
) VALUES (?, ?, ?, ?, ?, ?)
`,
		msg.Topic,
		msg.Offset,
		msg.ID,
		[]byte(msg.Data),
		string(encoded),
		msg.CreatedAt.UTC().UnixMilli(),
	); err != nil {
		return protocol.Message{}, fmt.Errorf("append message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return protocol.Message{}, fmt.Errorf("commit append: %w", err)
	}
	msg.CreatedAt = time.UnixMilli(msg.CreatedAt.UTC().UnixMilli()).UTC()
	return msg, nil
}

// ListMessages lists up to limit messages of topic after afterOffset, oldest
// first.
func (s *Store) ListMessages(ctx context.Context, topic string, afterOffset int64, limit int) ([]protocol.Message, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT
	topic,
	msg_offset,
	id,
	data,
	properties,
	created_at
FROM messages
WHERE topic = ? AND msg_offset > ?
ORDER BY msg_offset
LIMIT ?
`, strings.TrimSpace(topic), afterOffset, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]protocol.Message, 0, limit)
	for rows.Next() {
		var msg protocol.Message
		var data []byte
		var properties string
		var createdAt int64
		if err := rows.Scan(&msg.Topic, &msg.Offset, &msg.ID, &data, &properties, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if len(data) > 0 {
			msg.Data = data
		}
		if properties != "" && properties != "{}" {
			if err := json.Unmarshal([]byte(properties), &msg.Properties); err != nil {
				return nil, fmt.Errorf("decode properties: %w", err)
			}
		}
		msg.CreatedAt = time.UnixMilli(createdAt).UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// Subscribe records that groupKey consumes item's topic.
func (s *Store) Subscribe(ctx context.Context, groupKey string, item protocol.SubscriptionItem) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	groupKey = strings.TrimSpace(groupKey)
	item = item.Normalized()
	if groupKey == "" {
		return fmt.Errorf("group key is required")
	}
	if strings.TrimSpace(item.Topic) == "" {
		return apperrors.New(apperrors.CodeTopicEmpty, "subscription topic is required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO group_subscriptions (group_key, topic, mode, sub_type, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (group_key, topic) DO UPDATE SET mode = excluded.mode, sub_type = excluded.sub_type
`,
		groupKey,
		item.Topic,
		string(item.Mode),
		string(item.Type),
		s.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// Unsubscribe forgets that groupKey consumes topic.
func (s *Store) Unsubscribe(ctx context.Context, groupKey string, topic string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM group_subscriptions WHERE group_key = ? AND topic = ?`,
		strings.TrimSpace(groupKey), strings.TrimSpace(topic),
	); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

// ListSubscriptions lists every recorded group subscription.
func (s *Store) ListSubscriptions(ctx context.Context) ([]storage.SubscriptionRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT group_key, topic, mode, sub_type, created_at
FROM group_subscriptions
ORDER BY group_key, topic
`)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var records []storage.SubscriptionRecord
	for rows.Next() {
		var record storage.SubscriptionRecord
		var mode, subType string
		var createdAt int64
		if err := rows.Scan(&record.GroupKey, &record.Item.Topic, &mode, &subType, &createdAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		record.Item.Mode = protocol.SubscriptionMode(mode)
		record.Item.Type = protocol.SubscriptionType(subType)
		record.CreatedAt = time.UnixMilli(createdAt).UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return records, nil
}

var _ storage.Store = (*Store)(nil)
