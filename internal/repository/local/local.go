package local

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"secure_msg/internal/model"
	"secure_msg/internal/repository/local/migrations"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

const (
	keyDeviceID = "device_id"
	keyLastSync = "last_sync_at"
)

type (
	// Store is the client's durable state: the install's device id, the last
	// sync point and a cache of synced messages. Messages keep their envelope,
	// plaintext is never written.
	Store struct {
		db *sql.DB
	}
)

func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	return goose.UpContext(ctx, db, ".")
}

// Open opens (creating if needed) the database at dsn and migrates it.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// one writer keeps ":memory:" databases on a single connection
	db.SetMaxOpenConns(1)

	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate local store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DeviceID returns "" when no id has been stored yet.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	return s.get(ctx, keyDeviceID)
}

func (s *Store) SetDeviceID(ctx context.Context, id string) error {
	return s.set(ctx, keyDeviceID, id)
}

func (s *Store) LastSync(ctx context.Context) (time.Time, error) {
	v, err := s.get(ctx, keyLastSync)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", keyLastSync, err)
	}
	return t, nil
}

func (s *Store) SetLastSync(ctx context.Context, t time.Time) error {
	return s.set(ctx, keyLastSync, t.UTC().Format(time.RFC3339Nano))
}

// MergeMessages caches msgs and returns how many ids were not cached yet.
// Messages already present get the newer body, so reactions and read
// receipts stay current.
func (s *Store) MergeMessages(ctx context.Context, msgs []model.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin merge: %w", err)
	}
	defer tx.Rollback()

	exists, err := tx.PrepareContext(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE id = ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare merge lookup: %w", err)
	}
	defer exists.Close()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, thread_id, sender_id, created_at, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET body = excluded.body
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare merge: %w", err)
	}
	defer stmt.Close()

	added := 0
	for _, m := range msgs {
		body, err := json.Marshal(m)
		if err != nil {
			return 0, fmt.Errorf("encode message %s: %w", m.ID, err)
		}
		var cached bool
		if err := exists.QueryRowContext(ctx, m.ID).Scan(&cached); err != nil {
			return 0, fmt.Errorf("lookup message %s: %w", m.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, m.ID, m.ThreadID, m.SenderID, m.CreatedAt.UnixNano(), string(body)); err != nil {
			return 0, fmt.Errorf("upsert message %s: %w", m.ID, err)
		}
		if !cached {
			added++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit merge: %w", err)
	}
	return added, nil
}

// Messages returns the cached messages of a thread, oldest first.
func (s *Store) Messages(ctx context.Context, threadID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM messages WHERE thread_id = ? ORDER BY created_at, id
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cached messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan cached message: %w", err)
		}
		var m model.Message
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			return nil, fmt.Errorf("failed to decode cached message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cached messages: %w", err)
	}
	return out, nil
}

func (s *Store) get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get kv[%s]: %w", key, err)
	}
	return v, nil
}

func (s *Store) set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set kv[%s]: %w", key, err)
	}
	return nil
}
