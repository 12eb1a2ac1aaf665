//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "slotbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadSubscribers(ctx context.Context) ([]SubscriberState, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, student_id, scopes, baselines, updated_at FROM subscribers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SubscriberState
	for rows.Next() {
		var (
			st        SubscriberState
			studentID sql.NullString
			scopes    sql.NullString
			baselines sql.NullString
			updatedAt string
		)
		if err := rows.Scan(&st.ChatID, &studentID, &scopes, &baselines, &updatedAt); err != nil {
			return nil, err
		}
		st.StudentID = studentID.String
		if scopes.Valid && scopes.String != "" {
			if err := json.Unmarshal([]byte(scopes.String), &st.Scopes); err != nil {
				s.log.Warn("bad scopes row, skipping", logx.Int64("chat_id", st.ChatID), logx.Err(err))
				continue
			}
		}
		if baselines.Valid && baselines.String != "" {
			if err := json.Unmarshal([]byte(baselines.String), &st.Baselines); err != nil {
				// Baselines are recoverable; drop them and keep the scopes.
				st.Baselines = nil
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			st.UpdatedAt = t
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveSubscriber(ctx context.Context, st SubscriberState) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	scopes, err := json.Marshal(st.Scopes)
	if err != nil {
		return err
	}
	baselines, err := json.Marshal(st.Baselines)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subscribers(chat_id, student_id, scopes, baselines, updated_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET
		   student_id=excluded.student_id,
		   scopes=excluded.scopes,
		   baselines=excluded.baselines,
		   updated_at=excluded.updated_at`,
		st.ChatID, nullStr(st.StudentID), string(scopes), string(baselines),
		st.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteSubscriber(ctx context.Context, chatID int64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscribers WHERE chat_id = ?`, chatID)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
