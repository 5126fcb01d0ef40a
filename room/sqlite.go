package room

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps rooms in a local SQLite file.
type SQLiteStore struct {
	DB *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open room db: %w", err)
	}
	s := &SQLiteStore{DB: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate room db: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			topic TEXT NOT NULL,
			coaching_option TEXT NOT NULL,
			expert_name TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := s.DB.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Lookup(ctx context.Context, id string) (Info, error) {
	info := Info{ID: id}
	row := s.DB.QueryRowContext(ctx, `SELECT topic, coaching_option, expert_name FROM rooms WHERE id = ?`, id)
	if err := row.Scan(&info.Topic, &info.CoachingOption, &info.ExpertName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Info{}, ErrNotFound
		}
		return Info{}, fmt.Errorf("lookup room %s: %w", id, err)
	}
	return info, nil
}

// Create inserts a room and returns it with a fresh id.
func (s *SQLiteStore) Create(ctx context.Context, topic, option, expert string) (Info, error) {
	topic, option = strings.TrimSpace(topic), strings.TrimSpace(option)
	if topic == "" || option == "" {
		return Info{}, errors.New("topic and coaching option are required")
	}
	info := Info{ID: uuid.NewString(), Topic: topic, CoachingOption: option, ExpertName: strings.TrimSpace(expert)}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO rooms(id, topic, coaching_option, expert_name, created_at) VALUES(?,?,?,?,?)`,
		info.ID, info.Topic, info.CoachingOption, info.ExpertName, time.Now().Unix())
	if err != nil {
		return Info{}, fmt.Errorf("create room: %w", err)
	}
	return info, nil
}

// List returns rooms newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]Info, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, topic, coaching_option, expert_name FROM rooms ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var r Info
		if err := rows.Scan(&r.ID, &r.Topic, &r.CoachingOption, &r.ExpertName); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
