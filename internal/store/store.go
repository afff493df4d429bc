// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store persists committed conversations in SQLite
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	// Register the sqlite3 driver
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// ErrNotFound is returned when no record has the requested id
var ErrNotFound = errors.New("chat not found")

// Record is a committed conversation. Pairs is the JSON array of turns.
type Record struct {
	ID        int64           `json:"id"`
	Pairs     json.RawMessage `json:"input_response_pairs"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store provides access to the chats table
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewStore opens the database at dbPath and creates the schema if needed
func NewStore(dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serialises writers
	db.SetMaxOpenConns(1)

	store := &Store{db: db, logger: logger, now: time.Now}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("Chat store ready", zap.String("db_path", dbPath))

	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) initSchema() error {
	query := `
		CREATE TABLE IF NOT EXISTS chats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			input_response_pairs TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chats_created_at ON chats(created_at);
	`

	_, err := s.db.Exec(query)
	return err
}

// Create inserts a new record and returns its id
func (s *Store) Create(ctx context.Context, pairs json.RawMessage) (int64, error) {
	if !json.Valid(pairs) {
		return 0, fmt.Errorf("input_response_pairs is not valid JSON")
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (input_response_pairs, created_at) VALUES (?, ?)`,
		string(pairs), s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to insert chat: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read chat id: %w", err)
	}
	s.logger.Debug("Created chat", zap.Int64("chat_id", id), zap.Int("bytes", len(pairs)))
	return id, nil
}

// Get returns the record with the given id or ErrNotFound
func (s *Store) Get(ctx context.Context, id int64) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, input_response_pairs, created_at FROM chats WHERE id = ?`, id)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chat %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat %d: %w", id, err)
	}
	return record, nil
}

// Update replaces the pairs of an existing record. created_at is untouched.
func (s *Store) Update(ctx context.Context, id int64, pairs json.RawMessage) error {
	if !json.Valid(pairs) {
		return fmt.Errorf("input_response_pairs is not valid JSON")
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE chats SET input_response_pairs = ? WHERE id = ?`, string(pairs), id)
	if err != nil {
		return fmt.Errorf("failed to update chat %d: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("chat %d: %w", id, ErrNotFound)
	}
	return nil
}

// List returns every record, newest first
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, input_response_pairs, created_at FROM chats ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := []Record{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var record Record
	var pairs string
	if err := row.Scan(&record.ID, &pairs, &record.CreatedAt); err != nil {
		return nil, err
	}
	record.Pairs = json.RawMessage(pairs)
	return &record, nil
}
