// Package sqlitestore persists signal values in a SQLite database.
package sqlitestore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/advbet/ssesignal"
)

const schema = `
CREATE TABLE IF NOT EXISTS signals (
	topic TEXT NOT NULL,
	name TEXT NOT NULL,
	value TEXT NOT NULL,
	updated TIMESTAMP NOT NULL,
	PRIMARY KEY (topic, name)
)
`

const saveSql = `
INSERT INTO signals (topic, name, value, updated)
VALUES ($1, $2, $3, datetime())
ON CONFLICT (topic, name)
DO UPDATE SET value = $3, updated = datetime();
`

// Store is a ssesignal.Store backed by SQLite.
type Store struct {
	db *sqlx.DB
}

var _ ssesignal.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and initializes the
// schema.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// sqlite does not handle concurrent writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Load returns all stored signal values ordered by topic and name.
func (s *Store) Load(ctx context.Context) ([]ssesignal.Snapshot, error) {
	var rows []struct {
		Topic string `db:"topic"`
		Name  string `db:"name"`
		Value string `db:"value"`
	}
	err := s.db.SelectContext(ctx, &rows, "SELECT topic, name, value FROM signals ORDER BY topic, name")
	if err != nil {
		return nil, err
	}

	snapshots := make([]ssesignal.Snapshot, 0, len(rows))
	for _, row := range rows {
		snapshots = append(snapshots, ssesignal.Snapshot{
			Topic: row.Topic,
			Name:  row.Name,
			Value: json.RawMessage(row.Value),
		})
	}
	return snapshots, nil
}

// Save stores the value of a signal.
func (s *Store) Save(ctx context.Context, snapshot ssesignal.Snapshot) error {
	if !json.Valid(snapshot.Value) {
		return fmt.Errorf("signal %q: invalid JSON value", snapshot.Name)
	}
	_, err := s.db.ExecContext(ctx, saveSql, snapshot.Topic, snapshot.Name, string(snapshot.Value))
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
