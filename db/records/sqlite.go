package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/InsulaLabs/edgegate/db/models"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	logger *slog.Logger
	db     *sql.DB
}

var _ Store = &sqliteStore{}

// OpenSQLite opens (creating if needed) a SQLite database at path and
// migrates the devices table. Use ":memory:" for a throwaway store.
func OpenSQLite(logger *slog.Logger, path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer connection serialises inserts; ON CONFLICT does the rest.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
			db.Close()
			return nil, err
		}
	}
	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate devices table: %w", err)
	}
	return &sqliteStore{
		logger: logger.WithGroup("records"),
		db:     db,
	}, nil
}

func migrateSQLite(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			device_id TEXT PRIMARY KEY,
			device_token TEXT NOT NULL,
			attested INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			attested_at INTEGER
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) InsertIfAbsent(ctx context.Context, rec models.DeviceRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (device_id, device_token, attested, created_at)
		 VALUES (?, ?, 0, ?)
		 ON CONFLICT(device_id) DO NOTHING`,
		rec.DeviceID, rec.DeviceToken, time.Now().Unix(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, deviceID string) (models.DeviceRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT device_id, device_token, attested FROM devices WHERE device_id = ?`, deviceID,
	)
	var rec models.DeviceRecord
	if err := row.Scan(&rec.DeviceID, &rec.DeviceToken, &rec.Attested); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DeviceRecord{}, ErrNotFound
		}
		return models.DeviceRecord{}, err
	}
	return rec, nil
}

func (s *sqliteStore) MarkAttested(ctx context.Context, deviceID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET attested = 1, attested_at = COALESCE(attested_at, ?) WHERE device_id = ?`,
		time.Now().Unix(), deviceID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
