package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/busybox42/aegis-overlay/pkg/protocol"
	"github.com/busybox42/aegis-overlay/pkg/types"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/sirupsen/logrus"
)

const queryTimeout = 5 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS placements (
	key         BLOB PRIMARY KEY,
	size        INTEGER NOT NULL,
	accepted_at INTEGER NOT NULL
);`

// SQLite keeps the ledger in a database file so reservations survive a
// restart.
type SQLite struct {
	db       *sql.DB
	capacity uint64

	requireSignatures bool
	log               *logrus.Entry
}

func OpenSQLite(path string, capacity uint64, requireSignatures bool, log *logrus.Entry) (*SQLite, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if path == "" {
		return nil, errors.New("sqlite storage needs a path")
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps the capacity check and the insert atomic.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.WithFields(logrus.Fields{
		"function": "OpenSQLite",
		"path":     path,
		"capacity": capacity,
	}).Info("Placement ledger opened")

	return &SQLite{
		db:                db,
		capacity:          capacity,
		requireSignatures: requireSignatures,
		log:               log,
	}, nil
}

func (s *SQLite) Accept(key types.Key, size uint32) bool {
	ok, err := s.accept(key, size)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "Accept",
			"key":      key.Short(),
			"error":    err.Error(),
		}).Warn("Placement ledger error")
		return false
	}
	return ok
}

func (s *SQLite) accept(key types.Key, size uint32) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRowContext(ctx, `SELECT size FROM placements WHERE key = ?`, key[:]).Scan(&existing)
	switch {
	case err == nil:
		return true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, err
	}

	var used int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM placements`).Scan(&used); err != nil {
		return false, err
	}
	if uint64(used)+uint64(size) > s.capacity {
		s.log.WithFields(logrus.Fields{
			"function": "Accept",
			"key":      key.Short(),
			"size":     size,
		}).Debug("Rejecting put over capacity")
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO placements (key, size, accepted_at) VALUES (?, ?, ?)`,
		key[:], int64(size), time.Now().Unix()); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *SQLite) Contains(key types.Key) bool {
	_, ok := s.lookup(key)
	return ok
}

func (s *SQLite) SizeOf(key types.Key) uint32 {
	size, _ := s.lookup(key)
	return size
}

func (s *SQLite) lookup(key types.Key) (uint32, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	var size int64
	err := s.db.QueryRowContext(ctx, `SELECT size FROM placements WHERE key = ?`, key[:]).Scan(&size)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.log.WithFields(logrus.Fields{
				"function": "lookup",
				"key":      key.Short(),
				"error":    err.Error(),
			}).Warn("Placement ledger error")
		}
		return 0, false
	}
	return uint32(size), true
}

func (s *SQLite) Authorize(key types.Key, auth protocol.Auth) bool {
	return authorize(s.requireSignatures, key, auth, s.log)
}

func (s *SQLite) Release(key types.Key) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `DELETE FROM placements WHERE key = ?`, key[:])
	return err
}

func (s *SQLite) Usage() (used, capacity uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	var sum int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM placements`).Scan(&sum); err != nil {
		s.log.WithField("error", err.Error()).Warn("Placement ledger error")
	}
	return uint64(sum), s.capacity
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
