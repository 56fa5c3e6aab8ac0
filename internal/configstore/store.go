// Package configstore keeps a history of exported device configurations
// in a local sqlite database.
package configstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
)

const (
	dirPermissions  = 0o750
	filePermissions = 0o600
)

// Config holds store options.
type Config struct {
	// Path is the sqlite database file. The directory is created when
	// missing.
	Path string
	// BusyTimeout is how long a locked database is retried.
	BusyTimeout time.Duration
	// WALMode enables write-ahead logging so reads do not block the
	// writer.
	WALMode bool
}

// DefaultConfig returns WAL mode with a five second busy timeout.
func DefaultConfig(path string) Config {
	return Config{Path: path, BusyTimeout: 5 * time.Second, WALMode: true}
}

// Snapshot is one stored configuration export.
type Snapshot struct {
	ID      int64     `json:"id"`
	SavedAt time.Time `json:"savedAt"`
	Payload []byte    `json:"payload"`
}

// Store is a sqlite-backed snapshot history. It implements the
// registry's SnapshotSaver.
type Store struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

// schema statements run in order on every open; all are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS config_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		saved_at INTEGER NOT NULL,
		payload BLOB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_config_snapshots_saved_at
		ON config_snapshots(saved_at)`,
}

// Open connects to the database, applies the schema, and restricts the
// file to the owner.
func Open(cfg Config, logger zerolog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: store path required", domain.ErrInvalidConfig)
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on", cfg.Path, cfg.BusyTimeout.Milliseconds())
	if cfg.WALMode {
		dsn += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// sqlite supports one writer; a single connection avoids lock
	// contention entirely.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("verify store connection: %w", err)
	}

	s := &Store{
		db:     db,
		path:   cfg.Path,
		logger: logger.With().Str("component", "configstore").Logger(),
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	// file may not exist until the first write on some systems
	_ = os.Chmod(cfg.Path, filePermissions)

	s.logger.Info().Str("path", cfg.Path).Msg("Configuration store opened")
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply store schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Save stores one configuration payload and returns its row id.
func (s *Store) Save(ctx context.Context, payload []byte) (int64, error) {
	if len(payload) == 0 {
		return 0, fmt.Errorf("%w: empty snapshot payload", domain.ErrInvalidConfig)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO config_snapshots (saved_at, payload) VALUES (?, ?)`,
		time.Now().UnixMilli(), payload)
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	s.logger.Debug().Int64("id", id).Int("bytes", len(payload)).Msg("Configuration snapshot saved")
	return id, nil
}

// Latest returns the most recent snapshot.
func (s *Store) Latest(ctx context.Context) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, saved_at, payload FROM config_snapshots ORDER BY id DESC LIMIT 1`)
	snap, err := scanSnapshot(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, domain.ErrNoSnapshots
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load latest snapshot: %w", err)
	}
	return snap, nil
}

// Snapshot returns one stored snapshot by id.
func (s *Store) Snapshot(ctx context.Context, id int64) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, saved_at, payload FROM config_snapshots WHERE id = ?`, id)
	snap, err := scanSnapshot(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("%w: id %d", domain.ErrNoSnapshots, id)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot %d: %w", id, err)
	}
	return snap, nil
}

// History returns up to n snapshots, newest first.
func (s *Store) History(ctx context.Context, n int) ([]Snapshot, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, saved_at, payload FROM config_snapshots ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("load snapshot history: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load snapshot history: %w", err)
	}
	return out, nil
}

// Prune deletes all but the newest keep snapshots and returns how many
// rows were removed. keep of zero clears the history.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("%w: negative keep count", domain.ErrInvalidConfig)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM config_snapshots WHERE id NOT IN (
			SELECT id FROM config_snapshots ORDER BY id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	if n > 0 {
		s.logger.Info().Int64("removed", n).Int("kept", keep).Msg("Pruned configuration snapshots")
	}
	return n, nil
}

// Count returns the number of stored snapshots.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM config_snapshots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}

// HealthCheck implements the health checker interface.
func (s *Store) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("configuration store unhealthy: %w", err)
	}
	return nil
}

func scanSnapshot(scan func(dest ...any) error) (Snapshot, error) {
	var snap Snapshot
	var savedAt int64
	if err := scan(&snap.ID, &savedAt, &snap.Payload); err != nil {
		return Snapshot{}, err
	}
	snap.SavedAt = time.UnixMilli(savedAt)
	return snap, nil
}
