package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"incidentauth/pkg/seal"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// DefaultPollInterval is how often Watch checks for writes by other processes
const DefaultPollInterval = 250 * time.Millisecond

// SQLite is a durable KV shared by every process that opens the same file.
// Watch reports commits made through other connections, which is how one
// client instance learns that another signed in or out.
type SQLite struct {
	db           *sql.DB
	sealer       *seal.Sealer
	pollInterval time.Duration
	logger       *zap.Logger
}

// SQLiteOption configures a SQLite store
type SQLiteOption func(*SQLite)

// WithSealer seals every value at rest
func WithSealer(s *seal.Sealer) SQLiteOption {
	return func(st *SQLite) { st.sealer = s }
}

// WithPollInterval overrides DefaultPollInterval
func WithPollInterval(d time.Duration) SQLiteOption {
	return func(st *SQLite) {
		if d > 0 {
			st.pollInterval = d
		}
	}
}

// WithLogger sets the logger used for watch failures
func WithLogger(l *zap.Logger) SQLiteOption {
	return func(st *SQLite) {
		if l != nil {
			st.logger = l
		}
	}
}

// DefaultPath returns the default store location for the current user
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "incidentauth", "credentials.db")
}

// OpenSQLite opens (creating if needed) the store at path
func OpenSQLite(ctx context.Context, path string, opts ...SQLiteOption) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	dsn := "file:" + cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	// One connection: PRAGMA data_version only reports commits from other
	// connections, so our own writes never wake our own watcher.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	if err := os.Chmod(cleanPath, 0600); err != nil && !os.IsNotExist(err) {
		_ = db.Close()
		return nil, fmt.Errorf("failed to restrict storage permissions: %w", err)
	}

	st := &SQLite{
		db:           db,
		pollInterval: DefaultPollInterval,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(st)
	}
	return st, nil
}

// Close releases the database handle
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}

	if s.sealer != nil && seal.IsSealed(value) {
		opened, err := s.sealer.Open(value)
		if err != nil {
			return "", false, fmt.Errorf("failed to open sealed %s: %w", key, err)
		}
		return opened, true, nil
	}
	return value, true, nil
}

func (s *SQLite) Set(ctx context.Context, key, value string) error {
	stored := value
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(value)
		if err != nil {
			return fmt.Errorf("failed to seal %s: %w", key, err)
		}
		stored = sealed
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, stored, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv`)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	sort.Strings(keys)
	return keys, nil
}

// Watch polls PRAGMA data_version and emits an unkeyed Change whenever
// another connection has committed. The channel closes when ctx is done.
func (s *SQLite) Watch(ctx context.Context) (<-chan Change, error) {
	last, err := s.dataVersion(ctx)
	if err != nil {
		return nil, err
	}

	ch := make(chan Change, 1)
	go func() {
		defer close(ch)

		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				v, err := s.dataVersion(ctx)
				if err != nil {
					if ctx.Err() == nil {
						s.logger.Warn("storage watch poll failed", zap.Error(err))
					}
					continue
				}
				if v == last {
					continue
				}
				last = v
				select {
				case ch <- Change{}:
				default:
				}
			}
		}
	}()
	return ch, nil
}

func (s *SQLite) dataVersion(ctx context.Context) (int64, error) {
	var v int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA data_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read data_version: %w", err)
	}
	return v, nil
}
