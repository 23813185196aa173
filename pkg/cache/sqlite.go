package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lightfold/difftune/pkg/errors"
)

// SQLite persists rewards in a single database file, so a resumed or
// re-seeded run keeps the hits of its predecessors. Rewards are stored as
// JSON arrays to stay inspectable with the sqlite3 shell.
type SQLite struct {
	db *sql.DB

	mu    sync.Mutex
	stats Stats
}

// NewSQLite opens (or creates) the reward database at path.
func NewSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New(errors.ConfigurationError, "sqlite reward cache needs a path")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ScoringFailed, "failed to open reward cache")
	}

	c := &SQLite{db: db}
	if err := c.initDB(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ScoringFailed, "failed to initialize reward cache schema")
	}

	// WAL lets scoring keep writing while someone inspects the file.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ScoringFailed, "failed to enable WAL mode")
	}

	return c, nil
}

func (c *SQLite) initDB() error {
	query := `
	CREATE TABLE IF NOT EXISTS rewards (
		key TEXT PRIMARY KEY,
		reward TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := c.db.Exec(query)
	return err
}

func (c *SQLite) Get(ctx context.Context, key string) ([]float64, bool, error) {
	c.touch()

	var encoded string
	var expiresAt int64
	err := c.db.QueryRowContext(ctx,
		`SELECT reward, expires_at FROM rewards WHERE key = ?`, key).Scan(&encoded, &expiresAt)
	if err == sql.ErrNoRows {
		c.count(func(s *Stats) { s.Misses++ })
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, errors.ScoringFailed, "failed to read reward cache")
	}

	if expiresAt > 0 && time.Now().UnixNano() > expiresAt {
		if _, err := c.db.ExecContext(ctx, `DELETE FROM rewards WHERE key = ?`, key); err != nil {
			return nil, false, errors.Wrap(err, errors.ScoringFailed, "failed to expire reward")
		}
		c.count(func(s *Stats) { s.Misses++ })
		return nil, false, nil
	}

	var reward []float64
	if err := json.Unmarshal([]byte(encoded), &reward); err != nil {
		return nil, false, errors.Wrap(err, errors.ScoringFailed, "corrupt reward entry")
	}
	c.count(func(s *Stats) { s.Hits++ })
	return reward, true, nil
}

func (c *SQLite) Set(ctx context.Context, key string, reward []float64, ttl time.Duration) error {
	c.touch()

	encoded, err := json.Marshal(reward)
	if err != nil {
		return errors.Wrap(err, errors.ScoringFailed, "cannot encode reward")
	}
	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UnixNano()
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO rewards (key, reward, expires_at) VALUES (?, ?, ?)`,
		key, string(encoded), expiresAt)
	if err != nil {
		return errors.Wrap(err, errors.ScoringFailed, "failed to write reward cache")
	}
	c.count(func(s *Stats) { s.Sets++ })
	return nil
}

func (c *SQLite) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM rewards`); err != nil {
		return errors.Wrap(err, errors.ScoringFailed, "failed to clear reward cache")
	}
	c.mu.Lock()
	c.stats = Stats{}
	c.mu.Unlock()
	return nil
}

func (c *SQLite) Stats() Stats {
	c.mu.Lock()
	out := c.stats
	c.mu.Unlock()

	var entries int64
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM rewards`).Scan(&entries); err == nil {
		out.Entries = entries
	}
	return out
}

// Close releases the database handle.
func (c *SQLite) Close() error {
	return c.db.Close()
}

func (c *SQLite) touch() {
	c.mu.Lock()
	c.stats.LastAccess = time.Now()
	c.mu.Unlock()
}

func (c *SQLite) count(update func(*Stats)) {
	c.mu.Lock()
	update(&c.stats)
	c.mu.Unlock()
}
