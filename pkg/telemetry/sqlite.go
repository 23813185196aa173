package telemetry

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lightfold/difftune/pkg/errors"
)

// SQLiteSink persists metrics and images into a single SQLite database,
// which keeps a whole run queryable from one file.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) the database at path and prepares the
// schema.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	if path == "" {
		return nil, errors.New(errors.ConfigurationError, "sqlite telemetry sink needs a path")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.TelemetryFailed, "failed to open telemetry database")
	}

	sink := &SQLiteSink{db: db}
	if err := sink.initDB(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.TelemetryFailed, "failed to initialize telemetry schema")
	}

	// WAL lets the run keep writing while someone inspects the file.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.TelemetryFailed, "failed to enable WAL mode")
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.TelemetryFailed, "failed to set synchronous pragma")
	}

	return sink, nil
}

func (s *SQLiteSink) initDB() error {
	query := `
	CREATE TABLE IF NOT EXISTS scalars (
		step INTEGER NOT NULL,
		name TEXT NOT NULL,
		value REAL NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (step, name)
	);

	CREATE TABLE IF NOT EXISTS images (
		step INTEGER NOT NULL,
		name TEXT NOT NULL,
		caption TEXT,
		png BLOB NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (step, name)
	);

	CREATE INDEX IF NOT EXISTS idx_scalars_name ON scalars(name);
	`
	_, err := s.db.Exec(query)
	return err
}

// LogScalars writes all values for one step in a single transaction.
func (s *SQLiteSink) LogScalars(ctx context.Context, step int64, values map[string]float64) error {
	if len(values) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.TelemetryFailed, "failed to begin transaction")
	}

	var committed bool
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO scalars (step, name, value) VALUES (?, ?, ?)
	`)
	if err != nil {
		return errors.Wrap(err, errors.TelemetryFailed, "failed to prepare scalar insert")
	}
	defer stmt.Close()

	for name, value := range values {
		if _, err := stmt.ExecContext(ctx, step, name, value); err != nil {
			return errors.WithFields(
				errors.Wrap(err, errors.TelemetryFailed, "failed to insert scalar"),
				errors.Fields{"name": name, "step": step})
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.TelemetryFailed, "failed to commit scalars")
	}
	committed = true
	return nil
}

// LogImage stores one PNG blob.
func (s *SQLiteSink) LogImage(ctx context.Context, step int64, name, caption string, png []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO images (step, name, caption, png) VALUES (?, ?, ?, ?)
	`, step, name, caption, png)
	if err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.TelemetryFailed, "failed to insert image"),
			errors.Fields{"name": name, "step": step})
	}
	return nil
}

// MetricSummary describes one metric name recorded in the database.
type MetricSummary struct {
	Name      string
	Points    int
	FirstStep int64
	LastStep  int64
	LastValue float64
}

// Metrics lists every recorded metric with its step range and newest value,
// sorted by name. Like Scalars, this exists for the difftune-cli inspect
// path; nothing in the training loop reads it.
func (s *SQLiteSink) Metrics(ctx context.Context) ([]MetricSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.name, COUNT(*), MIN(s.step), MAX(s.step),
		       (SELECT value FROM scalars WHERE name = s.name ORDER BY step DESC LIMIT 1)
		FROM scalars s GROUP BY s.name ORDER BY s.name`)
	if err != nil {
		return nil, errors.Wrap(err, errors.TelemetryFailed, "failed to query metric names")
	}
	defer rows.Close()

	var out []MetricSummary
	for rows.Next() {
		var m MetricSummary
		if err := rows.Scan(&m.Name, &m.Points, &m.FirstStep, &m.LastStep, &m.LastValue); err != nil {
			return nil, errors.Wrap(err, errors.TelemetryFailed, "failed to scan metric summary")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Scalars reads back every recorded value of one metric in step order.
// The difftune-cli inspect path uses this; the trainer never reads.
func (s *SQLiteSink) Scalars(ctx context.Context, name string) (map[int64]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step, value FROM scalars WHERE name = ? ORDER BY step`, name)
	if err != nil {
		return nil, errors.Wrap(err, errors.TelemetryFailed, "failed to query scalars")
	}
	defer rows.Close()

	out := make(map[int64]float64)
	for rows.Next() {
		var step int64
		var value float64
		if err := rows.Scan(&step, &value); err != nil {
			return nil, errors.Wrap(err, errors.TelemetryFailed, "failed to scan scalar row")
		}
		out[step] = value
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
