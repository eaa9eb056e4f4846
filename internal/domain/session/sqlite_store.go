package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/GriffinCanCode/enclave/internal/shared/paths"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
    name            TEXT PRIMARY KEY,
    state           BLOB NOT NULL,
    execution_count INTEGER NOT NULL DEFAULT 0,
    engine_version  TEXT NOT NULL,
    created_at      TEXT NOT NULL,
    last_active     TEXT NOT NULL
);
`

// SQLiteStore keeps sessions in a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path and runs migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := paths.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	var current int
	if err := db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&current); err != nil {
		current = 0
	}
	if current >= schemaVersion {
		return nil
	}
	if _, err := db.Exec(schemaV1); err != nil {
		return err
	}
	if _, err := db.Exec("DELETE FROM schema_version"); err != nil {
		return err
	}
	_, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion)
	return err
}

func (s *SQLiteStore) Save(ctx context.Context, name string, p *Persisted) error {
	if err := validateName(name); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (name, state, execution_count, engine_version, created_at, last_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			state = excluded.state,
			execution_count = excluded.execution_count,
			engine_version = excluded.engine_version,
			created_at = excluded.created_at,
			last_active = excluded.last_active`,
		name, p.State, int64(p.Metadata.ExecutionCount), p.Metadata.EngineVersion,
		formatTime(p.CreatedAt), formatTime(p.LastActive),
	)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, name string) (*Persisted, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	var (
		p                   Persisted
		count               int64
		created, lastActive string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT state, execution_count, engine_version, created_at, last_active
		FROM sessions WHERE name = ?`, name,
	).Scan(&p.State, &count, &p.Metadata.EngineVersion, &created, &lastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	p.Metadata.ExecutionCount = uint64(count)
	if p.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if p.LastActive, err = parseTime(lastActive); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Info, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, execution_count, engine_version, created_at, last_active, length(state)
		FROM sessions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var infos []Info
	for rows.Next() {
		var (
			info                Info
			count               int64
			created, lastActive string
		)
		if err := rows.Scan(&info.Name, &count, &info.EngineVersion, &created, &lastActive, &info.SizeBytes); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		info.ExecutionCount = uint64(count)
		if info.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if info.LastActive, err = parseTime(lastActive); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions")
	if err != nil {
		return 0, fmt.Errorf("clearing sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Exists(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrCorrupt, s)
	}
	return t, nil
}
