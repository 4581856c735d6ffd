package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/pipeflow/pkg/schema"
)

// dialect covers the differences between the SQL backends.
type dialect struct {
	name     string
	numbered bool // $1 placeholders instead of ?
}

var (
	dialectLibSQL   = dialect{name: "libsql"}
	dialectPostgres = dialect{name: "postgres", numbered: true}
)

// rebind rewrites ? placeholders for drivers that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// lockRun serializes journal writers for one run inside tx.
func (d dialect) lockRun(ctx context.Context, tx *sql.Tx, runKey string) error {
	if d.numbered {
		_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, runKey)
		return err
	}
	// A write statement forces libSQL to take the write lock now rather than at commit.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = -1`)
	return err
}

// SQLStore keeps snapshots in the pipeline_states table of a libSQL or
// Postgres database.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// OpenLibSQL opens an embedded libSQL database. path may be a plain file
// path or a "file:" URI.
func OpenLibSQL(path string) (*SQLStore, error) {
	if !strings.Contains(path, ":") {
		path = "file:" + path
	}
	db, err := sql.Open("libsql", path)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so QueryRow is used for all of them.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}
	return &SQLStore{db: db, dialect: dialectLibSQL}, nil
}

// OpenPostgres connects through the pgx database/sql driver and pings the server.
func OpenPostgres(ctx context.Context, url string) (*SQLStore, error) {
	if url == "" {
		return nil, errors.New("postgres: database url is required")
	}
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &SQLStore{db: db, dialect: dialectPostgres}, nil
}

// DB returns the underlying *sql.DB.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect returns "libsql" or "postgres".
func (s *SQLStore) Dialect() string { return s.dialect.name }

// Migrate runs all pending migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db, s.dialect)
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Save(ctx context.Context, key string, state *schema.PersistedState) error {
	data, err := json.Marshal(nonNilData(state.Data))
	if err != nil {
		return fmt.Errorf("marshal state data: %w", err)
	}
	updated := timeOrNow(state.UpdatedAt)

	_, err = s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO pipeline_states (state_key, pipeline_name, run_id, current_step, start_time, data, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(state_key) DO UPDATE SET
		   pipeline_name = excluded.pipeline_name,
		   run_id = excluded.run_id,
		   current_step = excluded.current_step,
		   start_time = excluded.start_time,
		   data = excluded.data,
		   updated_at = excluded.updated_at`),
		key, state.PipelineName, state.RunID, state.CurrentStep, state.StartTime, string(data), updated.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save state %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, key string) (*schema.PersistedState, bool, error) {
	var (
		st      schema.PersistedState
		data    string
		updated int64
	)
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT pipeline_name, run_id, current_step, start_time, data, updated_at
		 FROM pipeline_states WHERE state_key = ?`), key,
	).Scan(&st.PipelineName, &st.RunID, &st.CurrentStep, &st.StartTime, &data, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load state %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(data), &st.Data); err != nil {
		return nil, false, fmt.Errorf("unmarshal state %s: %w", key, err)
	}
	st.Data = nonNilData(st.Data)
	st.UpdatedAt = time.UnixMilli(updated).UTC()
	return &st, true, nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`DELETE FROM pipeline_states WHERE state_key = ?`), key); err != nil {
		return fmt.Errorf("delete state %s: %w", key, err)
	}
	return nil
}

func nonNilData(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
