package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Driver selects a SQL backend.
type Driver string

const (
	DriverSQLite Driver = "sqlite"
	DriverMySQL  Driver = "mysql"
)

// DB wraps a sql.DB with its dialect. It owns the core schema; the queue
// package adds the jobs table on top.
type DB struct {
	sql    *sql.DB
	driver Driver
}

// Open connects to the database and creates the core tables.
//
// SQLite connections are tuned the same way throughout: WAL journaling,
// foreign keys on, a busy timeout, and a single writer connection.
func Open(driver Driver, dsn string) (*DB, error) {
	var db *sql.DB
	var err error

	switch driver {
	case DriverSQLite:
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		ctx := context.Background()
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
			}
		}
	case DriverMySQL:
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	d := &DB{sql: db, driver: driver}
	if err := d.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return d, nil
}

// SQL exposes the underlying handle for sibling packages (queue).
func (d *DB) SQL() *sql.DB { return d.sql }

// Driver reports the dialect in use.
func (d *DB) Dialect() Driver { return d.driver }

func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) createTables(ctx context.Context) error {
	autoinc := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d.driver == DriverMySQL {
		autoinc = "BIGINT PRIMARY KEY AUTO_INCREMENT"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id VARCHAR(64) PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id VARCHAR(64) PRIMARY KEY,
			project_id VARCHAR(64),
			thread_id VARCHAR(64) NOT NULL UNIQUE,
			version INTEGER NOT NULL DEFAULT 1,
			original_prompt TEXT NOT NULL,
			status VARCHAR(32) NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_project ON workflows(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS events (
			id %s,
			workflow_id VARCHAR(64) NOT NULL,
			kind VARCHAR(64) NOT NULL,
			payload TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
		)`, autoinc),
		`CREATE INDEX IF NOT EXISTS idx_events_workflow ON events(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id VARCHAR(64) PRIMARY KEY,
			workflow_id VARCHAR(64) NOT NULL,
			kind VARCHAR(64) NOT NULL,
			external_uri TEXT NOT NULL,
			content_hash VARCHAR(128) NOT NULL,
			size BIGINT NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_workflow ON artifacts(workflow_id)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			checkpoint_id VARCHAR(64) PRIMARY KEY,
			thread_id VARCHAR(64) NOT NULL,
			namespace VARCHAR(64) NOT NULL DEFAULT '',
			seq INTEGER NOT NULL,
			parent_checkpoint_id VARCHAR(64) NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			metadata TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(thread_id, seq),
			UNIQUE(thread_id, parent_checkpoint_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id)`,
		`CREATE TABLE IF NOT EXISTS llm_call_cache (
			cache_key VARCHAR(128) PRIMARY KEY,
			response TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if d.driver == DriverMySQL && strings.HasPrefix(stmt, "CREATE INDEX") {
			// MySQL has no IF NOT EXISTS on CREATE INDEX; run the plain
			// form and tolerate the duplicate on re-open.
			stmt = strings.Replace(stmt, "CREATE INDEX IF NOT EXISTS", "CREATE INDEX", 1)
			if _, err := d.sql.ExecContext(ctx, stmt); err != nil && !isDuplicateIndex(err) {
				return err
			}
			continue
		}
		if _, err := d.sql.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func isDuplicateIndex(err error) bool {
	// MySQL error 1061: duplicate key name.
	return err != nil && strings.Contains(err.Error(), "Duplicate key name")
}
