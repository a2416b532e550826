package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	logx "github.com/boomNDS/soop-discoard-bot/pkg/logx"
)

//go:embed migrations_sqlite.sql migrations_postgres.sql
var migrationsFS embed.FS

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Open connects to the configured database and applies the schema.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*SQLStore, error) {
	raw := strings.TrimSpace(cfg.DatabaseURL)
	if raw == "" {
		return nil, errors.New("storage: database url is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	var (
		db  *sql.DB
		d   dialect
		err error
	)
	switch {
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		d = dialectPostgres
		db, err = sql.Open("postgres", raw)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(4)
		db.SetConnMaxIdleTime(5 * time.Minute)
	case strings.HasPrefix(raw, "sqlite://"), strings.HasPrefix(raw, "file:"):
		d = dialectSQLite
		db, err = openSQLite(raw, cfg.BusyTimeout)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("storage: unsupported database url scheme in %q", raw)
	}

	st := &SQLStore{db: db, dialect: d, log: log.With(logx.String("comp", "storage"), logx.String("driver", d.String()))}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	st.log.Info("storage ready")
	return st, nil
}

// sqlitePath maps sqlite:///rel.db → rel.db and sqlite:////abs.db → /abs.db.
func sqlitePath(raw string) string {
	if strings.HasPrefix(raw, "file:") {
		return raw
	}
	return strings.TrimPrefix(raw, "sqlite:///")
}

func openSQLite(raw string, busy time.Duration) (*sql.DB, error) {
	path := sqlitePath(raw)
	if path == "" || path == raw {
		return nil, fmt.Errorf("storage: invalid sqlite url %q", raw)
	}
	memory := path == ":memory:" || strings.HasPrefix(path, "file:")
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also keeps :memory: on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	if !memory {
		_, _ = db.Exec("PRAGMA journal_mode = WAL")
	}
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	return db, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	name := "migrations_sqlite.sql"
	if s.dialect == dialectPostgres {
		name = "migrations_postgres.sql"
	}
	b, err := migrationsFS.ReadFile(name)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}
