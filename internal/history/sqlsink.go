package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Table is the relational table every SQL sink writes to.
const Table = "redeployr_history"

// SQLDialect is the per-database part of a SQL sink.
type SQLDialect struct {
	Driver        string
	TimestampType string // column type and default for the timestamp
	// Placeholder returns the bind marker for the n-th (1-based) argument.
	Placeholder func(n int) string
}

var columns = []string{
	"timestamp", "type", "name", "pid", "status", "restarts",
	"attempt_id", "trigger_kind", "branch", "commit_sha", "error",
}

// SQLSink writes events as rows through database/sql.
type SQLSink struct {
	db     *sql.DB
	insert string
}

// OpenSQL opens dsn with d's driver and creates the table if needed.
func OpenSQL(ctx context.Context, d SQLDialect, dsn string) (*SQLSink, error) {
	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, err
	}
	if d.Driver == "sqlite" {
		// ":memory:" lives only as long as its single connection
		db.SetMaxOpenConns(1)
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s(
		timestamp %s,
		type TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		pid INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		restarts INTEGER NOT NULL DEFAULT 0,
		attempt_id TEXT,
		trigger_kind TEXT,
		branch TEXT,
		commit_sha TEXT,
		error TEXT
	)`, Table, d.TimestampType)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create %s: %w", Table, err)
	}

	marks := make([]string, len(columns))
	for i := range marks {
		marks[i] = d.Placeholder(i + 1)
	}
	return &SQLSink{
		db: db,
		insert: fmt.Sprintf("INSERT INTO %s(%s) VALUES(%s)",
			Table, strings.Join(columns, ", "), strings.Join(marks, ", ")),
	}, nil
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	r := e.Record
	_, err := s.db.ExecContext(ctx, s.insert,
		e.OccurredAt.UTC(), string(e.Type), r.Name, r.PID, r.Status, r.Restarts,
		nullable(r.AttemptID), nullable(r.Trigger), nullable(r.Branch), nullable(r.Commit), nullable(r.Error))
	return err
}

// DB exposes the handle for queries in tests and tooling.
func (s *SQLSink) DB() *sql.DB { return s.db }

func (s *SQLSink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
