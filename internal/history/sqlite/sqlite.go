package sqlite

import (
	"context"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/redeployr/internal/history"
)

var dialect = history.SQLDialect{
	Driver:        "sqlite",
	TimestampType: "TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP)",
	Placeholder:   func(int) string { return "?" },
}

// Sink writes history events to a SQLite database.
type Sink struct {
	*history.SQLSink
}

// New accepts "sqlite:///path/to/file.db", "sqlite://:memory:", a bare path
// or ":memory:".
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if len(dsn) >= len("sqlite://") && strings.EqualFold(dsn[:len("sqlite://")], "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	s, err := history.OpenSQL(context.Background(), dialect, dsn)
	if err != nil {
		return nil, err
	}
	return &Sink{SQLSink: s}, nil
}
