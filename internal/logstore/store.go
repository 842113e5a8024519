package logstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/klipper-installer/installws"
)

// DefaultTable is the table used when none is configured.
const DefaultTable = "installation_logs"

// Entry is one archived log line.
type Entry struct {
	InstallationID string
	Level          string
	Message        string
	Timestamp      string    // as sent by the backend
	LoggedAt       time.Time // parsed Timestamp, zero if unparseable
	ReceivedAt     time.Time
}

// NewEntry tags a streamed log line with its installation.
func NewEntry(installationID string, l installws.InstallationLog, received time.Time) Entry {
	e := Entry{
		InstallationID: installationID,
		Level:          l.Level,
		Message:        l.Message,
		Timestamp:      l.Timestamp,
		ReceivedAt:     received.UTC(),
	}
	if t, err := l.Time(); err == nil {
		e.LoggedAt = t.UTC()
	}
	return e
}

// Log returns the line in its wire form.
func (e Entry) Log() installws.InstallationLog {
	return installws.InstallationLog{Level: e.Level, Message: e.Message, Timestamp: e.Timestamp}
}

// Store reads and writes the log table.
type Store struct {
	db     *sql.DB
	table  string
	logger *slog.Logger
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db, DefaultTable, logger), nil
}

// New wraps an open database. An empty table selects DefaultTable.
func New(db *sql.DB, table string, logger *slog.Logger) *Store {
	if table == "" {
		table = DefaultTable
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, table: table, logger: logger.With("component", "logstore")}
}

// Migrate creates the table and its index if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	table := pq.QuoteIdentifier(s.table)
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id              BIGSERIAL PRIMARY KEY,
	installation_id TEXT        NOT NULL,
	level           TEXT        NOT NULL,
	message         TEXT        NOT NULL,
	raw_timestamp   TEXT        NOT NULL,
	logged_at       TIMESTAMPTZ,
	received_at     TIMESTAMPTZ NOT NULL
)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (installation_id, id DESC)`,
			pq.QuoteIdentifier(s.table+"_installation_idx"), table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.table, err)
		}
	}
	s.logger.Debug("schema ready", "table", s.table)
	return nil
}

const insertColumns = 6

// Append inserts entries in one statement and returns the rows written.
func (s *Store) Append(ctx context.Context, entries ...Entry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (installation_id, level, message, raw_timestamp, logged_at, received_at) VALUES ",
		pq.QuoteIdentifier(s.table))

	args := make([]any, 0, len(entries)*insertColumns)
	for i, e := range entries {
		if i > 0 {
			b.WriteString(", ")
		}
		n := i * insertColumns
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6)

		loggedAt := sql.NullTime{Time: e.LoggedAt, Valid: !e.LoggedAt.IsZero()}
		args = append(args, e.InstallationID, e.Level, e.Message, e.Timestamp, loggedAt, e.ReceivedAt)
	}

	res, err := s.db.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("insert %d log lines: %w", len(entries), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return int64(len(entries)), nil
	}
	return n, nil
}

// Recent returns up to limit of the newest lines for an installation,
// oldest first.
func (s *Store) Recent(ctx context.Context, installationID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT installation_id, level, message, raw_timestamp, logged_at, received_at
FROM %s WHERE installation_id = $1 ORDER BY id DESC LIMIT $2`, pq.QuoteIdentifier(s.table))

	rows, err := s.db.QueryContext(ctx, query, installationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent logs: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var loggedAt sql.NullTime
		if err := rows.Scan(&e.InstallationID, &e.Level, &e.Message, &e.Timestamp, &loggedAt, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		if loggedAt.Valid {
			e.LoggedAt = loggedAt.Time
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log rows: %w", err)
	}

	slices.Reverse(out)
	return out, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
