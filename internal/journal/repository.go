// Package journal keeps a queryable history of device link transitions and
// command deliveries in SQLite.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Page size bounds for list queries.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// timeLayout is fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// LinkEvent is one device link transition.
type LinkEvent struct {
	ID         string    `json:"id"`
	Address    string    `json:"address"`
	Connected  bool      `json:"connected"`
	OccurredAt time.Time `json:"occurred_at"`
}

// CommandRecord is one attempt to deliver a command to the device.
type CommandRecord struct {
	ID         string    `json:"id"`
	Cmd        string    `json:"cmd"`
	Payload    string    `json:"payload"`
	Delivered  bool      `json:"delivered"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Filter controls which commands ListCommands returns.
type Filter struct {
	Cmd    string // optional: move, face, say
	Limit  int    // default 50, max 200
	Offset int
}

// CommandList is a page of command records, newest first.
type CommandList struct {
	Commands []CommandRecord `json:"commands"`
	Total    int             `json:"total"`
	Limit    int             `json:"limit"`
	Offset   int             `json:"offset"`
}

// Repository defines journal storage operations.
type Repository interface {
	RecordLinkEvent(ctx context.Context, ev *LinkEvent) error
	RecordCommand(ctx context.Context, rec *CommandRecord) error
	ListLinkEvents(ctx context.Context, limit int) ([]LinkEvent, error)
	ListCommands(ctx context.Context, filter Filter) (*CommandList, error)
}

// SQLiteRepository stores the journal in the link_events and command_log
// tables.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository over an already migrated db.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// RecordLinkEvent inserts ev. ID and OccurredAt are generated if empty.
func (r *SQLiteRepository) RecordLinkEvent(ctx context.Context, ev *LinkEvent) error {
	if ev.ID == "" {
		ev.ID = "lnk-" + uuid.NewString()[:8]
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO link_events (id, address, connected, occurred_at) VALUES (?, ?, ?, ?)`,
		ev.ID, ev.Address, boolToInt(ev.Connected), formatTime(ev.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("inserting link event: %w", err)
	}
	return nil
}

// RecordCommand inserts rec. ID and OccurredAt are generated if empty.
func (r *SQLiteRepository) RecordCommand(ctx context.Context, rec *CommandRecord) error {
	if rec.ID == "" {
		rec.ID = "cmd-" + uuid.NewString()[:8]
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO command_log (id, cmd, payload, delivered, error, occurred_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Cmd, rec.Payload, boolToInt(rec.Delivered),
		nullableString(rec.Error), formatTime(rec.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("inserting command record: %w", err)
	}
	return nil
}

// ListLinkEvents returns the most recent link transitions, newest first.
func (r *SQLiteRepository) ListLinkEvents(ctx context.Context, limit int) ([]LinkEvent, error) {
	limit = clampLimit(limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, address, connected, occurred_at FROM link_events
		 ORDER BY occurred_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying link events: %w", err)
	}
	defer rows.Close()

	events := []LinkEvent{}
	for rows.Next() {
		var ev LinkEvent
		var connected int
		var occurredAt string
		if err := rows.Scan(&ev.ID, &ev.Address, &connected, &occurredAt); err != nil {
			return nil, fmt.Errorf("scanning link event: %w", err)
		}
		ev.Connected = connected == 1
		if ev.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating link events: %w", err)
	}
	return events, nil
}

// ListCommands returns a page of command records, newest first.
func (r *SQLiteRepository) ListCommands(ctx context.Context, filter Filter) (*CommandList, error) {
	filter.Limit = clampLimit(filter.Limit)
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	where := ""
	var args []any
	if filter.Cmd != "" {
		where = "WHERE cmd = ?"
		args = append(args, filter.Cmd)
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM command_log " + where //nolint:gosec // fixed clause, parameterised value
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting command records: %w", err)
	}

	query := "SELECT id, cmd, payload, delivered, error, occurred_at FROM command_log " + where + //nolint:gosec // fixed clause, parameterised value
		" ORDER BY occurred_at DESC, rowid DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying command records: %w", err)
	}
	defer rows.Close()

	commands := []CommandRecord{}
	for rows.Next() {
		var rec CommandRecord
		var delivered int
		var errText sql.NullString
		var occurredAt string
		if err := rows.Scan(&rec.ID, &rec.Cmd, &rec.Payload, &delivered, &errText, &occurredAt); err != nil {
			return nil, fmt.Errorf("scanning command record: %w", err)
		}
		rec.Delivered = delivered == 1
		rec.Error = errText.String
		if rec.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, err
		}
		commands = append(commands, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command records: %w", err)
	}

	return &CommandList{
		Commands: commands,
		Total:    total,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	}, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullableString maps "" to NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing journal timestamp %q: %w", s, err)
	}
	return t, nil
}
