package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/harrisonrobin/taskmirror/pkg/localdb"
	"github.com/harrisonrobin/taskmirror/pkg/model"
)

// Dialect captures the differences between the SQL backends.
type Dialect struct {
	Name   string
	Driver string
	// Numbered placeholders ($1, $2, ...) instead of ?.
	Numbered bool
}

var (
	Postgres = Dialect{Name: "postgres", Driver: "pgx", Numbered: true}
	SQLite   = Dialect{Name: "sqlite", Driver: "sqlite"}
)

func DialectFor(name string) (Dialect, error) {
	switch name {
	case Postgres.Name, "pgx":
		return Postgres, nil
	case SQLite.Name:
		return SQLite, nil
	}
	return Dialect{}, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
}

// Rebind rewrites ? placeholders for dialects that number them.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	completed INTEGER NOT NULL DEFAULT 0,
	category TEXT NOT NULL DEFAULT '',
	start_date TEXT NOT NULL DEFAULT '',
	start_time TEXT NOT NULL DEFAULT '',
	alert_time BIGINT NOT NULL DEFAULT 0,
	reminder_kind TEXT NOT NULL DEFAULT '',
	subtasks TEXT NOT NULL DEFAULT '[]',
	attachments TEXT NOT NULL DEFAULT '[]',
	notes TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_tasks_user_updated ON tasks (user_id, updated_at);
CREATE TABLE IF NOT EXISTS sync_metadata (
	user_id TEXT PRIMARY KEY,
	last_sync BIGINT NOT NULL
);`

const taskColumns = `id, user_id, title, description, completed, category, start_date, start_time,
	alert_time, reminder_kind, subtasks, attachments, notes, created_at, updated_at`

// SQLStore keeps the replica in a SQL database: Postgres for the hosted
// deployment, SQLite for local setups.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL connects using the named driver and creates the schema.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	d, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	if dsn == "" {
		return nil, errors.New("remote dsn is empty")
	}
	if d == SQLite && dsn != ":memory:" {
		dsn = localdb.DSN(dsn)
	}
	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, err
	}
	if d == SQLite {
		db.SetMaxOpenConns(1)
	}
	s := &SQLStore{db: db, dialect: d}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure remote schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) UpsertBatch(ctx context.Context, userID string, tasks []model.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.dialect.Rebind(`INSERT INTO tasks (`+taskColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id, user_id) DO UPDATE SET
	title = excluded.title,
	description = excluded.description,
	completed = excluded.completed,
	category = excluded.category,
	start_date = excluded.start_date,
	start_time = excluded.start_time,
	alert_time = excluded.alert_time,
	reminder_kind = excluded.reminder_kind,
	subtasks = excluded.subtasks,
	attachments = excluded.attachments,
	notes = excluded.notes,
	created_at = excluded.created_at,
	updated_at = excluded.updated_at`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range tasks {
		cols, err := encodeColumns(t)
		if err != nil {
			return fmt.Errorf("encode task %s: %w", t.ID, err)
		}
		_, err = stmt.ExecContext(ctx,
			t.ID, userID, t.Title, t.Description, boolInt(t.Completed), cols.Category,
			formatOptional(t.StartDate), formatOptional(t.StartTime), alertNanos(t.AlertTime),
			string(t.ReminderKind), cols.Subtasks, cols.Attachments, t.Notes,
			nanos(t.CreatedAt), nanos(t.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("upsert task %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) DeleteByKey(ctx context.Context, userID, taskID string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM tasks WHERE id = ? AND user_id = ?`), taskID, userID)
	return err
}

func (s *SQLStore) SelectModifiedSince(ctx context.Context, userID string, since time.Time) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`SELECT `+taskColumns+`
FROM tasks WHERE user_id = ? AND updated_at > ? ORDER BY updated_at, id`), userID, nanos(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(rows *sql.Rows) (model.Task, error) {
	var (
		t                    model.Task
		user                 string
		completed            int
		cols                 columns
		startDate, startTime string
		alert                int64
		kind                 string
		created, updated     int64
	)
	err := rows.Scan(&t.ID, &user, &t.Title, &t.Description, &completed, &cols.Category,
		&startDate, &startTime, &alert, &kind, &cols.Subtasks, &cols.Attachments, &t.Notes,
		&created, &updated)
	if err != nil {
		return t, err
	}
	t.Completed = completed != 0
	t.ReminderKind = model.ReminderKind(kind)
	t.AlertTime = alertFromNanos(alert)
	t.CreatedAt = fromNanos(created)
	t.UpdatedAt = fromNanos(updated)
	if t.StartDate, err = parseDate(startDate); err != nil {
		return t, err
	}
	if t.StartTime, err = parseTimeOfDay(startTime); err != nil {
		return t, err
	}
	if err := decodeColumns(cols, &t); err != nil {
		return t, fmt.Errorf("decode task %s: %w", t.ID, err)
	}
	return t, nil
}

func (s *SQLStore) GetCursor(ctx context.Context, userID string) (time.Time, bool, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT last_sync FROM sync_metadata WHERE user_id = ?`), userID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return fromNanos(n), true, nil
}

func (s *SQLStore) SetCursor(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO sync_metadata (user_id, last_sync) VALUES (?, ?)
ON CONFLICT (user_id) DO UPDATE SET last_sync = excluded.last_sync
WHERE sync_metadata.last_sync < excluded.last_sync`), userID, nanos(at))
	return err
}
