// Package remote talks to the hosted replica of a user's tasks. Rows are
// keyed by (task id, user id); a per-user cursor records the last instant a
// push fully succeeded.
package remote

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"

	"github.com/harrisonrobin/taskmirror/pkg/model"
)

var ErrUnknownDriver = errors.New("unknown remote driver")

// Store is the remote replica.
type Store interface {
	// UpsertBatch writes tasks for userID atomically where the backend allows.
	UpsertBatch(ctx context.Context, userID string, tasks []model.Task) error
	// DeleteByKey removes one row. A missing row is not an error.
	DeleteByKey(ctx context.Context, userID, taskID string) error
	// SelectModifiedSince returns rows with UpdatedAt strictly after since.
	SelectModifiedSince(ctx context.Context, userID string, since time.Time) ([]model.Task, error)
	// GetCursor returns the last sync instant; ok is false when none is stored.
	GetCursor(ctx context.Context, userID string) (time.Time, bool, error)
	// SetCursor stores at unless a later cursor is already stored.
	SetCursor(ctx context.Context, userID string, at time.Time) error
	Ping(ctx context.Context) error
	Close() error
}

// columns holds the task fields that are stored as embedded JSON text.
type columns struct {
	Category    string
	Subtasks    string
	Attachments string
}

func encodeColumns(t model.Task) (columns, error) {
	var c columns
	var err error
	if t.Category != nil {
		if c.Category, err = sonic.MarshalString(t.Category); err != nil {
			return c, err
		}
	}
	if c.Subtasks, err = marshalList(t.Subtasks); err != nil {
		return c, err
	}
	if c.Attachments, err = marshalList(t.Attachments); err != nil {
		return c, err
	}
	return c, nil
}

func decodeColumns(c columns, t *model.Task) error {
	if c.Category != "" {
		t.Category = &model.Category{}
		if err := sonic.UnmarshalString(c.Category, t.Category); err != nil {
			return err
		}
	}
	if c.Subtasks != "" && c.Subtasks != "[]" {
		if err := sonic.UnmarshalString(c.Subtasks, &t.Subtasks); err != nil {
			return err
		}
	}
	if c.Attachments != "" && c.Attachments != "[]" {
		if err := sonic.UnmarshalString(c.Attachments, &t.Attachments); err != nil {
			return err
		}
	}
	return nil
}

func marshalList[T any](items []T) (string, error) {
	if len(items) == 0 {
		return "[]", nil
	}
	return sonic.MarshalString(items)
}

func formatOptional[T interface{ String() string }](v *T) string {
	if v == nil {
		return ""
	}
	return (*v).String()
}

func parseDate(s string) (*model.Date, error) {
	if s == "" {
		return nil, nil
	}
	return model.ParseDate(s)
}

func parseTimeOfDay(s string) (*model.TimeOfDay, error) {
	if s == "" {
		return nil, nil
	}
	return model.ParseTimeOfDay(s)
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func alertNanos(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return nanos(*t)
}

func alertFromNanos(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	t := fromNanos(n)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
