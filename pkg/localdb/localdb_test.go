package localdb

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harrisonrobin/taskmirror/pkg/model"
)

func TestSaveLoadDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", FileName)
	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	alert := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	task := model.Task{
		ID:        "t1",
		Title:     "Pay rent",
		AlertTime: &alert,
		StartDate: model.NewDate(2024, time.May, 1),
		Subtasks:  []model.Subtask{{ID: "s1", Title: "transfer"}},
		UpdatedAt: alert,
	}
	if err := db.SaveTask(ctx, task); err != nil {
		t.Fatalf("save: %v", err)
	}
	task.Title = "Pay rent (May)"
	if err := db.SaveTask(ctx, task); err != nil {
		t.Fatalf("save again: %v", err)
	}
	if err := db.SaveTask(ctx, model.Task{ID: "t2", Title: "Other"}); err != nil {
		t.Fatalf("save t2: %v", err)
	}

	tasks, err := db.LoadTasks(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	got := tasks[0]
	if got.Title != "Pay rent (May)" || got.AlertTime == nil || !got.AlertTime.Equal(alert) {
		t.Errorf("unexpected round trip: %+v", got)
	}
	if got.StartDate == nil || got.StartDate.String() != "2024-05-01" || len(got.Subtasks) != 1 {
		t.Errorf("optional fields lost: %+v", got)
	}

	if err := db.DeleteTask(ctx, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := db.DeleteTask(ctx, "missing"); err != nil {
		t.Fatalf("delete of unknown id should succeed: %v", err)
	}
	tasks, _ = db.LoadTasks(ctx)
	if len(tasks) != 1 || tasks[0].ID != "t2" {
		t.Errorf("unexpected tasks after delete: %+v", tasks)
	}
}

func TestDSN(t *testing.T) {
	dsn := DSN("/tmp/x/tasks.db")
	if !strings.HasPrefix(dsn, "file:///tmp/x/tasks.db?") {
		t.Errorf("unexpected dsn %q", dsn)
	}
	if !strings.Contains(dsn, "mode=rwc") || !strings.Contains(dsn, "busy_timeout") {
		t.Errorf("dsn missing options: %q", dsn)
	}
	if DSN("file:foo.db") != "file:foo.db" {
		t.Error("file: dsns are passed through")
	}
}
