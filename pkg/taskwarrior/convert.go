package taskwarrior

import (
	"strings"
	"time"

	"github.com/harrisonrobin/taskmirror/pkg/model"
)

// ToModel converts a taskwarrior record. The scheduled instant becomes the
// naive start date and time as seen in loc; a scheduled time at midnight
// leaves StartTime unset. The due instant becomes the alert.
func (t Task) ToModel(loc *time.Location) model.Task {
	if loc == nil {
		loc = time.Local
	}
	out := model.Task{
		ID:           t.UUID,
		Title:        t.Description,
		Completed:    t.Status == COMPLETED,
		ReminderKind: model.ReminderNotification,
	}
	if t.Project != "" {
		out.Category = &model.Category{Label: t.Project}
	}
	if t.Scheduled.set() {
		s := t.Scheduled.In(loc)
		out.StartDate = model.NewDate(s.Year(), s.Month(), s.Day())
		if s.Hour() != 0 || s.Minute() != 0 {
			out.StartTime = model.NewTimeOfDay(s.Hour(), s.Minute())
		}
	}
	if t.Due.set() {
		due := t.Due.Time.UTC()
		out.AlertTime = &due
	}

	notes := make([]string, 0, len(t.Annotations))
	for _, a := range t.Annotations {
		if a.Description != "" {
			notes = append(notes, a.Description)
		}
	}
	out.Notes = strings.Join(notes, "\n")

	if t.Entry.set() {
		out.CreatedAt = t.Entry.Time.UTC()
	}
	if t.Modified.set() {
		out.UpdatedAt = t.Modified.Time.UTC()
	}
	return out
}

// Convert turns an export into tasks, dropping the skipped ones.
func Convert(tasks []Task, loc *time.Location) []model.Task {
	out := make([]model.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.UUID == "" || t.Skipped() {
			continue
		}
		out = append(out, t.ToModel(loc))
	}
	return out
}
