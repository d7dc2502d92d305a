package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ReminderKind selects how a reminder is presented on the device.
type ReminderKind string

const (
	ReminderNotification ReminderKind = "notification"
	ReminderAlarm        ReminderKind = "alarm"
)

const (
	dateLayout      = "2006-01-02"
	timeOfDayLayout = "15:04"
)

// Category is the optional label/icon/color triple attached to a task.
type Category struct {
	Label string `json:"label"`
	Icon  string `json:"icon,omitempty"`
	Color string `json:"color,omitempty"`
}

type Subtask struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
}

type Attachment struct {
	ID       string `json:"id"`
	URI      string `json:"uri"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// Task is the core to-do entity. Optional fields are pointers: nil means the
// user has not configured them.
type Task struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	Completed    bool         `json:"completed"`
	Category     *Category    `json:"category,omitempty"`
	StartDate    *Date        `json:"startDate,omitempty"`
	StartTime    *TimeOfDay   `json:"startTime,omitempty"`
	AlertTime    *time.Time   `json:"alertTime,omitempty"`
	ReminderKind ReminderKind `json:"reminderKind,omitempty"`
	Subtasks     []Subtask    `json:"subtasks,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	Notes        string       `json:"notes,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// Clone returns a deep copy so callers never share slices or pointers with
// the stored record.
func (t Task) Clone() Task {
	out := t
	if t.Category != nil {
		c := *t.Category
		out.Category = &c
	}
	if t.StartDate != nil {
		d := *t.StartDate
		out.StartDate = &d
	}
	if t.StartTime != nil {
		tod := *t.StartTime
		out.StartTime = &tod
	}
	if t.AlertTime != nil {
		at := *t.AlertTime
		out.AlertTime = &at
	}
	if t.Subtasks != nil {
		out.Subtasks = append([]Subtask(nil), t.Subtasks...)
	}
	if t.Attachments != nil {
		out.Attachments = append([]Attachment(nil), t.Attachments...)
	}
	return out
}

// AllSubtasksCompleted reports whether the task has subtasks and every one of
// them is completed.
func (t Task) AllSubtasksCompleted() bool {
	if len(t.Subtasks) == 0 {
		return false
	}
	for _, s := range t.Subtasks {
		if !s.Completed {
			return false
		}
	}
	return true
}

// HasAlert reports whether an alert time is configured.
func (t Task) HasAlert() bool {
	return t.AlertTime != nil && !t.AlertTime.IsZero()
}

// Start combines StartDate and StartTime into an instant in loc. A missing
// time of day means midnight. ok is false when the task has no start date.
func (t Task) Start(loc *time.Location) (time.Time, bool) {
	if t.StartDate == nil {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.Local
	}
	hour, minute := 0, 0
	if t.StartTime != nil {
		hour, minute = t.StartTime.Hour, t.StartTime.Minute
	}
	d := t.StartDate
	return time.Date(d.Year, d.Month, d.Day, hour, minute, 0, 0, loc), true
}

// Date is a naive calendar date with no zone attached.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func NewDate(year int, month time.Month, day int) *Date {
	return &Date{Year: year, Month: month, Day: day}
}

func ParseDate(s string) (*Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return &Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = *parsed
	return nil
}

// TimeOfDay is a naive wall-clock time, minute precision.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func NewTimeOfDay(hour, minute int) *TimeOfDay {
	return &TimeOfDay{Hour: hour, Minute: minute}
}

func ParseTimeOfDay(s string) (*TimeOfDay, error) {
	t, err := time.Parse(timeOfDayLayout, strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return &TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = *parsed
	return nil
}
