package model

import "time"

// ScheduledNotification records the single live OS-level trigger for a task.
type ScheduledNotification struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"taskId"`
	ScheduledTime time.Time `json:"scheduledTime"`
	Title         string    `json:"title"`
	Body          string    `json:"body"`
}

type PayloadData struct {
	TaskID string `json:"taskId"`
}

// ReminderPayload is what gets handed to the notification backend.
type ReminderPayload struct {
	Title string      `json:"title"`
	Body  string      `json:"body"`
	Sound bool        `json:"sound"`
	Data  PayloadData `json:"data"`
}

type Alarm struct {
	RelativeOffsetMinutes int `json:"relativeOffsetMinutes"`
}

// EventPayload is the calendar-facing shape of a scheduled task.
type EventPayload struct {
	TaskID     string    `json:"taskId"`
	Title      string    `json:"title"`
	Notes      string    `json:"notes"`
	StartDate  time.Time `json:"startDate"`
	EndDate    time.Time `json:"endDate"`
	CalendarID string    `json:"calendarId,omitempty"`
	Category   string    `json:"category,omitempty"`
	Color      string    `json:"color,omitempty"`
	Alarms     []Alarm   `json:"alarms,omitempty"`
}
