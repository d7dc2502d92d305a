package calendar

import (
	"strings"
	"time"

	"github.com/harrisonrobin/taskmirror/pkg/model"
)

// EventPayload builds the calendar event for task. ok is false when the task
// has no start date and therefore no event.
func EventPayload(task model.Task, loc *time.Location, alarmOffset time.Duration) (model.EventPayload, bool) {
	start, ok := task.Start(loc)
	if !ok {
		return model.EventPayload{}, false
	}
	payload := model.EventPayload{
		TaskID:    task.ID,
		Title:     task.Title,
		Notes:     eventNotes(task),
		StartDate: start,
		EndDate:   start.Add(EventDuration),
		Alarms:    []model.Alarm{{RelativeOffsetMinutes: -int(alarmOffset / time.Minute)}},
	}
	if task.Category != nil {
		payload.Category = task.Category.Label
		payload.Color = task.Category.Color
	}
	return payload, true
}

func eventNotes(task model.Task) string {
	parts := make([]string, 0, 2)
	if d := strings.TrimSpace(task.Description); d != "" {
		parts = append(parts, d)
	}
	if n := strings.TrimSpace(task.Notes); n != "" {
		parts = append(parts, n)
	}
	return strings.Join(parts, "\n\n")
}
