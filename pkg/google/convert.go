package google

import (
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/harrisonrobin/taskmirror/pkg/model"
)

// TaskIDProperty is the private extended property that tags events created
// for a task.
const TaskIDProperty = "taskmirror_id"

// ToEvent converts the calendar payload into a Google event.
func ToEvent(p model.EventPayload, colorID string) *calendar.Event {
	event := &calendar.Event{
		Summary:     p.Title,
		Description: p.Notes,
		ColorId:     colorID,
		Start:       &calendar.EventDateTime{DateTime: p.StartDate.Format(time.RFC3339)},
		End:         &calendar.EventDateTime{DateTime: p.EndDate.Format(time.RFC3339)},
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{TaskIDProperty: p.TaskID},
		},
		Reminders: &calendar.EventReminders{
			UseDefault:      false,
			ForceSendFields: []string{"UseDefault"},
		},
	}
	for _, a := range p.Alarms {
		minutes := int64(-a.RelativeOffsetMinutes)
		if minutes < 0 {
			minutes = 0
		}
		event.Reminders.Overrides = append(event.Reminders.Overrides, &calendar.EventReminder{
			Method:          "popup",
			Minutes:         minutes,
			ForceSendFields: []string{"Minutes"},
		})
	}
	return event
}

// eventPatch returns the fields of target that differ from existing, or nil
// when the event is already up to date.
func eventPatch(existing, target *calendar.Event) *calendar.Event {
	patch := &calendar.Event{}
	changed := false

	if existing.Summary != target.Summary {
		patch.Summary = target.Summary
		changed = true
	}
	if existing.Description != target.Description {
		patch.Description = target.Description
		patch.ForceSendFields = append(patch.ForceSendFields, "Description")
		changed = true
	}
	if existing.ColorId != target.ColorId {
		patch.ColorId = target.ColorId
		patch.ForceSendFields = append(patch.ForceSendFields, "ColorId")
		changed = true
	}
	if !sameInstant(existing.Start, target.Start) || !sameInstant(existing.End, target.End) {
		patch.Start = target.Start
		patch.End = target.End
		changed = true
	}
	if !sameReminders(existing.Reminders, target.Reminders) {
		patch.Reminders = target.Reminders
		changed = true
	}
	if existing.ExtendedProperties == nil || existing.ExtendedProperties.Private[TaskIDProperty] != target.ExtendedProperties.Private[TaskIDProperty] {
		patch.ExtendedProperties = target.ExtendedProperties
		changed = true
	}

	if !changed {
		return nil
	}
	return patch
}

func sameInstant(a, b *calendar.EventDateTime) bool {
	if a == nil || b == nil {
		return a == b
	}
	ta, errA := time.Parse(time.RFC3339, a.DateTime)
	tb, errB := time.Parse(time.RFC3339, b.DateTime)
	if errA != nil || errB != nil {
		return false
	}
	return ta.Equal(tb)
}

func sameReminders(a, b *calendar.EventReminders) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.UseDefault != b.UseDefault || len(a.Overrides) != len(b.Overrides) {
		return false
	}
	for i := range a.Overrides {
		if a.Overrides[i].Method != b.Overrides[i].Method || a.Overrides[i].Minutes != b.Overrides[i].Minutes {
			return false
		}
	}
	return true
}
