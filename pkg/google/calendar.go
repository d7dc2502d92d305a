package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	mirror "github.com/harrisonrobin/taskmirror/pkg/calendar"
	"github.com/harrisonrobin/taskmirror/pkg/colors"
	"github.com/harrisonrobin/taskmirror/pkg/model"
)

// CalendarClient writes task events into one Google calendar.
type CalendarClient struct {
	srv        *calendar.Service
	calendarID string
	palette    *colors.Palette
	logger     *log.Logger
}

func NewCalendarClient(srv *calendar.Service, calendarID string, palette *colors.Palette, logger *log.Logger) *CalendarClient {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &CalendarClient{srv: srv, calendarID: calendarID, palette: palette, logger: logger}
}

// CreateEvent inserts the event for payload. An event already tagged with the
// task id is adopted and patched instead, so a lost mapping never produces a
// duplicate.
func (c *CalendarClient) CreateEvent(ctx context.Context, p model.EventPayload) (string, error) {
	target := ToEvent(p, c.colorFor(p))

	existing, err := c.FindByTaskID(ctx, p.TaskID)
	if err != nil {
		return "", fmt.Errorf("error searching for event: %w", err)
	}
	if existing != nil {
		c.logger.WithFields(log.Fields{"task": p.TaskID, "event": existing.Id}).Info("adopting existing calendar event")
		if patch := eventPatch(existing, target); patch != nil {
			if _, err := c.srv.Events.Patch(c.calendarID, existing.Id, patch).Context(ctx).Do(); err != nil {
				return "", mapError(err)
			}
		}
		return existing.Id, nil
	}

	created, err := c.srv.Events.Insert(c.calendarID, target).Context(ctx).Do()
	if err != nil {
		return "", mapError(err)
	}
	return created.Id, nil
}

// UpdateEvent patches only the fields that changed.
func (c *CalendarClient) UpdateEvent(ctx context.Context, eventID string, p model.EventPayload) error {
	existing, err := c.srv.Events.Get(c.calendarID, eventID).Context(ctx).Do()
	if err != nil {
		return mapError(err)
	}
	if existing.Status == "cancelled" {
		return mirror.ErrEventNotFound
	}
	patch := eventPatch(existing, ToEvent(p, c.colorFor(p)))
	if patch == nil {
		return nil
	}
	_, err = c.srv.Events.Patch(c.calendarID, eventID, patch).Context(ctx).Do()
	return mapError(err)
}

func (c *CalendarClient) DeleteEvent(ctx context.Context, eventID string) error {
	return mapError(c.srv.Events.Delete(c.calendarID, eventID).Context(ctx).Do())
}

// FindByTaskID returns the live event tagged with taskID, or nil.
func (c *CalendarClient) FindByTaskID(ctx context.Context, taskID string) (*calendar.Event, error) {
	events, err := c.srv.Events.List(c.calendarID).
		PrivateExtendedProperty(fmt.Sprintf("%s=%s", TaskIDProperty, taskID)).
		ShowDeleted(false).
		Context(ctx).
		Do()
	if err != nil {
		return nil, mapError(err)
	}
	if len(events.Items) > 0 {
		return events.Items[0], nil
	}
	return nil, nil
}

func (c *CalendarClient) colorFor(p model.EventPayload) string {
	if c.palette == nil {
		return ""
	}
	id := c.palette.ColorFor(p.Category)
	if err := c.palette.Save(); err != nil {
		c.logger.WithError(err).Warn("could not save color palette")
	}
	return id
}

// mapError translates Google API failures into the mirror's sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	switch gerr.Code {
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("%w: %v", mirror.ErrEventNotFound, err)
	case http.StatusForbidden:
		for _, item := range gerr.Errors {
			if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
				return err
			}
		}
		return fmt.Errorf("%w: %v", mirror.ErrPermissionDenied, err)
	}
	return err
}
