// Package api exposes the engine over HTTP. Task mutations are local-first and
// only fail on invalid input; the sync route is the one that reports remote
// failures.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/harrisonrobin/taskmirror/pkg/engine"
	"github.com/harrisonrobin/taskmirror/pkg/model"
	"github.com/harrisonrobin/taskmirror/pkg/reminder"
	"github.com/harrisonrobin/taskmirror/pkg/syncer"
)

const maxBodySize = 1 << 20

// Service is the slice of the engine the API drives.
type Service interface {
	CreateTask(task model.Task) (model.Task, error)
	UpdateTask(task model.Task) (model.Task, error)
	DeleteTask(id string)
	SetCompleted(id string, completed bool) (model.Task, error)
	SetSubtaskCompleted(id, subtaskID string, completed bool) (model.Task, error)
	Get(id string) (model.Task, bool)
	List() []model.Task
	ReminderPreferences() reminder.Preferences
	SetReminderPreferences(ctx context.Context, p reminder.Preferences) int
	SyncNow(ctx context.Context) (syncer.PassResult, error)
}

var _ Service = (*engine.Engine)(nil)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, svc Service, logger *log.Logger) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	e.GET("/tasks", listTasks(svc))
	e.GET("/tasks/:id", getTask(svc))
	e.POST("/tasks", createTask(svc))
	e.PUT("/tasks/:id", updateTask(svc))
	e.DELETE("/tasks/:id", deleteTask(svc))
	e.POST("/tasks/:id/complete", completeTask(svc))
	e.POST("/tasks/:id/subtasks/:sub/complete", completeSubtask(svc))
	e.GET("/preferences/reminders", getPreferences(svc))
	e.PUT("/preferences/reminders", putPreferences(svc))
	e.POST("/sync", postSync(svc, logger))
	e.GET("/healthz", healthz())
}

type tasksResponse struct {
	Tasks []model.Task `json:"tasks"`
}

type preferencesBody struct {
	Enabled       bool `json:"enabled"`
	OffsetMinutes int  `json:"offsetMinutes"`
}

type syncResponse struct {
	Pulled     int   `json:"pulled"`
	Pushed     int   `json:"pushed"`
	Batches    int   `json:"batches"`
	DurationMs int64 `json:"durationMs"`
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func listTasks(svc Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, tasksResponse{Tasks: svc.List()})
	}
}

func getTask(svc Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		t, ok := svc.Get(c.Param("id"))
		if !ok {
			return c.String(http.StatusNotFound, "task not found")
		}
		return c.JSON(http.StatusOK, t)
	}
}

func createTask(svc Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		var t model.Task
		if err := decode(c, &t); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		stored, err := svc.CreateTask(t)
		if err != nil {
			return mutationError(c, err)
		}
		return c.JSON(http.StatusCreated, stored)
	}
}

func updateTask(svc Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		var t model.Task
		if err := decode(c, &t); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		id := c.Param("id")
		if t.ID == "" {
			t.ID = id
		}
		if t.ID != id {
			return c.String(http.StatusBadRequest, "task id does not match path")
		}
		stored, err := svc.UpdateTask(t)
		if err != nil {
			return mutationError(c, err)
		}
		return c.JSON(http.StatusOK, stored)
	}
}

func deleteTask(svc Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		svc.DeleteTask(c.Param("id"))
		return c.NoContent(http.StatusNoContent)
	}
}

func completeTask(svc Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		completed, err := completedParam(c)
		if err != nil {
			return c.String(http.StatusBadRequest, "invalid completed flag")
		}
		stored, err := svc.SetCompleted(c.Param("id"), completed)
		if err != nil {
			return mutationError(c, err)
		}
		return c.JSON(http.StatusOK, stored)
	}
}

func completeSubtask(svc Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		completed, err := completedParam(c)
		if err != nil {
			return c.String(http.StatusBadRequest, "invalid completed flag")
		}
		stored, err := svc.SetSubtaskCompleted(c.Param("id"), c.Param("sub"), completed)
		if err != nil {
			return mutationError(c, err)
		}
		return c.JSON(http.StatusOK, stored)
	}
}

func getPreferences(svc Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		p := svc.ReminderPreferences()
		return c.JSON(http.StatusOK, preferencesBody{Enabled: p.Enabled, OffsetMinutes: int(p.Offset / time.Minute)})
	}
}

func putPreferences(svc Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		var body preferencesBody
		if err := decode(c, &body); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if body.OffsetMinutes < 0 {
			return c.String(http.StatusBadRequest, "offset must not be negative")
		}
		svc.SetReminderPreferences(c.Request().Context(), reminder.Preferences{
			Enabled: body.Enabled,
			Offset:  time.Duration(body.OffsetMinutes) * time.Minute,
		})
		return c.JSON(http.StatusOK, body)
	}
}

func postSync(svc Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		res, err := svc.SyncNow(c.Request().Context())
		switch {
		case err == nil:
			return c.JSON(http.StatusOK, syncResponse{
				Pulled:     res.Pulled,
				Pushed:     res.Pushed,
				Batches:    res.Batches,
				DurationMs: res.Duration.Milliseconds(),
			})
		case errors.Is(err, syncer.ErrSyncInProgress):
			return c.String(http.StatusConflict, err.Error())
		case errors.Is(err, syncer.ErrOffline), errors.Is(err, engine.ErrSyncDisabled):
			return c.String(http.StatusServiceUnavailable, err.Error())
		default:
			logger.WithError(err).Error("sync request failed")
			return c.String(http.StatusBadGateway, err.Error())
		}
	}
}

func mutationError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, engine.ErrInvalidTask):
		return c.String(http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrTaskNotFound), errors.Is(err, engine.ErrSubtaskNotFound):
		return c.String(http.StatusNotFound, err.Error())
	default:
		c.Logger().Error(err)
		return c.String(http.StatusInternalServerError, err.Error())
	}
}

func completedParam(c echo.Context) (bool, error) {
	v := c.QueryParam("completed")
	if v == "" {
		return true, nil
	}
	return strconv.ParseBool(v)
}

func decode(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, maxBodySize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
