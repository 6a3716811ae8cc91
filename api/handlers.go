// Package api exposes the board sessions over HTTP.
package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-board/board"
	"prism-board/domain"
)

const maxBodySize = 1 << 20

type handler struct {
	sessions *Sessions
	health   Pinger
	log      *log.Logger
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, sessions *Sessions, auth Authenticator, health Pinger, logger *log.Logger) {
	h := &handler{sessions: sessions, health: health, log: logger}

	e.GET("/healthz", h.healthz)

	g := e.Group("/api", requireUser(auth))
	g.GET("/board", h.getBoard)
	g.GET("/tasks", h.getTasks)
	g.GET("/view", h.getView)
	g.GET("/stats", h.getStats)
	g.GET("/stream", h.streamSnapshots)
	g.POST("/refresh", h.postRefresh)

	g.POST("/tasks", h.postTask)
	g.PATCH("/tasks/:id", h.patchTask)
	g.DELETE("/tasks/:id", h.deleteTask)

	g.PUT("/filters", h.putFilters)
	g.PUT("/filters/:key", h.putFilter)
	g.PUT("/sort", h.putSort)
	g.PUT("/group", h.putGroupBy)

	g.GET("/layouts", h.getLayouts)
	g.POST("/layouts", h.postLayout)
	g.PUT("/layouts/active", h.putActiveLayout)
	g.POST("/layouts/reset", h.resetLayout)
	g.POST("/layouts/:id/select", h.selectLayout)
	g.DELETE("/layouts/:id", h.deleteLayout)

	g.DELETE("/session", h.deleteSession)
}

func (h *handler) healthz(c echo.Context) error {
	if h.health == nil {
		return c.NoContent(http.StatusOK)
	}
	if err := h.health.Ping(c.Request().Context()); err != nil {
		h.log.WithError(err).Warn("health check failed")
		return c.String(http.StatusServiceUnavailable, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

func (h *handler) session(c echo.Context) *board.Controller {
	return h.sessions.Get(c.Request().Context(), userID(c))
}

func (h *handler) getBoard(c echo.Context) error {
	return c.JSON(http.StatusOK, h.session(c).Snapshot())
}

func (h *handler) getTasks(c echo.Context) error {
	s := h.session(c).Snapshot()
	return c.JSON(http.StatusOK, tasksResponse{Tasks: s.Tasks, State: s.State, Error: s.Error})
}

func (h *handler) getView(c echo.Context) (err error) {
	metrics, ctx := newViewRequestMetrics(c.Request().Context(), h.log)
	c.SetRequest(c.Request().WithContext(ctx))
	defer func() {
		metrics.Log(c.Response().Status, err)
	}()

	sessionStart := time.Now()
	s := h.session(c).Snapshot()
	metrics.ObserveSession(time.Since(sessionStart))
	metrics.SetCounts(s.State.String(), len(s.Tasks), len(s.View), len(s.Groups))

	encodeStart := time.Now()
	err = c.JSON(http.StatusOK, newViewResponse(s))
	metrics.ObserveEncode(time.Since(encodeStart))
	if err != nil {
		metrics.SetErrorStage("encode_response")
	}
	return err
}

func (h *handler) getStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.session(c).Snapshot().Stats)
}

func (h *handler) postRefresh(c echo.Context) error {
	ctrl := h.session(c)
	if err := ctrl.Refresh(c.Request().Context()); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, ctrl.Snapshot())
}

func (h *handler) postTask(c echo.Context) error {
	var draft domain.TaskDraft
	if err := decodeBody(c, &draft); err != nil {
		return err
	}
	task, err := h.session(c).CreateTask(c.Request().Context(), c.QueryParam("board"), draft)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, task)
}

func (h *handler) patchTask(c echo.Context) error {
	id, err := taskID(c)
	if err != nil {
		return err
	}
	var patch domain.TaskPatch
	if err := decodeBody(c, &patch); err != nil {
		return err
	}
	task, err := h.session(c).UpdateTask(c.Request().Context(), id, patch)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

func (h *handler) deleteTask(c echo.Context) error {
	id, err := taskID(c)
	if err != nil {
		return err
	}
	if err := h.session(c).DeleteTask(c.Request().Context(), id); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handler) putFilters(c echo.Context) error {
	var filters domain.FilterState
	if err := decodeBody(c, &filters); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newViewResponse(h.session(c).SetFilters(filters)))
}

func (h *handler) putFilter(c echo.Context) error {
	var values []string
	if err := decodeBody(c, &values); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newViewResponse(h.session(c).SetFilter(c.Param("key"), values)))
}

func (h *handler) putSort(c echo.Context) error {
	var sort domain.SortState
	if err := decodeBody(c, &sort); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newViewResponse(h.session(c).SetSort(sort)))
}

func (h *handler) putGroupBy(c echo.Context) error {
	var req groupByRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	by, ok := domain.ParseGroupBy(req.GroupBy)
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown groupBy")
	}
	return c.JSON(http.StatusOK, newViewResponse(h.session(c).SetGroupBy(by)))
}

func (h *handler) getLayouts(c echo.Context) error {
	return c.JSON(http.StatusOK, newLayoutsResponse(h.session(c).Snapshot()))
}

func (h *handler) postLayout(c echo.Context) error {
	var req saveLayoutRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	created, err := h.session(c).SaveLayoutAs(c.Request().Context(), req.Layout, req.Name)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *handler) putActiveLayout(c echo.Context) error {
	var cfg domain.ViewConfiguration
	if err := decodeBody(c, &cfg); err != nil {
		return err
	}
	return h.layoutResult(c, func(ctrl *board.Controller) error {
		return ctrl.SaveLayout(c.Request().Context(), cfg)
	})
}

func (h *handler) resetLayout(c echo.Context) error {
	return h.layoutResult(c, func(ctrl *board.Controller) error {
		return ctrl.ResetLayout(c.Request().Context())
	})
}

func (h *handler) selectLayout(c echo.Context) error {
	return h.layoutResult(c, func(ctrl *board.Controller) error {
		return ctrl.SelectLayout(c.Request().Context(), c.Param("id"))
	})
}

func (h *handler) deleteLayout(c echo.Context) error {
	return h.layoutResult(c, func(ctrl *board.Controller) error {
		return ctrl.DeleteLayout(c.Request().Context(), c.Param("id"))
	})
}

func (h *handler) layoutResult(c echo.Context, fn func(*board.Controller) error) error {
	ctrl := h.session(c)
	if err := fn(ctrl); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, newLayoutsResponse(ctrl.Snapshot()))
}

func (h *handler) deleteSession(c echo.Context) error {
	if !h.sessions.End(userID(c)) {
		return c.NoContent(http.StatusNotFound)
	}
	return c.NoContent(http.StatusNoContent)
}

func taskID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid task id")
	}
	return id, nil
}

// decodeBody reads a JSON body into v. Unknown fields are rejected.
func decodeBody(c echo.Context, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	return nil
}

func (h *handler) fail(c echo.Context, err error) error {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", c.Path()).Error("request failed")
	}
	return c.String(status, err.Error())
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDefaultLayout), errors.Is(err, board.ErrClosed):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTransient):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
