package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"canvas-sync/domain"
)

const mutationMaxSize = 1 << 20

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, boards Boards, cache SnapshotCache, logger *log.Logger) {
	e.GET("/api/boards/:board/tasks", getTasks(boards, cache))
	e.POST("/api/boards/:board/tasks", postTask(boards, logger))
	e.PATCH("/api/boards/:board/tasks/:id", patchTask(boards, logger))
	e.DELETE("/api/boards/:board/tasks/:id", deleteTask(boards, logger))
	e.GET("/ws/canvas", streamCanvas(boards, logger))
	e.GET("/ws/canvas/metrics", getStreamMetrics(boards))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// mutationStatus maps a store error onto an HTTP status.
func mutationStatus(err error) int {
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest
	}
	var nfe domain.NotFoundError
	if errors.As(err, &nfe) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func getTasks(boards Boards, cache SnapshotCache) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		board := c.Param("board")
		if cache != nil {
			if payload, ok := cache.Get(ctx, board); ok {
				return c.JSONBlob(http.StatusOK, payload)
			}
		}
		st, err := boards.Board(ctx, board)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		tasks, rev := st.Snapshot()
		payload, err := sonic.Marshal(tasksResponse{Tasks: tasks, Revision: rev})
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		if cache != nil {
			cache.Set(ctx, board, payload)
		}
		return c.JSONBlob(http.StatusOK, payload)
	}
}

func postTask(boards Boards, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newMutationMetrics(ctx, logger, "create")
		if spanCtx != nil {
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		board := c.Param("board")
		metrics.SetBoard(board)

		var draft domain.TaskDraft
		if decodeErr := decodeBody(c, &draft); decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}

		st, boardErr := boards.Board(ctx, board)
		if boardErr != nil {
			metrics.SetErrorStage("board")
			err = c.String(http.StatusInternalServerError, boardErr.Error())
			return err
		}

		storeStart := time.Now()
		task, createErr := st.Create(draft)
		metrics.ObserveStore(time.Since(storeStart))
		if createErr != nil {
			metrics.SetErrorStage("store")
			err = c.String(mutationStatus(createErr), createErr.Error())
			return err
		}
		metrics.SetTaskID(task.ID)
		err = c.JSON(http.StatusCreated, task)
		return err
	}
}

func patchTask(boards Boards, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newMutationMetrics(ctx, logger, "update")
		if spanCtx != nil {
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		board := c.Param("board")
		id := c.Param("id")
		metrics.SetBoard(board)
		metrics.SetTaskID(id)

		var upd domain.TaskUpdate
		if decodeErr := decodeBody(c, &upd); decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}

		st, boardErr := boards.Board(ctx, board)
		if boardErr != nil {
			metrics.SetErrorStage("board")
			err = c.String(http.StatusInternalServerError, boardErr.Error())
			return err
		}

		storeStart := time.Now()
		task, updateErr := st.Update(id, upd)
		metrics.ObserveStore(time.Since(storeStart))
		if updateErr != nil {
			metrics.SetErrorStage("store")
			err = c.String(mutationStatus(updateErr), updateErr.Error())
			return err
		}
		err = c.JSON(http.StatusOK, task)
		return err
	}
}

func deleteTask(boards Boards, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newMutationMetrics(ctx, logger, "delete")
		if spanCtx != nil {
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		board := c.Param("board")
		id := c.Param("id")
		metrics.SetBoard(board)
		metrics.SetTaskID(id)

		st, boardErr := boards.Board(ctx, board)
		if boardErr != nil {
			metrics.SetErrorStage("board")
			err = c.String(http.StatusInternalServerError, boardErr.Error())
			return err
		}

		storeStart := time.Now()
		deleteErr := st.Delete(id)
		metrics.ObserveStore(time.Since(storeStart))
		if deleteErr != nil {
			metrics.SetErrorStage("store")
			err = c.String(mutationStatus(deleteErr), deleteErr.Error())
			return err
		}
		err = c.NoContent(http.StatusNoContent)
		return err
	}
}

func decodeBody(c echo.Context, target any) error {
	lr := io.LimitReader(c.Request().Body, mutationMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}

func getStreamMetrics(boards Boards) echo.HandlerFunc {
	return func(c echo.Context) error {
		stats := boards.Stats()
		resp := streamMetricsResponse{Boards: stats}
		for _, b := range stats {
			resp.ActiveConnections += b.Sessions
			resp.EnvelopesSent += b.Published
			resp.OverflowCloses += b.OverflowCloses
		}
		return c.JSON(http.StatusOK, resp)
	}
}
