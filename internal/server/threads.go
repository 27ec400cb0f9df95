package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/scott-williams-2002/polyplexity-sub000/internal/session"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/store"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/stream"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/supervisor"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/trace"
)

const defaultHeartbeat = 15 * time.Second

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// TurnRequest carries the user's message for one turn.
type TurnRequest struct {
	Message string `json:"message"`
}

// ThreadResponse is the thread state exposed over the API.
type ThreadResponse struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Summary       string    `json:"summary"`
	ReportVersion int       `json:"report_version"`
	FinalReport   string    `json:"final_report"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TraceResponse lists the persisted trace of one assistant message.
type TraceResponse struct {
	MessageID string        `json:"message_id"`
	Events    []trace.Event `json:"events"`
}

// ThreadsHandler serves threads, turns, messages, traces and event streams.
type ThreadsHandler struct {
	runner      TurnRunner
	store       Store
	subscriber  stream.Subscriber
	locker      session.Locker
	turnTimeout time.Duration
	heartbeat   time.Duration
	newID       func() string
	logger      *log.Logger
}

func (h *ThreadsHandler) Register(g *echo.Group) {
	g.POST("/threads", h.createThread)
	g.GET("/threads/:thread_id", h.getThread)
	g.DELETE("/threads/:thread_id", h.deleteThread)
	g.POST("/threads/:thread_id/turns", h.runTurn)
	g.GET("/threads/:thread_id/messages", h.listMessages)
	g.GET("/threads/:thread_id/events", h.streamEvents)
	g.GET("/messages/:message_id/trace", h.getTrace)
}

// createThread
//
//	@Summary	Start a thread and run its first turn
//	@Tags		threads
//	@Accept		json
//	@Produce	json
//	@Param		payload	body		TurnRequest	true	"First message"
//	@Success	201		{object}	supervisor.TurnResult
//	@Failure	400		{object}	HTTPError
//	@Router		/api/threads [post]
func (h *ThreadsHandler) createThread(c echo.Context) error {
	msg, err := bindMessage(c)
	if err != nil {
		return err
	}
	id := uuid.NewString()
	if h.newID != nil {
		id = h.newID()
	}
	res, err := h.turn(c.Request().Context(), id, msg)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res)
}

// runTurn
//
//	@Summary	Run one turn on an existing or new thread
//	@Tags		threads
//	@Param		thread_id	path		string		true	"Thread ID"
//	@Param		payload		body		TurnRequest	true	"User message"
//	@Success	200			{object}	supervisor.TurnResult
//	@Failure	409			{object}	HTTPError	"thread busy"
//	@Router		/api/threads/{thread_id}/turns [post]
func (h *ThreadsHandler) runTurn(c echo.Context) error {
	threadID := strings.TrimSpace(c.Param("thread_id"))
	if threadID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "thread_id required")
	}
	msg, err := bindMessage(c)
	if err != nil {
		return err
	}
	res, err := h.turn(c.Request().Context(), threadID, msg)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// turn runs detached from the request so a dropped client does not abort a
// turn that is already persisting.
func (h *ThreadsHandler) turn(ctx context.Context, threadID, msg string) (supervisor.TurnResult, error) {
	ctx = context.WithoutCancel(ctx)
	if h.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.turnTimeout)
		defer cancel()
	}
	return h.runner.RunTurn(ctx, threadID, msg)
}

func bindMessage(c echo.Context) (string, error) {
	var req TurnRequest
	if err := c.Bind(&req); err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "message required")
	}
	return msg, nil
}

func (h *ThreadsHandler) getThread(c echo.Context) error {
	th, err := h.store.LoadThread(c.Request().Context(), c.Param("thread_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ThreadResponse{
		ID:            th.ID,
		Name:          th.Name,
		Summary:       th.Summary,
		ReportVersion: th.ReportVersion,
		FinalReport:   th.FinalReport,
		CreatedAt:     th.CreatedAt,
		UpdatedAt:     th.UpdatedAt,
	})
}

// deleteThread
//
//	@Summary	Delete a thread with its messages and traces
//	@Tags		threads
//	@Param		thread_id	path	string	true	"Thread ID"
//	@Success	204
//	@Failure	404	{object}	HTTPError
//	@Failure	409	{object}	HTTPError	"thread busy"
//	@Router		/api/threads/{thread_id} [delete]
func (h *ThreadsHandler) deleteThread(c echo.Context) error {
	ctx := c.Request().Context()
	threadID := c.Param("thread_id")
	if h.locker != nil {
		unlock, err := h.locker.Lock(ctx, threadID)
		if err != nil {
			return fmt.Errorf("lock thread %s: %w", threadID, err)
		}
		defer unlock()
	}
	if err := h.store.DeleteThread(ctx, threadID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *ThreadsHandler) listMessages(c echo.Context) error {
	ctx := c.Request().Context()
	threadID := c.Param("thread_id")
	if _, err := h.store.LoadThread(ctx, threadID); err != nil {
		return err
	}
	msgs, err := h.store.GetThreadMessages(ctx, threadID)
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return c.JSON(http.StatusOK, msgs)
}

func (h *ThreadsHandler) getTrace(c echo.Context) error {
	id := c.Param("message_id")
	events, err := h.store.ListExecutionTrace(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if events == nil {
		events = []trace.Event{}
	}
	return c.JSON(http.StatusOK, TraceResponse{MessageID: id, Events: events})
}

// streamEvents
//
//	@Summary	Server-sent events for a thread
//	@Tags		threads
//	@Produce	text/event-stream
//	@Param		thread_id	path	string	true	"Thread ID"
//	@Router		/api/threads/{thread_id}/events [get]
func (h *ThreadsHandler) streamEvents(c echo.Context) error {
	if h.subscriber == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event stream disabled")
	}
	threadID := strings.TrimSpace(c.Param("thread_id"))
	if threadID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "thread_id required")
	}
	ctx := c.Request().Context()
	events, err := h.subscriber.Subscribe(ctx, threadID)
	if err != nil {
		return err
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	interval := h.heartbeat
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeSSE(resp, ev); err != nil {
				h.logger.Printf("sse write for thread %s: %v", threadID, err)
				return nil
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(resp, ": ping\n\n"); err != nil {
				return nil
			}
			resp.Flush()
		}
	}
}

func writeSSE(resp *echo.Response, ev stream.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
		return err
	}
	resp.Flush()
	return nil
}
