package synthesis

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/eleven-am/tts-multiplex/internal/history"
	"github.com/eleven-am/tts-multiplex/internal/multiplex"
	"github.com/eleven-am/tts-multiplex/internal/shared"
	"github.com/labstack/echo/v4"
)

const (
	headerContextID = "X-Context-Id"
	headerCache     = "X-Cache"
)

type HistoryStore interface {
	GetByID(ctx context.Context, id string) (*history.Record, error)
	ListRecent(ctx context.Context, limit int) ([]*history.Record, error)
}

type SpeechRequest struct {
	Text      string `json:"text"`
	ContextID string `json:"context_id,omitempty"`
	Flush     bool   `json:"flush,omitempty"`
	Format    string `json:"format,omitempty"`
}

type ContextsResponse struct {
	Connected      bool `json:"connected"`
	ActiveContexts int  `json:"active_contexts"`
	MaxContexts    int  `json:"max_contexts"`
}

type HistoryResponse struct {
	Records []*history.Record `json:"records"`
}

type Handler struct {
	client  *Client
	history HistoryStore
	logger  *slog.Logger
}

func NewHandler(client *Client, historyStore HistoryStore, logger *slog.Logger) *Handler {
	return &Handler{
		client:  client,
		history: historyStore,
		logger:  logger.With("component", "speech_handler"),
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group, speechMiddleware ...echo.MiddlewareFunc) {
	g.POST("/speech", h.Speak, speechMiddleware...)
	g.GET("/speech/history", h.ListHistory)
	g.GET("/speech/history/:id", h.GetHistory)
	g.GET("/contexts", h.Contexts)
}

func (h *Handler) Speak(c echo.Context) error {
	var req SpeechRequest
	if err := c.Bind(&req); err != nil {
		return shared.BadRequest("invalid_request", "invalid request body")
	}
	if req.Text == "" {
		return shared.BadRequest("empty_text", "text is required")
	}

	format := h.client.Config().Format
	if req.Format != "" {
		requested, err := shared.ParseAudioFormat(req.Format)
		if err != nil {
			return shared.BadRequest("invalid_format", err.Error())
		}
		if format != "" && requested != format {
			return shared.BadRequest("unsupported_format", "connection streams "+format.String())
		}
		format = requested
	}
	if format == "" {
		format = shared.DefaultAudioFormat
	}

	res, err := h.client.Collect(c.Request().Context(), Request{
		Text:      req.Text,
		ContextID: req.ContextID,
		Flush:     req.Flush,
	})
	if err != nil {
		return h.mapError(err)
	}

	cacheStatus := "MISS"
	if res.Cached {
		cacheStatus = "HIT"
	}
	c.Response().Header().Set(headerContextID, res.ContextID)
	c.Response().Header().Set(headerCache, cacheStatus)
	return c.Blob(http.StatusOK, format.ContentType(), res.Audio)
}

func (h *Handler) ListHistory(c echo.Context) error {
	if h.history == nil {
		return shared.ServiceUnavailable("history_disabled", "history is not enabled")
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return shared.BadRequest("invalid_limit", "limit must be a non-negative integer")
		}
		limit = n
	}

	records, err := h.history.ListRecent(c.Request().Context(), limit)
	if err != nil {
		h.logger.Error("failed to list history", "error", err)
		return shared.InternalError("list_failed", "failed to list history")
	}
	if records == nil {
		records = []*history.Record{}
	}
	return c.JSON(http.StatusOK, HistoryResponse{Records: records})
}

func (h *Handler) GetHistory(c echo.Context) error {
	if h.history == nil {
		return shared.ServiceUnavailable("history_disabled", "history is not enabled")
	}

	rec, err := h.history.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return shared.NotFound("record_not_found", "synthesis record not found")
		}
		h.logger.Error("failed to get history record", "error", err)
		return shared.InternalError("get_failed", "failed to get synthesis record")
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Contexts(c echo.Context) error {
	return c.JSON(http.StatusOK, ContextsResponse{
		Connected:      h.client.IsConnected(),
		ActiveContexts: h.client.ActiveContexts(),
		MaxContexts:    h.client.MaxContexts(),
	})
}

func (h *Handler) mapError(err error) error {
	var rerr *RemoteError
	switch {
	case errors.Is(err, ErrEmptyText):
		return shared.BadRequest("empty_text", "text is required")
	case errors.Is(err, multiplex.ErrCapacityExceeded):
		return shared.TooManyRequests("capacity_exceeded", err.Error())
	case errors.Is(err, multiplex.ErrDuplicateContext):
		return shared.Conflict("duplicate_context", err.Error())
	case errors.Is(err, multiplex.ErrNotConnected):
		return shared.ServiceUnavailable("upstream_unavailable", "tts connection is not available")
	case errors.As(err, &rerr):
		return shared.NewAPIError("upstream_error", rerr.Message).
			WithDetails(map[string]string{"code": rerr.Code, "context_id": rerr.ContextID}).
			ToHTTP(http.StatusBadGateway)
	case errors.Is(err, context.DeadlineExceeded):
		return shared.GatewayTimeout("synthesis_timeout", "synthesis timed out")
	case errors.Is(err, context.Canceled), errors.Is(err, ErrCancelled):
		h.logger.Debug("synthesis abandoned by client", "error", err)
		return shared.ClientClosedRequest("client_closed", "request cancelled")
	default:
		h.logger.Error("synthesis failed", "error", err)
		return shared.InternalError("synthesis_failed", "synthesis failed")
	}
}
