package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/chatgate/internal/auth"
	"github.com/memohai/chatgate/internal/pairing"
)

type PairingHandler struct {
	logger *slog.Logger
	store  pairing.Store
}

func NewPairingHandler(log *slog.Logger, store pairing.Store) *PairingHandler {
	return &PairingHandler{
		logger: log.With(slog.String("handler", "pairing")),
		store:  store,
	}
}

func (h *PairingHandler) Register(e *echo.Echo) {
	group := e.Group("/pairing")
	group.GET("/:channel", h.List)
	group.POST("/:channel/approve", h.Approve)
}

// List returns the pending pairing requests of a channel type.
func (h *PairingHandler) List(c echo.Context) error {
	channelType := strings.ToLower(strings.TrimSpace(c.Param("channel")))
	items, err := h.store.List(c.Request().Context(), channelType)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []pairing.Request{}
	}
	return c.JSON(http.StatusOK, items)
}

type ApproveRequest struct {
	Code string `json:"code"`
}

// Approve adds the sender behind code to the channel's allow-from list.
func (h *PairingHandler) Approve(c echo.Context) error {
	channelType := strings.ToLower(strings.TrimSpace(c.Param("channel")))
	var req ApproveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code is required")
	}
	approved, err := h.store.Approve(c.Request().Context(), channelType, code)
	if err != nil {
		if errors.Is(err, pairing.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	operator, _ := auth.SubjectFromContext(c)
	h.logger.Info("pairing approved",
		slog.String("channel", channelType),
		slog.String("sender_id", approved.SenderID),
		slog.String("operator", operator),
	)
	return c.JSON(http.StatusOK, approved)
}
