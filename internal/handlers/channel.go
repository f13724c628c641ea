package handlers

import (
	"context"
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"

	"github.com/memohai/chatgate/internal/channel"
)

// ChannelRuntime exposes connection state of the channel manager.
type ChannelRuntime interface {
	ConnectionStatuses() []channel.ConnectionStatus
	Refresh(ctx context.Context)
}

type ChannelHandler struct {
	registry *channel.Registry
	runtime  ChannelRuntime
}

func NewChannelHandler(registry *channel.Registry, runtime ChannelRuntime) *ChannelHandler {
	return &ChannelHandler{registry: registry, runtime: runtime}
}

func (h *ChannelHandler) Register(e *echo.Echo) {
	group := e.Group("/channels")
	group.GET("", h.ListChannels)
	group.GET("/status", h.ListStatuses)
	group.POST("/refresh", h.Refresh)
	group.GET("/:platform", h.GetChannel)
}

type ChannelMeta struct {
	Type           string                      `json:"type"`
	DisplayName    string                      `json:"display_name"`
	Capabilities   channel.ChannelCapabilities `json:"capabilities"`
	TextChunkLimit int                         `json:"text_chunk_limit"`
	ChunkerMode    channel.ChunkerMode         `json:"chunker_mode"`
}

func metaOf(desc channel.Descriptor) ChannelMeta {
	return ChannelMeta{
		Type:           desc.Type.String(),
		DisplayName:    desc.DisplayName,
		Capabilities:   desc.Capabilities,
		TextChunkLimit: desc.OutboundPolicy.TextChunkLimit,
		ChunkerMode:    desc.OutboundPolicy.ChunkerMode,
	}
}

// ListChannels lists the registered channel types and their capabilities.
func (h *ChannelHandler) ListChannels(c echo.Context) error {
	types := h.registry.Types()
	items := make([]ChannelMeta, 0, len(types))
	for _, ct := range types {
		if desc, ok := h.registry.GetDescriptor(ct); ok {
			items = append(items, metaOf(desc))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Type < items[j].Type
	})
	return c.JSON(http.StatusOK, items)
}

func (h *ChannelHandler) GetChannel(c echo.Context) error {
	channelType, err := h.registry.ParseChannelType(c.Param("platform"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	desc, ok := h.registry.GetDescriptor(channelType)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "channel not found")
	}
	return c.JSON(http.StatusOK, metaOf(desc))
}

// ListStatuses returns the connection status of every configured account.
func (h *ChannelHandler) ListStatuses(c echo.Context) error {
	if h.runtime == nil {
		return c.JSON(http.StatusOK, []channel.ConnectionStatus{})
	}
	items := h.runtime.ConnectionStatuses()
	sort.Slice(items, func(i, j int) bool {
		return items[i].ConfigID < items[j].ConfigID
	})
	return c.JSON(http.StatusOK, items)
}

// Refresh reconciles connections against the configured accounts.
func (h *ChannelHandler) Refresh(c echo.Context) error {
	if h.runtime == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "channel manager not available")
	}
	h.runtime.Refresh(c.Request().Context())
	return c.NoContent(http.StatusAccepted)
}
