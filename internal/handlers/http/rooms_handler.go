package http

import (
	"net/http"
	"sort"

	"liveclass/internal/core/domain"
	"liveclass/internal/core/services"

	"github.com/gin-gonic/gin"
)

// RoomsHandler exposes read-only projections of the live rooms.
type RoomsHandler struct {
	registry *services.RoomRegistry
}

func NewRoomsHandler(registry *services.RoomRegistry) *RoomsHandler {
	return &RoomsHandler{registry: registry}
}

func (h *RoomsHandler) SetupRoutes(api *gin.RouterGroup) {
	api.GET("/rooms", h.ListRooms)
	api.GET("/rooms/:id/peers", h.ListPeers)
}

func (h *RoomsHandler) ListRooms(c *gin.Context) {
	rooms := h.registry.ListRooms()
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})

	c.JSON(http.StatusOK, gin.H{
		"rooms": rooms,
		"count": len(rooms),
	})
}

func (h *RoomsHandler) ListPeers(c *gin.Context) {
	room, err := h.registry.GetRoom(domain.RoomID(c.Param("id")))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"roomId": room.ID(),
		"peers":  room.PeerList(),
	})
}
