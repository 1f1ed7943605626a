package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/consult-signaling/internal/middleware"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/signaling"
)

// Rooms serves read-only views of live signaling state.
type Rooms struct {
	gateway *signaling.Gateway
}

func NewRooms(gw *signaling.Gateway) *Rooms {
	return &Rooms{gateway: gw}
}

// GetRoom reports who is in a live room. Only members and admins may look.
func (h *Rooms) GetRoom(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	occ, ok := h.gateway.RoomOccupancy(c.Param("roomId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	if identity.Role != models.RoleAdmin && !hasUser(occ.Members, identity.UserID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a member of this room"})
		return
	}

	c.JSON(http.StatusOK, occ)
}

// GetPresence reports whether a user currently has a live connection.
func (h *Rooms) GetPresence(c *gin.Context) {
	userID := c.Param("userId")
	status := models.PresenceOffline
	if h.gateway.IsOnline(userID) {
		status = models.PresenceOnline
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "status": status})
}

func hasUser(members []models.Member, userID string) bool {
	for _, m := range members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}
