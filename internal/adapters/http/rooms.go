package http

import (
	"errors"
	nethttp "net/http"
	"time"

	"github.com/dkeye/Mesh/internal/app/mailbox"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type CreateRoomRequest struct {
	Title string `json:"title" binding:"required,max=200"`
}

type RoomResponse struct {
	ID        domain.RoomID   `json:"id"`
	Title     string          `json:"title"`
	OwnerID   domain.MemberID `json:"ownerId"`
	CreatedAt time.Time       `json:"createdAt"`
	Members   int             `json:"members"`
}

// RoomHandler is the scheduling side: it creates the room record the
// meeting core later only reads.
type RoomHandler struct {
	Store core.DocumentStore
	Now   func() time.Time
}

func (h *RoomHandler) Create(c *gin.Context) {
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(nethttp.StatusBadRequest, gin.H{"error": "missing or invalid title"})
		return
	}
	who := currentIdentity(c)
	rec := domain.RoomRecord{Title: req.Title, OwnerID: who.ID, CreatedAt: h.Now().UnixMilli()}
	id, err := mailbox.CreateRoom(c.Request.Context(), h.Store, rec)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("create room")
		c.JSON(nethttp.StatusServiceUnavailable, gin.H{"error": "could not create room"})
		return
	}
	log.Info().Str("module", "adapters.http").Str("room", string(id)).Str("owner", string(who.ID)).Msg("room created")
	c.JSON(nethttp.StatusCreated, RoomResponse{
		ID:        id,
		Title:     rec.Title,
		OwnerID:   rec.OwnerID,
		CreatedAt: time.UnixMilli(rec.CreatedAt),
	})
}

func (h *RoomHandler) Get(c *gin.Context) {
	mb := mailbox.New(h.Store, domain.RoomID(c.Param("id")))
	room, err := mb.LoadRoom(c.Request.Context())
	if errors.Is(err, domain.ErrRoomNotFound) {
		c.JSON(nethttp.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	if err != nil {
		c.JSON(nethttp.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	members, err := mb.ListMembers(c.Request.Context())
	if err != nil {
		c.JSON(nethttp.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(nethttp.StatusOK, RoomResponse{
		ID:        room.ID,
		Title:     room.Title,
		OwnerID:   room.OwnerID,
		CreatedAt: room.CreatedAt,
		Members:   len(members),
	})
}
