package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/liveroom/liveroom/internal/config"
	"github.com/liveroom/liveroom/pkg/protocol"
)

// ClientTokenMiddleware tags every browser with a stable token cookie.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// SetupRouter builds the gin engine serving both channels: the REST side
// channel under /api and the streaming endpoint under /ws/room.
func SetupRouter(ctx context.Context, cfg *config.Config, hub *Hub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("LiveroomSessions", store))
	r.Use(ClientTokenMiddleware())

	ctl := NewController(hub)

	api := r.Group("/api")
	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, protocol.ListRoomsResponse{Rooms: hub.List()})
	})
	api.POST("/rooms/:room_id", func(c *gin.Context) {
		var req protocol.CreateRoomRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
			return
		}
		if err := hub.CreateRoom(c.Param("room_id"), req.Capacity); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"room_id": c.Param("room_id")})
	})
	api.DELETE("/rooms/:room_id", func(c *gin.Context) {
		if err := hub.DeleteRoom(c.Param("room_id")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})
	api.GET("/rooms/:room_id/storage", func(c *gin.Context) {
		doc, err := hub.Storage(c.Param("room_id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, protocol.StorageResponse{Data: doc})
	})
	api.PATCH("/rooms/:room_id/storage", func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, cfg.ReadLimit))
		if err != nil || !json.Valid(body) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
			return
		}
		if err := hub.SetStorage(c.Param("room_id"), body); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, protocol.StorageResponse{Data: body})
	})

	r.GET("/ws/room/:room_id", func(c *gin.Context) {
		log.Info().Str("module", "server.http").Str("room", c.Param("room_id")).Str("sid", c.GetString("client_token")).Msg("ws endpoint hit")
		ctl.HandleRoomWS(ctx, c)
	})

	return r
}
