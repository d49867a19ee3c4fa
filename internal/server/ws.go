package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/parleyapp/parley/internal/domain"
	"github.com/parleyapp/parley/internal/wire"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller upgrades websocket requests and feeds them to the hubs.
type Controller struct {
	Presence  *PresenceHub
	Rooms     *RoomHub
	ReadLimit int64
}

func userIDFromQuery(c *gin.Context) (domain.UserID, bool) {
	raw := c.Query("userId")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return domain.UserID(id), true
}

// HandlePresence serves one presence connection. The register frame
// carries the user id; everything after that is heartbeat or offline.
func (ctl *Controller) HandlePresence(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Str("module", "server.ws").Err(err).Msg("presence upgrade failed")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	// First frame must register the user.
	var reg wire.Message
	if err := ws.ReadJSON(&reg); err != nil || reg.Type != wire.TypeRegister || reg.UserID <= 0 {
		_ = ws.Close()
		return
	}
	cl := newClient(reg.UserID, ws)
	go cl.writePump()
	ctl.Presence.register(cl)

	defer func() {
		ctl.Presence.drop(cl)
		cl.close()
	}()
	for {
		var msg wire.Message
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case wire.TypeHeartbeat:
			// Keep-alive only; no reply.
		case wire.TypeOffline:
			ctl.Presence.drop(cl)
		default:
			log.Debug().Str("module", "server.ws").Str("type", msg.Type).Msg("unknown presence frame")
		}
	}
}

// HandleSignal serves one signaling connection, identified by the
// userId query parameter.
func (ctl *Controller) HandleSignal(c *gin.Context) {
	userID, ok := userIDFromQuery(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or bad userId"})
		return
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Str("module", "server.ws").Err(err).Msg("signal upgrade failed")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}
	cl := newClient(userID, ws)
	go cl.writePump()

	defer func() {
		ctl.Rooms.leaveAll(cl)
		cl.close()
	}()
	for {
		var msg wire.Message
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case wire.TypeRoomJoin:
			ctl.Rooms.join(msg.RoomID, cl)
		case wire.TypeRoomLeave:
			ctl.Rooms.leave(msg.RoomID, cl)
		case wire.TypeOffer, wire.TypeAnswer, wire.TypeCandidate:
			ctl.Rooms.relay(cl, msg)
		default:
			log.Debug().Str("module", "server.ws").Str("type", msg.Type).Msg("unknown signal frame")
		}
	}
}
