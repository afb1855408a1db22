package httpapi

import (
	"net/http"
	"time"

	"family-calls/internal/callstore"
	"family-calls/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	// Devices are native clients; tokens, not origins, gate access.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WatchCall streams changes to one record the caller is a party to.
func (h *Handlers) WatchCall(c *gin.Context) {
	p, ok := caller(c)
	if !ok {
		return
	}
	rec, ok := h.partyRecord(c, p)
	if !ok {
		return
	}
	h.stream(c, callstore.ByCall(rec.ID))
}

// WatchColumn streams changes to every record naming the caller in its own
// participant column. Query column/value, when given, must agree with the token.
func (h *Handlers) WatchColumn(c *gin.Context) {
	p, ok := caller(c)
	if !ok {
		return
	}
	f := callstore.ByColumn(callstore.ColumnFor(p.role), p.id)
	if col := c.Query("column"); col != "" && (callstore.Column(col) != f.Column || c.Query("value") != f.Value) {
		abort(c, http.StatusForbidden, callstore.CodeForbidden, "may only watch your own column")
		return
	}
	h.stream(c, f)
}

// stream subscribes before upgrading so a subscribe failure is still a plain
// HTTP error, then pumps changes as JSON text frames until either side leaves.
func (h *Handlers) stream(c *gin.Context, f callstore.Filter) {
	log := logger.FromGin(c)
	ctx := c.Request.Context()

	sub, err := h.Store.Subscribe(ctx, f)
	if err != nil {
		fail(c, err)
		return
	}
	defer sub.Close()

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	log.Debug("watch opened", "call_id", f.CallID, "column", f.Column)

	// Reader: handles pong/close frames; the client sends nothing else.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			log.Debug("watch closed by client", "call_id", f.CallID, "column", f.Column)
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case ch, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"), time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ch); err != nil {
				log.Debug("watch write failed", "err", err)
				return
			}
		}
	}
}
