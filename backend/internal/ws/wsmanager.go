package ws

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/cloneot/yjs-playground/backend/internal/collab"
	"github.com/cloneot/yjs-playground/backend/internal/protocol"
	"github.com/cloneot/yjs-playground/backend/internal/ydoc"
)

var allowedOriginPrefixes = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// native clients send no Origin, some browsers send "null"
	if origin == "" || origin == "null" {
		return true
	}
	for _, p := range allowedOriginPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	h   *Hub
	svc collab.Service
	sem *collab.SemaphoreControl
}

func NewManager(h *Hub, svc collab.Service, sem *collab.SemaphoreControl) *Manager {
	return &Manager{h: h, svc: svc, sem: sem}
}

// WebSocketConnect serves GET /collab/ws?doc=<room>&client=<id>. The user
// comes from the auth middleware.
func (m *Manager) WebSocketConnect(c *gin.Context) {
	docID := c.DefaultQuery("doc", protocol.DefaultRoom)
	clientID, err := strconv.ParseUint(c.Query("client"), 10, 64)
	if err != nil || clientID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "missing or invalid client id"})
		return
	}
	userID := c.GetUint64("userId")
	username := c.GetString("username")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		glog.Warningf("[ws] upgrade: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	wc := NewConn(conn, m.h, docID, clientID, userID, username, m.svc, m.sem)
	go wc.writeLoop()
	defer wc.close()

	// join before taking the snapshot so no update falls in between
	m.h.Join(docID, wc)
	defer m.leave(wc)

	snap, rev, err := m.svc.Snapshot(ctx, docID)
	if err != nil {
		glog.Errorf("[ws] room %s: %v", docID, err)
		wc.sendSync(protocol.ServerMessage{Type: protocol.TypeError, DocID: docID, Content: "LOAD_FAILED"})
		return
	}
	raw, err := ydoc.EncodeSnapshot(snap)
	if err != nil {
		glog.Errorf("[ws] room %s: encode snapshot: %v", docID, err)
		return
	}
	wc.sendSync(protocol.ServerMessage{Type: protocol.TypeSync, DocID: docID, Revision: rev, Snapshot: raw})
	glog.Infof("[ws] room %s: client %d (user %d %s) joined at revision %d", docID, clientID, userID, username, rev)

	if err := m.h.presence.AddMember(ctx, docID, wc.member(), m.h.ttl); err != nil {
		glog.Errorf("[ws] room %s: add member: %v", docID, err)
	}
	m.h.BroadcastRoster(ctx, docID)

	wc.readLoop(ctx)
}

func (m *Manager) leave(wc *Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	remaining := m.h.Leave(wc.docID, wc)
	if err := m.h.presence.RemoveMember(ctx, wc.docID, wc.clientID); err != nil {
		glog.Errorf("[ws] room %s: remove member: %v", wc.docID, err)
	}
	glog.Infof("[ws] room %s: client %d left, %d remaining", wc.docID, wc.clientID, remaining)
	if remaining > 0 {
		m.h.BroadcastRoster(ctx, wc.docID)
		return
	}
	if err := m.svc.Release(ctx, wc.docID); err != nil {
		glog.Errorf("[ws] room %s: release: %v", wc.docID, err)
	}
}
