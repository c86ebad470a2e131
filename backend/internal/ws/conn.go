package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/cloneot/yjs-playground/backend/internal/cache"
	"github.com/cloneot/yjs-playground/backend/internal/collab"
	"github.com/cloneot/yjs-playground/backend/internal/protocol"
)

const (
	sendQueueSize = 256
	writeWait     = 10 * time.Second
	submitTimeout = 200 * time.Millisecond
)

// OutboundMessage is anything the write loop can put on the wire.
type OutboundMessage interface {
	MessageType() string
}

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	docID    string
	clientID uint64
	userID   uint64
	username string

	svc collab.Service
	sem *collab.SemaphoreControl

	mu      sync.Mutex
	send    chan OutboundMessage
	closed  bool
	synced  bool
	backlog []OutboundMessage
}

func NewConn(ws *websocket.Conn, hub *Hub, docID string, clientID, userID uint64, username string, svc collab.Service, sem *collab.SemaphoreControl) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		docID:    docID,
		clientID: clientID,
		userID:   userID,
		username: username,
		svc:      svc,
		sem:      sem,
		send:     make(chan OutboundMessage, sendQueueSize),
	}
}

// Enqueue queues msg for the write loop. Until the sync frame is out,
// messages wait in a backlog so the client never sees room traffic before
// the state it applies to. A client too slow to keep its queue below the
// limit is disconnected.
func (c *Conn) Enqueue(msg OutboundMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if !c.synced {
		c.backlog = append(c.backlog, msg)
		return
	}
	c.pushLocked(msg)
}

func (c *Conn) pushLocked(msg OutboundMessage) {
	select {
	case c.send <- msg:
	default:
		glog.Warningf("[ws] room %s: client %d too slow, dropping connection", c.docID, c.clientID)
		c.closeLocked()
		_ = c.ws.Close()
	}
}

// sendSync queues the sync frame ahead of everything that arrived before it.
func (c *Conn) sendSync(msg OutboundMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.synced {
		return
	}
	c.synced = true
	c.pushLocked(msg)
	for _, m := range c.backlog {
		if c.closed {
			break
		}
		c.pushLocked(m)
	}
	c.backlog = nil
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	c.backlog = nil
	close(c.send)
}

func (c *Conn) member() cache.Member {
	return cache.Member{ClientID: c.clientID, UserID: c.userID, Username: c.username}
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		var msg protocol.ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.Warningf("[ws] read (user=%d, client=%d, doc=%s): %v", c.userID, c.clientID, c.docID, err)
			}
			return
		}
		switch msg.Type {
		case protocol.TypeHeartbeat:
			if err := c.hub.presence.AddMember(ctx, c.docID, c.member(), c.hub.ttl); err != nil {
				glog.Errorf("[ws] refresh presence: %v", err)
			}
			c.Enqueue(protocol.ServerMessage{Type: protocol.TypeFeedback, Content: "heartbeat received"})

		case protocol.TypeUpdate:
			c.handleUpdate(ctx, msg)

		case protocol.TypeAwareness:
			c.handleAwareness(ctx, msg)

		case protocol.TypeSave:
			rev, err := c.svc.SaveSnapshot(ctx, c.docID)
			if err != nil {
				glog.Errorf("[ws] save room %s: %v", c.docID, err)
				c.Enqueue(protocol.ServerMessage{Type: protocol.TypeError, DocID: c.docID, Content: "SAVE_FAILED"})
				continue
			}
			c.Enqueue(protocol.ServerMessage{Type: protocol.TypeSaved, DocID: c.docID, Revision: rev})

		default:
			c.Enqueue(protocol.ServerMessage{Type: protocol.TypeError, Content: fmt.Sprintf("unknown message type %q", msg.Type)})
		}
	}
}

func (c *Conn) handleUpdate(ctx context.Context, msg protocol.ClientMessage) {
	sctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	if err := c.sem.Acquire(sctx); err != nil {
		c.Enqueue(protocol.ServerMessage{Type: protocol.TypeError, Content: err.Error()})
		return
	}
	defer c.sem.Release()

	c.hub.Ordered(c.docID, func() {
		applied, err := c.svc.Submit(sctx, c.docID, c.userID, msg.Update)
		if errors.Is(err, collab.ErrDuplicateUpdate) {
			glog.V(1).Infof("[ws] room %s: duplicate update from client %d", c.docID, c.clientID)
			return
		}
		if err != nil {
			glog.Errorf("[ws] room %s: submit from client %d: %v", c.docID, c.clientID, err)
			c.Enqueue(protocol.ServerMessage{Type: protocol.TypeError, Content: err.Error()})
		}
		// the sender learns where its update landed among everyone else's
		for _, a := range applied {
			c.hub.Broadcast(c.docID, c, protocol.ServerMessage{
				Type:     protocol.TypeUpdate,
				DocID:    c.docID,
				Revision: a.Revision,
				Update:   a.Raw,
				AuthorID: a.AuthorID,
			})
			c.Enqueue(protocol.ServerMessage{
				Type:     protocol.TypeAck,
				DocID:    c.docID,
				Revision: a.Revision,
				ClientID: a.Update.ClientID,
				Clock:    a.Update.Clock,
			})
		}
	})
}

func (c *Conn) handleAwareness(ctx context.Context, msg protocol.ClientMessage) {
	if msg.State == nil {
		return
	}
	raw, err := json.Marshal(msg.State)
	if err != nil {
		return
	}
	if err := c.hub.presence.SetState(ctx, c.docID, c.clientID, raw, c.hub.ttl); err != nil {
		glog.Errorf("[ws] room %s: store state of client %d: %v", c.docID, c.clientID, err)
		return
	}
	c.hub.BroadcastRoster(ctx, c.docID)
}

func (c *Conn) writeLoop() {
	for msg := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteJSON(msg); err != nil {
			glog.V(1).Infof("[ws] write %s to client %d: %v", msg.MessageType(), c.clientID, err)
			// unblocks the read loop, which then tears the connection down
			_ = c.ws.Close()
		}
	}
}
