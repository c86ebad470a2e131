// Package ws is the relay's websocket side: one Conn per client, grouped
// into rooms by a Hub that fans updates and presence out to every member.
package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/cloneot/yjs-playground/backend/internal/cache"
	"github.com/cloneot/yjs-playground/backend/internal/protocol"
)

type Hub struct {
	presence cache.PresenceCache
	ttl      time.Duration

	mu sync.RWMutex
	// docID -> connections; one user may hold several (tabs, devices)
	rooms map[string]map[*Conn]struct{}
	order map[string]*sync.Mutex
}

func NewHub(p cache.PresenceCache, ttl time.Duration) *Hub {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Hub{
		presence: p,
		ttl:      ttl,
		rooms:    make(map[string]map[*Conn]struct{}),
		order:    make(map[string]*sync.Mutex),
	}
}

func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

// Leave removes c and returns how many connections remain in the room.
func (h *Hub) Leave(docID string, c *Conn) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.rooms[docID]
	if !ok {
		return 0
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.rooms, docID)
		delete(h.order, docID)
	}
	return len(conns)
}

func (h *Hub) RoomSize(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[docID])
}

func (h *Hub) members(docID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.rooms[docID]))
	for c := range h.rooms[docID] {
		out = append(out, c)
	}
	return out
}

// Ordered runs fn while no other update of the room is applied or fanned
// out. Updates applied and broadcast inside it reach every member in the
// order the room applied them.
func (h *Hub) Ordered(docID string, fn func()) {
	h.mu.Lock()
	l := h.order[docID]
	if l == nil {
		l = new(sync.Mutex)
		h.order[docID] = l
	}
	h.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	fn()
}

// Broadcast sends msg to every connection of the room except one.
func (h *Hub) Broadcast(docID string, except *Conn, msg OutboundMessage) {
	for _, c := range h.members(docID) {
		if c != except {
			c.Enqueue(msg)
		}
	}
}

// BroadcastRoster sends the live members of the room, with their presence
// state, to everyone in it.
func (h *Hub) BroadcastRoster(ctx context.Context, docID string) {
	alive, err := h.presence.AliveMembers(ctx, docID)
	if err != nil {
		glog.Errorf("[ws] room %s: load roster: %v", docID, err)
		return
	}
	members := make([]protocol.Member, 0, len(alive))
	for _, m := range alive {
		pm := protocol.Member{ClientID: m.ClientID, UserID: m.UserID, Username: m.Username}
		if len(m.State) > 0 {
			var st protocol.State
			if err := json.Unmarshal(m.State, &st); err != nil {
				glog.V(1).Infof("[ws] room %s: bad state of client %d: %v", docID, m.ClientID, err)
			} else {
				pm.State = &st
			}
		}
		members = append(members, pm)
	}
	h.Broadcast(docID, nil, protocol.ServerMessage{Type: protocol.TypeRoster, DocID: docID, Members: members})
}
