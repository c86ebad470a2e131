package ws

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/cloneot/yjs-playground/backend/internal/cache"
	"github.com/cloneot/yjs-playground/backend/internal/protocol"
)

func drain(c *Conn) []protocol.ServerMessage {
	var out []protocol.ServerMessage
	for {
		select {
		case m := <-c.send:
			out = append(out, m.(protocol.ServerMessage))
		default:
			return out
		}
	}
}

func TestConn_BacklogWaitsForSync(t *testing.T) {
	c := NewConn(nil, nil, "d1", 1, 1, "ann", nil, nil)
	c.Enqueue(protocol.ServerMessage{Type: protocol.TypeUpdate, Revision: 4})
	assert.Equal(t, len(drain(c)), 0)

	c.sendSync(protocol.ServerMessage{Type: protocol.TypeSync, Revision: 3})
	c.Enqueue(protocol.ServerMessage{Type: protocol.TypeUpdate, Revision: 5})

	got := drain(c)
	assert.Equal(t, len(got), 3)
	assert.Equal(t, got[0].Type, protocol.TypeSync)
	assert.Equal(t, got[1].Revision, uint64(4))
	assert.Equal(t, got[2].Revision, uint64(5))

	c.close()
	c.close()
	// no panic on a closed connection
	c.Enqueue(protocol.ServerMessage{Type: protocol.TypeUpdate})
}

func TestHub_JoinLeaveBroadcast(t *testing.T) {
	h := NewHub(cache.NewMemoryPresence(), time.Minute)
	a := NewConn(nil, h, "d1", 1, 1, "ann", nil, nil)
	b := NewConn(nil, h, "d1", 2, 2, "bob", nil, nil)
	a.sendSync(protocol.ServerMessage{Type: protocol.TypeSync})
	b.sendSync(protocol.ServerMessage{Type: protocol.TypeSync})
	drain(a)
	drain(b)

	h.Join("d1", a)
	h.Join("d1", b)
	assert.Equal(t, h.RoomSize("d1"), 2)

	h.Broadcast("d1", a, protocol.ServerMessage{Type: protocol.TypeUpdate})
	assert.Equal(t, len(drain(a)), 0)
	assert.Equal(t, len(drain(b)), 1)

	assert.Equal(t, h.Leave("d1", a), 1)
	assert.Equal(t, h.Leave("d1", b), 0)
	assert.Equal(t, h.Leave("d1", b), 0)
	assert.Equal(t, h.RoomSize("d1"), 0)
}

func TestHub_BroadcastRosterCarriesState(t *testing.T) {
	ctx := context.Background()
	p := cache.NewMemoryPresence()
	h := NewHub(p, time.Minute)
	a := NewConn(nil, h, "d1", 1, 1, "ann", nil, nil)
	a.sendSync(protocol.ServerMessage{Type: protocol.TypeSync})
	drain(a)
	h.Join("d1", a)

	_ = p.AddMember(ctx, "d1", cache.Member{ClientID: 1, UserID: 1, Username: "ann"}, time.Minute)
	_ = p.AddMember(ctx, "d1", cache.Member{ClientID: 2, UserID: 2, Username: "bob"}, time.Minute)
	_ = p.SetState(ctx, "d1", 2, []byte(`{"user":"bob","cursor":{"anchor":1,"head":3}}`), time.Minute)

	h.BroadcastRoster(ctx, "d1")
	got := drain(a)
	assert.Equal(t, len(got), 1)
	assert.Equal(t, got[0].Type, protocol.TypeRoster)
	assert.Equal(t, len(got[0].Members), 2)
	assert.Equal(t, got[0].Members[0].State == nil, true)
	assert.Equal(t, *got[0].Members[1].State.Cursor, protocol.Cursor{Anchor: 1, Head: 3})
}
