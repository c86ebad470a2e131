package cache

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"
)

type memoryEntry struct {
	member   Member
	expireAt time.Time
	stateExp time.Time
}

// memoryPresence keeps the roster in process. It backs single-node setups
// without redis, and tests.
type memoryPresence struct {
	mu    sync.Mutex
	now   func() time.Time
	rooms map[string]map[uint64]*memoryEntry
	docs  map[string]struct{}
}

func NewMemoryPresence() PresenceCache {
	return &memoryPresence{
		now:   time.Now,
		rooms: make(map[string]map[uint64]*memoryEntry),
		docs:  make(map[string]struct{}),
	}
}

func (p *memoryPresence) AddMember(_ context.Context, docID string, m Member, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	room := p.rooms[docID]
	if room == nil {
		room = make(map[uint64]*memoryEntry)
		p.rooms[docID] = room
	}
	e := room[m.ClientID]
	if e == nil {
		e = &memoryEntry{}
		room[m.ClientID] = e
	}
	state := e.member.State
	e.member = m
	e.member.State = state
	e.expireAt = p.now().Add(ttl)
	p.docs[docID] = struct{}{}
	return nil
}

func (p *memoryPresence) RemoveMember(_ context.Context, docID string, clientID uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if room := p.rooms[docID]; room != nil {
		delete(room, clientID)
		if len(room) == 0 {
			delete(p.rooms, docID)
		}
	}
	return nil
}

func (p *memoryPresence) SetState(_ context.Context, docID string, clientID uint64, state []byte, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.rooms[docID][clientID]
	if e == nil {
		// same as redis: a state key without a live member is never read
		return nil
	}
	e.member.State = slices.Clone(state)
	e.stateExp = p.now().Add(ttl)
	return nil
}

func (p *memoryPresence) AliveMembers(_ context.Context, docID string) ([]Member, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	room := p.rooms[docID]
	var out []Member
	for id, e := range room {
		if !e.expireAt.After(now) {
			delete(room, id)
			continue
		}
		m := e.member
		if m.State != nil && !e.stateExp.After(now) {
			m.State = nil
		}
		out = append(out, m)
	}
	sortMembers(out)
	return out, nil
}

func (p *memoryPresence) GetDocuments(context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Sorted(maps.Keys(p.docs)), nil
}

func sortMembers(ms []Member) {
	slices.SortFunc(ms, func(a, b Member) int {
		switch {
		case a.ClientID < b.ClientID:
			return -1
		case a.ClientID > b.ClientID:
			return 1
		}
		return 0
	})
}
