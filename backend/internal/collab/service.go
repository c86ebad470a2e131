// Package collab owns the relay's authoritative copy of every open room:
// it applies submitted updates in order, numbers them with a room revision
// and saves snapshots.
package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	"github.com/cloneot/yjs-playground/backend/internal/ydoc"
)

type Service interface {
	// Snapshot loads the room if needed and returns its state and revision.
	Snapshot(ctx context.Context, docID string) (ydoc.Snapshot, uint64, error)

	Submit(ctx context.Context, docID string, authorID uint64, raw []byte) ([]AppliedUpdate, error)

	CurrentRevision(ctx context.Context, docID string) (uint64, error)

	UpdatesSince(ctx context.Context, docID string, fromRevision uint64, limit int) ([]AppliedUpdate, error)

	// SaveSnapshot persists the room and returns the saved revision.
	SaveSnapshot(ctx context.Context, docID string) (uint64, error)

	// Release saves the room and drops it from memory. Without a snapshot
	// store the room stays.
	Release(ctx context.Context, docID string) error

	Preview(ctx context.Context, docID string) (Preview, error)
}

type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, docID string, rev uint64, snap ydoc.Snapshot) error
	LatestSnapshot(ctx context.Context, docID string) (ydoc.Snapshot, uint64, bool, error)
}

// EventSink receives every applied update. *KafkaDispatcher satisfies it.
type EventSink interface {
	Enqueue(ctx context.Context, evt DocUpdateEvent) error
}

type AppliedUpdate struct {
	OperationID string
	Revision    uint64
	AuthorID    uint64
	Update      ydoc.Update
	Raw         []byte
	AppliedAt   time.Time
}

var (
	ErrDuplicateUpdate     = errors.New("DUPLICATE_UPDATE")
	ErrDocumentNotFound    = errors.New("document not found")
	ErrStoreNotInitialized = errors.New("snapshot store not initialized")
)

type docState struct {
	mu       sync.Mutex
	doc      *ydoc.Doc
	revision uint64
	saved    uint64 // revision of the last stored snapshot
	ring     []AppliedUpdate
	released bool
}

type InMemoryService struct {
	mu      sync.RWMutex
	docs    map[string]*docState
	ringCap int
	sf      singleflight.Group

	store          SnapshotStore
	events         EventSink
	enqueueTimeout time.Duration
}

type Option func(*InMemoryService)

func WithSnapshotStore(s SnapshotStore) Option {
	return func(svc *InMemoryService) { svc.store = s }
}

func WithEventSink(e EventSink) Option {
	return func(svc *InMemoryService) { svc.events = e }
}

// WithRingCapacity sets how many recent updates each room keeps for UpdatesSince.
func WithRingCapacity(n int) Option {
	return func(svc *InMemoryService) { svc.ringCap = n }
}

func NewInMemoryService(opts ...Option) *InMemoryService {
	s := &InMemoryService{
		docs:           make(map[string]*docState),
		ringCap:        1024,
		enqueueTimeout: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ringCap <= 0 {
		s.ringCap = 1024
	}
	return s
}

// lockDoc returns the room locked, loading it from the store at most once
// per room no matter how many connections ask for it at the same time.
func (s *InMemoryService) lockDoc(ctx context.Context, docID string) (*docState, error) {
	for {
		s.mu.RLock()
		ds := s.docs[docID]
		s.mu.RUnlock()
		if ds == nil {
			v, err, _ := s.sf.Do(docID, func() (any, error) { return s.loadDoc(ctx, docID) })
			if err != nil {
				return nil, err
			}
			ds = v.(*docState)
		}
		ds.mu.Lock()
		if !ds.released {
			return ds, nil
		}
		// released between lookup and lock, load it again
		ds.mu.Unlock()
	}
}

func (s *InMemoryService) loadDoc(ctx context.Context, docID string) (*docState, error) {
	s.mu.RLock()
	ds := s.docs[docID]
	s.mu.RUnlock()
	if ds != nil {
		return ds, nil
	}

	ds = &docState{doc: ydoc.New(), ring: make([]AppliedUpdate, 0, s.ringCap)}
	if s.store != nil {
		snap, rev, ok, err := s.store.LatestSnapshot(ctx, docID)
		if err != nil {
			return nil, fmt.Errorf("load room %s: %w", docID, err)
		}
		if ok {
			ds.doc.LoadSnapshot(snap, s)
			ds.revision, ds.saved = rev, rev
			glog.Infof("[collab] room %s loaded at revision %d", docID, rev)
		}
	}

	s.mu.Lock()
	s.docs[docID] = ds
	s.mu.Unlock()
	return ds, nil
}

func (s *InMemoryService) Snapshot(ctx context.Context, docID string) (ydoc.Snapshot, uint64, error) {
	ds, err := s.lockDoc(ctx, docID)
	if err != nil {
		return ydoc.Snapshot{}, 0, err
	}
	defer ds.mu.Unlock()
	return ds.doc.Snapshot(), ds.revision, nil
}

// Submit applies one encoded update and returns, in the order the room
// applied them, the updates that took effect: the submitted one and any held
// updates of the same client it unblocked. Each gets the next revision.
// Updates the room has already applied return ErrDuplicateUpdate; updates
// ahead of their client's clock are held and return nothing.
func (s *InMemoryService) Submit(ctx context.Context, docID string, authorID uint64, raw []byte) ([]AppliedUpdate, error) {
	u, err := ydoc.DecodeUpdate(raw)
	if err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}
	ds, err := s.lockDoc(ctx, docID)
	if err != nil {
		return nil, err
	}
	defer ds.mu.Unlock()

	if next := ds.doc.StateVector()[u.ClientID]; u.Clock < next {
		return nil, ErrDuplicateUpdate
	}
	sequenced := ds.doc.ApplyUpdate(u, s)
	if len(sequenced) == 0 {
		glog.V(1).Infof("[collab] room %s: holding client %d clock %d", docID, u.ClientID, u.Clock)
	}
	out := make([]AppliedUpdate, 0, len(sequenced))
	for _, su := range sequenced {
		r := raw
		if su.Clock != u.Clock {
			if r, err = ydoc.EncodeUpdate(su); err != nil {
				return out, fmt.Errorf("encode update: %w", err)
			}
		}
		out = append(out, s.recordLocked(ctx, docID, ds, authorID, su, r))
	}
	return out, nil
}

// recordLocked numbers an applied update, keeps it in the ring and hands it
// to the event sink.
func (s *InMemoryService) recordLocked(ctx context.Context, docID string, ds *docState, authorID uint64, u ydoc.Update, raw []byte) AppliedUpdate {
	ds.revision++
	applied := AppliedUpdate{
		OperationID: ulid.Make().String(),
		Revision:    ds.revision,
		AuthorID:    authorID,
		Update:      u,
		Raw:         raw,
		AppliedAt:   time.Now(),
	}
	// keep the ring bounded, oldest out first
	if len(ds.ring) == s.ringCap {
		copy(ds.ring, ds.ring[1:])
		ds.ring = ds.ring[:len(ds.ring)-1]
	}
	ds.ring = append(ds.ring, applied)

	if s.events != nil {
		evt := DocUpdateEvent{
			EventType:   EventUpdateApplied,
			DocID:       docID,
			OperationID: applied.OperationID,
			Revision:    applied.Revision,
			AuthorID:    authorID,
			ClientID:    u.ClientID,
			Clock:       u.Clock,
			Update:      raw,
			AppliedAt:   applied.AppliedAt,
		}
		ectx, cancel := context.WithTimeout(ctx, s.enqueueTimeout)
		if err := s.events.Enqueue(ectx, evt); err != nil {
			glog.Warningf("[collab] room %s: event for revision %d dropped: %v", docID, applied.Revision, err)
		}
		cancel()
	}
	return applied
}

func (s *InMemoryService) CurrentRevision(ctx context.Context, docID string) (uint64, error) {
	s.mu.RLock()
	ds := s.docs[docID]
	s.mu.RUnlock()
	if ds == nil {
		return 0, nil
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.revision, nil
}

// UpdatesSince returns the kept updates after fromRevision, oldest first.
func (s *InMemoryService) UpdatesSince(ctx context.Context, docID string, fromRevision uint64, limit int) ([]AppliedUpdate, error) {
	s.mu.RLock()
	ds := s.docs[docID]
	s.mu.RUnlock()
	if ds == nil {
		return nil, nil
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()

	var out []AppliedUpdate
	for _, a := range ds.ring {
		if a.Revision > fromRevision {
			out = append(out, a)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *InMemoryService) SaveSnapshot(ctx context.Context, docID string) (uint64, error) {
	if s.store == nil {
		return 0, ErrStoreNotInitialized
	}
	s.mu.RLock()
	ds := s.docs[docID]
	s.mu.RUnlock()
	if ds == nil {
		return 0, ErrDocumentNotFound
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.released {
		return ds.saved, nil
	}
	return s.saveLocked(ctx, docID, ds)
}

func (s *InMemoryService) saveLocked(ctx context.Context, docID string, ds *docState) (uint64, error) {
	if ds.revision == ds.saved {
		return ds.saved, nil
	}
	rev := ds.revision
	if err := s.store.SaveSnapshot(ctx, docID, rev, ds.doc.Snapshot()); err != nil {
		return 0, fmt.Errorf("save room %s@%d: %w", docID, rev, err)
	}
	ds.saved = rev
	glog.Infof("[collab] room %s saved at revision %d", docID, rev)
	return rev, nil
}

func (s *InMemoryService) Release(ctx context.Context, docID string) error {
	if s.store == nil {
		// nowhere to reload it from
		return nil
	}
	s.mu.RLock()
	ds := s.docs[docID]
	s.mu.RUnlock()
	if ds == nil {
		return nil
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.released {
		return nil
	}
	// keep the room in memory if it could not be saved
	if _, err := s.saveLocked(ctx, docID, ds); err != nil {
		return err
	}
	ds.released = true
	ds.doc.Close()
	s.mu.Lock()
	if s.docs[docID] == ds {
		delete(s.docs, docID)
	}
	s.mu.Unlock()
	glog.V(1).Infof("[collab] room %s released", docID)
	return nil
}

// Preview renders the room from memory, or from the store when it is not open.
func (s *InMemoryService) Preview(ctx context.Context, docID string) (Preview, error) {
	s.mu.RLock()
	ds := s.docs[docID]
	s.mu.RUnlock()
	if ds != nil {
		ds.mu.Lock()
		if !ds.released {
			snap, rev := ds.doc.Snapshot(), ds.revision
			ds.mu.Unlock()
			return PreviewOf(docID, rev, snap), nil
		}
		ds.mu.Unlock()
	}
	if s.store == nil {
		return Preview{}, ErrDocumentNotFound
	}
	snap, rev, ok, err := s.store.LatestSnapshot(ctx, docID)
	if err != nil {
		return Preview{}, err
	}
	if !ok {
		return Preview{}, ErrDocumentNotFound
	}
	return PreviewOf(docID, rev, snap), nil
}
