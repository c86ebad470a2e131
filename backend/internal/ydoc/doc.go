// Package ydoc is an in-memory shared document: named texts, maps and rich
// fragments whose local transactions are published as clocked updates and
// whose remote updates are applied in per-client clock order.
//
// The engine sequences updates; it does not merge concurrent edits the way a
// CRDT would. Positions in updates are applied as received (clamped to the
// current content). Peers converge by applying every update in one order,
// the relay's: ApplyOrdered and Ack keep a client's own unacknowledged
// updates after every update the relay ordered before them.
package ydoc

import (
	"encoding/binary"
	"maps"
	"reflect"
	"slices"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/cloneot/yjs-playground/backend/internal/event"
	"github.com/cloneot/yjs-playground/backend/internal/ot/delta"
	"github.com/cloneot/yjs-playground/backend/internal/ot/diff"
)

// UpdateEvent is emitted after every committed transaction. Update is nil
// when the transaction came from LoadSnapshot or Rebase. For ApplyOrdered it
// is the remote update that started the transaction.
type UpdateEvent struct {
	Update *Update
	Origin any
	Local  bool

	inverse []Change
	steps   []step
}

// step is one change as a transaction applied it. Steps that roll back or
// replay an own unacknowledged update carry its clock; a marker step only
// announces a rollback and changes nothing.
type step struct {
	change   Change
	inverse  Change
	own      bool
	rollback bool
	marker   bool
	clock    uint64
}

// ownTxn is an own update the relay has not acknowledged, with the changes
// that take it back out of the current state.
type ownTxn struct {
	update  Update
	inverse []Change
}

type Doc struct {
	clientID uint64

	mu        sync.Mutex
	clock     uint64            // next local clock
	sv        map[uint64]uint64 // next expected clock per client
	pending   map[uint64]map[uint64]Update
	localLog  []Update
	acked     uint64   // own clocks below this are ordered by the relay
	unacked   []ownTxn // own updates from acked on, oldest first
	texts     map[string]*Text
	maps      map[string]*Map
	fragments map[string]*Fragment
	closed    bool

	queue    []func()
	draining bool
	queued   uint64 // callbacks ever queued
	ran      uint64 // callbacks ever run
	ranCond  *sync.Cond

	updates event.Emitter[UpdateEvent]
}

type Option func(*Doc)

// WithClientID pins the client id, e.g. to resume a persisted session.
func WithClientID(id uint64) Option {
	return func(d *Doc) { d.clientID = id }
}

func New(opts ...Option) *Doc {
	d := &Doc{
		sv:        make(map[uint64]uint64),
		pending:   make(map[uint64]map[uint64]Update),
		texts:     make(map[string]*Text),
		maps:      make(map[string]*Map),
		fragments: make(map[string]*Fragment),
	}
	d.ranCond = sync.NewCond(&d.mu)
	for _, opt := range opts {
		opt(d)
	}
	if d.clientID == 0 {
		d.clientID = NewClientID()
	}
	return d
}

// NewClientID draws a random non-zero client id.
func NewClientID() uint64 {
	for {
		id := uuid.New()
		if v := binary.BigEndian.Uint64(id[:8]); v != 0 {
			return v
		}
	}
}

func (d *Doc) ClientID() uint64 { return d.clientID }

func (d *Doc) GetText(name string) *Text {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.textLocked(name)
}

func (d *Doc) GetMap(name string) *Map {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mapLocked(name)
}

func (d *Doc) GetFragment(name string) *Fragment {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fragmentLocked(name)
}

func (d *Doc) textLocked(name string) *Text {
	t := d.texts[name]
	if t == nil {
		t = &Text{sequence{doc: d, name: name, kind: KindText, buf: NewPieceTable("")}}
		d.texts[name] = t
	}
	return t
}

func (d *Doc) mapLocked(name string) *Map {
	m := d.maps[name]
	if m == nil {
		m = &Map{doc: d, name: name, entries: make(map[string]any)}
		d.maps[name] = m
	}
	return m
}

func (d *Doc) fragmentLocked(name string) *Fragment {
	f := d.fragments[name]
	if f == nil {
		rb := NewRichBuffer()
		f = &Fragment{sequence: sequence{doc: d, name: name, kind: KindFragment, buf: rb}, rich: rb}
		d.fragments[name] = f
	}
	return f
}

// OnUpdate registers fn for every committed transaction, local or remote.
func (d *Doc) OnUpdate(fn func(UpdateEvent)) (off func()) {
	return d.updates.On(fn)
}

// StateVector returns the next expected clock for every client seen.
func (d *Doc) StateVector() map[uint64]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Clone(d.sv)
}

// PendingCount is the number of remote updates waiting for a missing clock.
func (d *Doc) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, p := range d.pending {
		n += len(p)
	}
	return n
}

// LocalUpdates returns this client's own updates with clock >= from.
func (d *Doc) LocalUpdates(from uint64) []Update {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Update
	for _, u := range d.localLog {
		if u.Clock >= from {
			out = append(out, u)
		}
	}
	return out
}

// TrimLocalLog forgets own updates with clock < before, once a peer that
// keeps them has acknowledged them.
func (d *Doc) TrimLocalLog(before uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := 0
	for i < len(d.localLog) && d.localLog[i].Clock < before {
		i++
	}
	d.localLog = slices.Clone(d.localLog[i:])
}

// RestoreLocalLog reinstalls own updates kept across restarts so they can be
// offered to peers again. The local clock moves past the newest of them.
func (d *Doc) RestoreLocalLog(log []Update) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localLog = slices.Clone(log)
	for _, u := range log {
		if u.Clock+1 > d.clock {
			d.clock = u.Clock + 1
		}
	}
}

// Close drops all observers and update listeners; later mutations are ignored.
func (d *Doc) Close() {
	d.mu.Lock()
	d.closed = true
	texts := slices.Collect(maps.Values(d.texts))
	frags := slices.Collect(maps.Values(d.fragments))
	ms := slices.Collect(maps.Values(d.maps))
	d.mu.Unlock()

	for _, t := range texts {
		t.observers.Clear()
	}
	for _, f := range frags {
		f.observers.Clear()
	}
	for _, m := range ms {
		m.observers.Clear()
	}
	d.updates.Clear()
}

// Ack records that the relay has ordered this client's updates up to and
// including clock. They leave the local log.
func (d *Doc) Ack(clock uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if clock < d.acked {
		return
	}
	d.acked = clock + 1
	i := 0
	for i < len(d.unacked) && d.unacked[i].update.Clock < d.acked {
		i++
	}
	d.unacked = slices.Clone(d.unacked[i:])
	j := 0
	for j < len(d.localLog) && d.localLog[j].Clock < d.acked {
		j++
	}
	d.localLog = slices.Clone(d.localLog[j:])
}

// Unacked is the number of own updates the relay has not acknowledged.
func (d *Doc) Unacked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int(d.clock - min(d.acked, d.clock))
}

// txn collects what one transaction changed.
type txn struct {
	origin  any
	local   bool
	tag     step // own, rollback and clock of the steps being applied
	steps   []step
	changes []Change
	inverse []Change
	seqs    []*sequence
	seqEv   map[*sequence]*TextEvent
	mapsT   []*Map
	mapEv   map[*Map]*MapEvent
}

func newTxn(origin any, local bool) *txn {
	return &txn{
		origin: origin,
		local:  local,
		seqEv:  make(map[*sequence]*TextEvent),
		mapEv:  make(map[*Map]*MapEvent),
	}
}

// transactLocal applies changes as one local transaction and returns the
// update it produced and its inverse. Changes that turn out to be no-ops are
// dropped; ok is false when nothing is left.
func (d *Doc) transactLocal(origin any, changes []Change) (u Update, inverse []Change, ok bool) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return Update{}, nil, false
	}
	tx := newTxn(origin, true)
	for _, c := range changes {
		d.applyChangeLocked(tx, c)
	}
	if len(tx.changes) == 0 {
		d.mu.Unlock()
		return Update{}, nil, false
	}
	u = Update{ClientID: d.clientID, Clock: d.clock, Changes: tx.changes}
	d.clock++
	d.sv[d.clientID] = d.clock
	d.localLog = append(d.localLog, u)
	d.unacked = append(d.unacked, ownTxn{update: u, inverse: tx.inverse})
	d.enqueueLocked(tx, &u)
	d.mu.Unlock()

	d.drain()
	return u, tx.inverse, true
}

// ApplyUpdate applies a remote update in arrival order. Updates already seen
// are ignored; updates ahead of the next expected clock for their client are
// held until the gap is filled. It returns the updates that took effect, u
// and any held ones it unblocked, in the order they were applied.
func (d *Doc) ApplyUpdate(u Update, origin any) []Update {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	applied := d.integrateLocked(u, origin)
	if len(applied) > 0 {
		// the stored inverses no longer describe the current state
		d.unacked = nil
	}
	d.mu.Unlock()
	d.drain()
	return applied
}

// ApplyOrdered applies a remote update that the relay ordered after every
// own update it acknowledged and before every own update it has not. Those
// are rolled back, u is applied and they are replayed on top, which is the
// order the relay applies them in.
//
// It reports false when the own updates could not be rolled back, e.g. after
// mixing in ApplyUpdate; u is then applied as ApplyUpdate would and the
// caller should resync with Rebase.
func (d *Doc) ApplyOrdered(u Update, origin any) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return true
	}
	if u.ClientID == d.clientID || u.Clock != d.sv[u.ClientID] || d.clock <= d.acked {
		d.integrateLocked(u, origin)
		d.mu.Unlock()
		d.drain()
		return true
	}
	if !d.unackedCompleteLocked() {
		glog.Warningf("[ydoc] cannot roll back own updates %d..%d, applying client=%d clock=%d unordered",
			d.acked, d.clock, u.ClientID, u.Clock)
		d.unacked = nil
		d.integrateLocked(u, origin)
		d.mu.Unlock()
		d.drain()
		return false
	}

	tx := newTxn(origin, false)
	for i := len(d.unacked) - 1; i >= 0; i-- {
		o := d.unacked[i]
		tx.tag = step{own: true, rollback: true, clock: o.update.Clock}
		for _, c := range o.inverse {
			d.applyChangeLocked(tx, c)
		}
	}
	tx.tag = step{}
	d.sequenceLocked(u, func(u Update) { d.applyRemoteLocked(tx, u) })
	for i := range d.unacked {
		o := &d.unacked[i]
		tx.tag = step{own: true, clock: o.update.Clock}
		start := len(tx.steps)
		for _, c := range o.update.Changes {
			d.applyChangeLocked(tx, c)
		}
		o.inverse = inverseOf(tx.steps[start:])
	}
	tx.tag = step{}
	d.enqueueLocked(tx, &u)
	d.mu.Unlock()
	d.drain()
	return true
}

// unackedCompleteLocked reports whether every own update from acked on has
// its inverse at hand.
func (d *Doc) unackedCompleteLocked() bool {
	if uint64(len(d.unacked)) != d.clock-d.acked {
		return false
	}
	for i, o := range d.unacked {
		if o.update.Clock != d.acked+uint64(i) {
			return false
		}
	}
	return true
}

func inverseOf(steps []step) []Change {
	out := make([]Change, 0, len(steps))
	for i := len(steps) - 1; i >= 0; i-- {
		if !steps[i].marker {
			out = append(out, steps[i].inverse)
		}
	}
	return out
}

// integrateLocked applies u, and whatever it unblocks, each as its own
// remote transaction.
func (d *Doc) integrateLocked(u Update, origin any) []Update {
	return d.sequenceLocked(u, func(u Update) {
		tx := newTxn(origin, false)
		d.applyRemoteLocked(tx, u)
		d.enqueueLocked(tx, &u)
	})
}

// sequenceLocked passes u to apply if it is the next update of its client,
// holds it if it is ahead and drops it if it was seen. Held updates it
// unblocks follow. It returns everything it passed to apply, in order.
func (d *Doc) sequenceLocked(u Update, apply func(Update)) []Update {
	next := d.sv[u.ClientID]
	switch {
	case u.Clock < next:
		glog.V(2).Infof("[ydoc] drop duplicate update client=%d clock=%d", u.ClientID, u.Clock)
		return nil
	case u.Clock > next:
		p := d.pending[u.ClientID]
		if p == nil {
			p = make(map[uint64]Update)
			d.pending[u.ClientID] = p
		}
		p[u.Clock] = u
		glog.V(1).Infof("[ydoc] hold update client=%d clock=%d (expecting %d)", u.ClientID, u.Clock, next)
		return nil
	}
	apply(u)
	return append([]Update{u}, d.flushPendingLocked(u.ClientID, apply)...)
}

// applyRemoteLocked applies u's changes into tx and moves the state vector
// past it.
func (d *Doc) applyRemoteLocked(tx *txn, u Update) {
	for _, c := range u.Changes {
		d.applyChangeLocked(tx, c)
	}
	d.sv[u.ClientID] = u.Clock + 1
	if u.ClientID == d.clientID && d.clock < u.Clock+1 {
		d.clock = u.Clock + 1
	}
}

func (d *Doc) flushPendingLocked(client uint64, apply func(Update)) []Update {
	var out []Update
	p := d.pending[client]
	for len(p) > 0 {
		next := d.sv[client]
		for clock := range p {
			if clock < next {
				delete(p, clock)
			}
		}
		u, ok := p[next]
		if !ok {
			break
		}
		delete(p, next)
		apply(u)
		out = append(out, u)
	}
	if len(p) == 0 {
		delete(d.pending, client)
	}
	return out
}

func (d *Doc) applyChangeLocked(tx *txn, c Change) {
	switch c.Type {
	case KindText:
		d.applySequenceLocked(tx, &d.textLocked(c.Name).sequence, c)
	case KindFragment:
		d.applySequenceLocked(tx, &d.fragmentLocked(c.Name).sequence, c)
	case KindMap:
		d.applyMapLocked(tx, d.mapLocked(c.Name), c)
	default:
		glog.Warningf("[ydoc] skip change of unknown type %q on %q", c.Type, c.Name)
	}
}

func (d *Doc) applySequenceLocked(tx *txn, s *sequence, c Change) {
	dl := clampDelta(c.Delta, s.buf.Len())
	if dl.IsEmpty() {
		return
	}
	inv, err := s.buf.Apply(dl)
	if err != nil {
		glog.Errorf("[ydoc] apply delta to %s %q: %v", s.kind, s.name, err)
		return
	}
	applied := Change{Type: c.Type, Name: c.Name, Delta: dl}
	undo := Change{Type: c.Type, Name: c.Name, Delta: inv}
	tx.record(applied, undo)

	ev := tx.seqEv[s]
	if ev == nil {
		ev = &TextEvent{Origin: tx.origin, Local: tx.local}
		tx.seqEv[s] = ev
		tx.seqs = append(tx.seqs, s)
	}
	ev.Deltas = append(ev.Deltas, dl)
}

func (d *Doc) applyMapLocked(tx *txn, m *Map, c Change) {
	prev, existed := m.entries[c.Key]
	var inv Change
	if c.Deleted {
		if !existed {
			return
		}
		delete(m.entries, c.Key)
		inv = Change{Type: KindMap, Name: c.Name, Key: c.Key, Value: prev}
	} else {
		if existed && reflect.DeepEqual(prev, c.Value) {
			return
		}
		m.entries[c.Key] = c.Value
		if existed {
			inv = Change{Type: KindMap, Name: c.Name, Key: c.Key, Value: prev}
		} else {
			inv = Change{Type: KindMap, Name: c.Name, Key: c.Key, Deleted: true}
		}
	}
	tx.record(c, inv)

	ev := tx.mapEv[m]
	if ev == nil {
		ev = &MapEvent{Origin: tx.origin, Local: tx.local}
		tx.mapEv[m] = ev
		tx.mapsT = append(tx.mapsT, m)
	}
	if !slices.Contains(ev.Keys, c.Key) {
		ev.Keys = append(ev.Keys, c.Key)
	}
}

func (tx *txn) record(applied, inverse Change) {
	tx.changes = append(tx.changes, applied)
	tx.inverse = append([]Change{inverse}, tx.inverse...)
	st := tx.tag
	st.change, st.inverse = applied, inverse
	tx.steps = append(tx.steps, st)
}

// enqueueLocked schedules observer and update callbacks for a committed
// transaction. Callbacks run from drain, after the lock is released, so they
// may read the document.
func (d *Doc) enqueueLocked(tx *txn, u *Update) {
	if len(tx.seqs) == 0 && len(tx.mapsT) == 0 {
		return
	}
	for _, s := range tx.seqs {
		s, ev := s, *tx.seqEv[s]
		d.queue = append(d.queue, func() { s.observers.Emit(ev) })
	}
	for _, m := range tx.mapsT {
		m, ev := m, *tx.mapEv[m]
		d.queue = append(d.queue, func() { m.observers.Emit(ev) })
	}
	ue := UpdateEvent{Update: u, Origin: tx.origin, Local: tx.local, inverse: tx.inverse, steps: tx.steps}
	d.queue = append(d.queue, func() { d.updates.Emit(ue) })
	d.queued += uint64(len(tx.seqs) + len(tx.mapsT) + 1)
}

// drain runs queued callbacks one at a time. A callback that mutates the
// document only enqueues; the outer drain delivers it afterwards, so
// callbacks never overlap and always see committed state.
//
// When another goroutine is already draining, that goroutine delivers the
// caller's callbacks and drain returns without waiting for them. Settle
// waits.
func (d *Doc) drain() {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true
	for len(d.queue) > 0 {
		fn := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()
		runCallback(fn)
		d.mu.Lock()
		d.ran++
		d.ranCond.Broadcast()
	}
	d.draining = false
	d.mu.Unlock()
}

// Settle returns once every callback queued before the call has run, also
// those another goroutine is delivering. A mutation made from one goroutine
// while another applies remote updates may return before its observers ran;
// Settle after it gives read-after-write through observers. It must not be
// called from an observer or update callback of d.
func (d *Doc) Settle() {
	d.mu.Lock()
	target := d.queued
	for d.ran < target {
		if !d.draining {
			d.mu.Unlock()
			d.drain()
			d.mu.Lock()
			continue
		}
		d.ranCond.Wait()
	}
	d.mu.Unlock()
}

func runCallback(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[ydoc] observer panic: %v", r)
		}
	}()
	fn()
}

// Snapshot captures the full document state.
func (d *Doc) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Snapshot{
		StateVector: maps.Clone(d.sv),
		Texts:       make(map[string]string, len(d.texts)),
		Maps:        make(map[string]map[string]any, len(d.maps)),
		Fragments:   make(map[string][]Run, len(d.fragments)),
	}
	for name, t := range d.texts {
		s.Texts[name] = t.buf.String()
	}
	for name, m := range d.maps {
		s.Maps[name] = maps.Clone(m.entries)
	}
	for name, f := range d.fragments {
		s.Fragments[name] = f.rich.Runs()
	}
	return s
}

// LoadSnapshot replaces the document content with s as one remote
// transaction. Types missing from s are treated as empty. Pending updates
// that s already covers are dropped; the rest are retried.
func (d *Doc) LoadSnapshot(s Snapshot, origin any) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	tx := newTxn(origin, false)
	d.loadLocked(tx, s)
	d.unacked = nil
	d.enqueueLocked(tx, nil)
	d.mu.Unlock()
	d.drain()
}

// Rebase loads s and replays on top of it this client's own updates that s
// has not seen, as one transaction so no local edit can slip in between. Own
// updates s already covers count as acknowledged and leave the local log. It
// returns the replayed updates, which the caller still has to deliver to
// whoever produced s.
func (d *Doc) Rebase(s Snapshot, origin any) []Update {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	seen := s.StateVector[d.clientID]
	var unsent []Update
	for _, u := range d.localLog {
		if u.Clock >= seen {
			unsent = append(unsent, u)
		}
	}

	tx := newTxn(origin, false)
	for i := len(unsent) - 1; i >= 0; i-- {
		tx.steps = append(tx.steps, step{own: true, rollback: true, marker: true, clock: unsent[i].Clock})
	}
	d.loadLocked(tx, s)

	d.unacked = d.unacked[:0]
	for _, u := range unsent {
		d.sequenceLocked(u, func(u Update) {
			tx.tag = step{own: true, clock: u.Clock}
			start := len(tx.steps)
			d.applyRemoteLocked(tx, u)
			d.unacked = append(d.unacked, ownTxn{update: u, inverse: inverseOf(tx.steps[start:])})
		})
	}
	tx.tag = step{}
	d.acked = seen
	d.localLog = slices.Clone(unsent)
	d.enqueueLocked(tx, nil)
	d.mu.Unlock()
	d.drain()
	return unsent
}

func (d *Doc) loadLocked(tx *txn, s Snapshot) {
	names := make(map[string]bool)
	for name := range d.texts {
		names[name] = true
	}
	for name := range s.Texts {
		names[name] = true
	}
	for _, name := range slices.Sorted(maps.Keys(names)) {
		t := d.textLocked(name)
		dl := diff.Compute(t.buf.String(), s.Texts[name]).Delta()
		d.applySequenceLocked(tx, &t.sequence, Change{Type: KindText, Name: name, Delta: dl})
	}

	clear(names)
	for name := range d.fragments {
		names[name] = true
	}
	for name := range s.Fragments {
		names[name] = true
	}
	for _, name := range slices.Sorted(maps.Keys(names)) {
		f := d.fragmentLocked(name)
		want := s.Fragments[name]
		if slices.EqualFunc(f.rich.Runs(), want, sameRun) {
			continue
		}
		dl := delta.Delta{delta.Delete(f.buf.Len())}
		for _, run := range want {
			dl = append(dl, delta.InsertWith(run.Text, run.Attrs))
		}
		d.applySequenceLocked(tx, &f.sequence, Change{Type: KindFragment, Name: name, Delta: dl})
	}

	clear(names)
	for name := range d.maps {
		names[name] = true
	}
	for name := range s.Maps {
		names[name] = true
	}
	for _, name := range slices.Sorted(maps.Keys(names)) {
		m := d.mapLocked(name)
		want := s.Maps[name]
		for _, k := range slices.Sorted(maps.Keys(m.entries)) {
			if _, ok := want[k]; !ok {
				d.applyMapLocked(tx, m, Change{Type: KindMap, Name: name, Key: k, Deleted: true})
			}
		}
		for _, k := range slices.Sorted(maps.Keys(want)) {
			d.applyMapLocked(tx, m, Change{Type: KindMap, Name: name, Key: k, Value: want[k]})
		}
	}

	d.sv = maps.Clone(s.StateVector)
	if d.sv == nil {
		d.sv = make(map[uint64]uint64)
	}
	if c := d.sv[d.clientID]; c > d.clock {
		d.clock = c
	}
	for _, client := range slices.Sorted(maps.Keys(d.pending)) {
		d.flushPendingLocked(client, func(u Update) { d.applyRemoteLocked(tx, u) })
	}
}

func sameRun(a, b Run) bool {
	return a.Text == b.Text && delta.SameAttrs(a.Attrs, b.Attrs)
}
