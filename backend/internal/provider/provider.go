// Package provider connects a ydoc.Doc to the relay over a websocket: it
// sends local updates, applies remote ones, exchanges presence and keeps
// reconnecting with exponential backoff until closed.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/cloneot/yjs-playground/backend/internal/event"
	"github.com/cloneot/yjs-playground/backend/internal/persist"
	"github.com/cloneot/yjs-playground/backend/internal/protocol"
	"github.com/cloneot/yjs-playground/backend/internal/ydoc"
)

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

var ErrClosed = errors.New("provider closed")

// LocalStore keeps the document between runs. *persist.Store satisfies it.
type LocalStore interface {
	Save(room string, st persist.State) error
}

type WebsocketProvider struct {
	doc       *ydoc.Doc
	serverURL string
	room      string
	token     string
	dialer    *websocket.Dialer
	store     LocalStore
	heartbeat time.Duration
	minDelay  time.Duration
	maxDelay  time.Duration
	queueSize int

	aw *Awareness

	mu       sync.Mutex
	status   Status
	synced   bool
	out      chan protocol.ClientMessage
	dropConn context.CancelFunc
	cancel   context.CancelFunc
	closed   bool

	dirty chan struct{}

	onSync   event.Signal
	onStatus event.Emitter[Status]
}

type Option func(*WebsocketProvider)

func WithToken(token string) Option {
	return func(p *WebsocketProvider) { p.token = token }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(p *WebsocketProvider) { p.dialer = d }
}

// WithLocalStore saves the document after every change.
func WithLocalStore(s LocalStore) Option {
	return func(p *WebsocketProvider) { p.store = s }
}

func WithHeartbeat(d time.Duration) Option {
	return func(p *WebsocketProvider) { p.heartbeat = d }
}

// WithBackoff bounds the reconnect delay.
func WithBackoff(initial, max time.Duration) Option {
	return func(p *WebsocketProvider) { p.minDelay, p.maxDelay = initial, max }
}

// New prepares a provider for room on serverURL (ws:// or wss://, path
// included). Nothing is dialed until Connect.
func New(doc *ydoc.Doc, serverURL, room string, opts ...Option) *WebsocketProvider {
	p := &WebsocketProvider{
		doc:       doc,
		serverURL: serverURL,
		room:      room,
		dialer:    websocket.DefaultDialer,
		heartbeat: 30 * time.Second,
		minDelay:  500 * time.Millisecond,
		maxDelay:  10 * time.Second,
		queueSize: 256,
		aw:        NewAwareness(doc.ClientID()),
		status:    StatusDisconnected,
		dirty:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *WebsocketProvider) Doc() *ydoc.Doc          { return p.doc }
func (p *WebsocketProvider) Room() string            { return p.room }
func (p *WebsocketProvider) Awareness() *Awareness   { return p.aw }
func (p *WebsocketProvider) Roster() Roster          { return p.aw }
func (p *WebsocketProvider) OnSync(fn func()) func() { return p.onSync.On(fn) }

func (p *WebsocketProvider) OnStatus(fn func(Status)) func() { return p.onStatus.On(fn) }

func (p *WebsocketProvider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Synced reports whether the current connection finished its initial sync.
func (p *WebsocketProvider) Synced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced
}

// Connect runs the connection loop until ctx is cancelled or Close is called.
// Dial and read failures are retried with backoff.
func (p *WebsocketProvider) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()
	defer cancel()

	offDoc := p.doc.OnUpdate(p.onDocUpdate)
	defer offDoc()
	offAw := p.aw.onLocalState(func(s State) {
		p.send(protocol.ClientMessage{Type: protocol.TypeAwareness, State: &s})
	})
	defer offAw()

	g, gctx := errgroup.WithContext(ctx)
	if p.store != nil {
		g.Go(func() error {
			p.persistLoop(gctx)
			return nil
		})
	}
	g.Go(func() error {
		p.run(gctx)
		return nil
	})
	return g.Wait()
}

// Close stops Connect and drops every listener. Safe to call more than once.
func (p *WebsocketProvider) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.onSync.Clear()
	p.onStatus.Clear()
}

func (p *WebsocketProvider) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.minDelay
	bo.MaxInterval = p.maxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		p.setStatus(StatusConnecting)
		synced, err := p.session(ctx)
		p.mu.Lock()
		p.synced = false
		p.mu.Unlock()
		p.aw.clearRemote()
		p.setStatus(StatusDisconnected)
		if ctx.Err() != nil {
			return
		}
		if synced {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		glog.Warningf("[provider] room %s: connection lost: %v; retry in %s", p.room, err, wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (p *WebsocketProvider) endpoint() (string, error) {
	u, err := url.Parse(p.serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set("doc", p.room)
	q.Set("client", strconv.FormatUint(p.doc.ClientID(), 10))
	if p.token != "" {
		q.Set("token", p.token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// session serves one connection. It reports whether the initial sync
// completed before the connection ended.
func (p *WebsocketProvider) session(ctx context.Context) (bool, error) {
	endpoint, err := p.endpoint()
	if err != nil {
		return false, err
	}
	conn, _, err := p.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	g, gctx := errgroup.WithContext(ctx)
	sctx, drop := context.WithCancel(gctx)
	defer drop()

	out := make(chan protocol.ClientMessage, p.queueSize)
	p.mu.Lock()
	p.out = out
	p.dropConn = drop
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.out = nil
		p.dropConn = nil
		p.mu.Unlock()
	}()

	p.setStatus(StatusConnected)
	if s, ok := p.aw.LocalState(); ok {
		p.send(protocol.ClientMessage{Type: protocol.TypeAwareness, State: &s})
	}

	g.Go(func() error { return p.writeLoop(sctx, conn, out) })
	g.Go(func() error {
		<-sctx.Done()
		// unblocks the read below
		conn.Close()
		return nil
	})
	g.Go(func() error {
		defer drop()
		return p.readLoop(conn)
	})
	err = g.Wait()
	return p.Synced(), err
}

func (p *WebsocketProvider) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan protocol.ClientMessage) error {
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return nil
		case m := <-out:
			if err := conn.WriteJSON(m); err != nil {
				return fmt.Errorf("write %s: %w", m.Type, err)
			}
		case <-ticker.C:
			if err := conn.WriteJSON(protocol.ClientMessage{Type: protocol.TypeHeartbeat}); err != nil {
				return fmt.Errorf("write heartbeat: %w", err)
			}
		}
	}
}

func (p *WebsocketProvider) readLoop(conn *websocket.Conn) error {
	for {
		var msg protocol.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if err := p.handle(msg); err != nil {
			glog.Errorf("[provider] room %s: %s frame: %v", p.room, msg.Type, err)
		}
	}
}

func (p *WebsocketProvider) handle(msg protocol.ServerMessage) error {
	switch msg.Type {
	case protocol.TypeSync:
		snap, err := ydoc.DecodeSnapshot(msg.Snapshot)
		if err != nil {
			return err
		}
		p.applySync(snap)

	case protocol.TypeUpdate:
		u, err := ydoc.DecodeUpdate(msg.Update)
		if err != nil {
			return err
		}
		if !p.doc.ApplyOrdered(u, p) {
			glog.Warningf("[provider] room %s: lost track of own updates, resyncing", p.room)
			p.reconnect()
		}

	case protocol.TypeAck:
		if msg.ClientID == p.doc.ClientID() {
			p.doc.Ack(msg.Clock)
		}

	case protocol.TypeRoster:
		p.aw.applyRoster(msg.Members)

	case protocol.TypeError:
		glog.Warningf("[provider] room %s: relay error: %s", p.room, msg.Content)

	default:
		glog.V(2).Infof("[provider] room %s: %s %s", p.room, msg.Type, msg.Content)
	}
	return nil
}

// applySync adopts the relay's state, then replays and resends the own
// updates the relay has not seen yet.
func (p *WebsocketProvider) applySync(snap ydoc.Snapshot) {
	unsent := p.doc.Rebase(snap, p)
	for _, u := range unsent {
		p.sendUpdate(u)
	}
	if len(unsent) > 0 {
		glog.Infof("[provider] room %s: resent %d offline updates", p.room, len(unsent))
	}

	p.mu.Lock()
	p.synced = true
	p.mu.Unlock()
	p.onSync.Emit()
}

func (p *WebsocketProvider) onDocUpdate(e ydoc.UpdateEvent) {
	select {
	case p.dirty <- struct{}{}:
	default:
	}
	if e.Origin == p || !e.Local || e.Update == nil {
		return
	}
	p.sendUpdate(*e.Update)
}

func (p *WebsocketProvider) sendUpdate(u ydoc.Update) {
	raw, err := ydoc.EncodeUpdate(u)
	if err != nil {
		glog.Errorf("[provider] encode update %d/%d: %v", u.ClientID, u.Clock, err)
		return
	}
	p.send(protocol.ClientMessage{Type: protocol.TypeUpdate, DocID: p.room, ClientID: u.ClientID, Update: raw})
}

// send queues m on the live connection. Without one the message is dropped;
// document updates stay in the local log and go out on the next sync.
func (p *WebsocketProvider) send(m protocol.ClientMessage) {
	p.mu.Lock()
	out, drop := p.out, p.dropConn
	p.mu.Unlock()
	if out == nil {
		return
	}
	select {
	case out <- m:
	default:
		glog.Warningf("[provider] room %s: send queue full, reconnecting", p.room)
		drop()
	}
}

// reconnect drops the live connection; the next one starts with a sync.
func (p *WebsocketProvider) reconnect() {
	p.mu.Lock()
	drop := p.dropConn
	p.mu.Unlock()
	if drop != nil {
		drop()
	}
}

// RequestSave asks the relay to persist the room now.
func (p *WebsocketProvider) RequestSave() {
	p.send(protocol.ClientMessage{Type: protocol.TypeSave, DocID: p.room})
}

func (p *WebsocketProvider) setStatus(s Status) {
	p.mu.Lock()
	if p.status == s {
		p.mu.Unlock()
		return
	}
	p.status = s
	p.mu.Unlock()
	glog.V(1).Infof("[provider] room %s: %s", p.room, s)
	p.onStatus.Emit(s)
}

func (p *WebsocketProvider) persistLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.saveLocal()
			return
		case <-p.dirty:
			p.saveLocal()
		}
	}
}

func (p *WebsocketProvider) saveLocal() {
	st := persist.State{
		ClientID: p.doc.ClientID(),
		Snapshot: p.doc.Snapshot(),
		Log:      p.doc.LocalUpdates(0),
	}
	if err := p.store.Save(p.room, st); err != nil {
		glog.Errorf("[provider] room %s: save local state: %v", p.room, err)
	}
}
