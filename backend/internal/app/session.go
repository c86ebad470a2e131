// Package app is the collaborative document client: a Session that owns the
// shared document and its connection, and a Controller that binds the
// document to local state and renders it.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/cloneot/yjs-playground/backend/internal/persist"
	"github.com/cloneot/yjs-playground/backend/internal/protocol"
	"github.com/cloneot/yjs-playground/backend/internal/provider"
	"github.com/cloneot/yjs-playground/backend/internal/ydoc"
)

type SessionOptions struct {
	ServerURL string
	Room      string
	Token     string
	Username  string
	// StatePath is the local state file; empty keeps nothing between runs.
	StatePath string
	Heartbeat time.Duration
}

// Session is one client's view of one room. It is built explicitly and owns
// everything it creates, so two sessions never share a document.
type Session struct {
	Doc      *ydoc.Doc
	Provider *provider.WebsocketProvider

	Title    *ydoc.Text
	Subtitle *ydoc.Text
	Poster   *ydoc.Map
	Body     *ydoc.Fragment

	store *persist.Store

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

var palette = []string{"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4", "#42d4f4", "#f032e6"}

func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Room == "" {
		opts.Room = protocol.DefaultRoom
	}

	s := &Session{}
	var st persist.State
	restored := false
	if opts.StatePath != "" {
		store, err := persist.Open(opts.StatePath)
		if err != nil {
			return nil, err
		}
		s.store = store
		st, restored, err = store.Load(opts.Room)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("load room %s: %w", opts.Room, err)
		}
	}

	var docOpts []ydoc.Option
	if restored {
		docOpts = append(docOpts, ydoc.WithClientID(st.ClientID))
	}
	s.Doc = ydoc.New(docOpts...)
	s.Title = s.Doc.GetText(protocol.NameTitle)
	s.Subtitle = s.Doc.GetText(protocol.NameSubtitle)
	s.Poster = s.Doc.GetMap(protocol.NamePoster)
	s.Body = s.Doc.GetFragment(protocol.NameBody)
	if restored {
		s.Doc.LoadSnapshot(st.Snapshot, s)
		s.Doc.RestoreLocalLog(st.Log)
		glog.Infof("[app] room %s: restored local state, %d unsent updates", opts.Room, len(st.Log))
	}

	popts := []provider.Option{provider.WithToken(opts.Token)}
	if s.store != nil {
		popts = append(popts, provider.WithLocalStore(s.store))
	}
	if opts.Heartbeat > 0 {
		popts = append(popts, provider.WithHeartbeat(opts.Heartbeat))
	}
	s.Provider = provider.New(s.Doc, opts.ServerURL, opts.Room, popts...)
	s.Provider.Awareness().SetLocalState(provider.State{
		User:  opts.Username,
		Color: palette[s.Doc.ClientID()%uint64(len(palette))],
	})
	return s, nil
}

// Start connects in the background until Close.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.done != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		if err := s.Provider.Connect(ctx); err != nil {
			glog.Errorf("[app] provider stopped: %v", err)
		}
	}()
}

// Close disconnects, waits for the last local save and releases the
// document. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.Provider.Close()
	s.Doc.Close()
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
