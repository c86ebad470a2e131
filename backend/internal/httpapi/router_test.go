package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/assert/v2"

	"github.com/cloneot/yjs-playground/backend/internal/authservice"
	"github.com/cloneot/yjs-playground/backend/internal/cache"
	"github.com/cloneot/yjs-playground/backend/internal/collab"
	"github.com/cloneot/yjs-playground/backend/internal/protocol"
	"github.com/cloneot/yjs-playground/backend/internal/provider"
	"github.com/cloneot/yjs-playground/backend/internal/ws"
	"github.com/cloneot/yjs-playground/backend/internal/ydoc"
)

const secret = "relay-test"

func newRelay(t *testing.T) (*httptest.Server, *collab.InMemoryService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := collab.NewInMemoryService()
	hub := ws.NewHub(cache.NewMemoryPresence(), time.Minute)
	m := ws.NewManager(hub, svc, collab.NewSemaphoreControl(8))
	srv := httptest.NewServer(NewRouter(RouterConfig{AuthSecret: secret}, m, svc))
	t.Cleanup(srv.Close)
	return srv, svc
}

func token(t *testing.T, userID uint64, name string) string {
	t.Helper()
	tok, _, err := authservice.SignAccessToken([]byte(secret), userID, name, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func connect(t *testing.T, srv *httptest.Server, tok string) *provider.WebsocketProvider {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/collab/ws"
	p := provider.New(ydoc.New(), url, protocol.DefaultRoom,
		provider.WithToken(tok),
		provider.WithBackoff(10*time.Millisecond, 50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Connect(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	eventually(t, "sync", p.Synced)
	return p
}

func TestRelay_EditsAndPresenceReachPeers(t *testing.T) {
	srv, svc := newRelay(t)

	ann := connect(t, srv, token(t, 1, "ann"))
	ann.Doc().GetText(protocol.NameTitle).Insert(0, "Hello")
	eventually(t, "title on relay", func() bool {
		rev, _ := svc.CurrentRevision(context.Background(), protocol.DefaultRoom)
		return rev == 1
	})

	// a late joiner gets the state through sync
	bob := connect(t, srv, token(t, 2, "bob"))
	assert.Equal(t, bob.Doc().GetText(protocol.NameTitle).String(), "Hello")

	bob.Doc().GetFragment(protocol.NameBody).Insert(0, "body")
	eventually(t, "body at ann", func() bool {
		return ann.Doc().GetFragment(protocol.NameBody).String() == "body"
	})

	bob.Awareness().SetLocalState(provider.State{User: "bob", Cursor: &protocol.Cursor{Anchor: 0, Head: 2}})
	eventually(t, "bob's cursor at ann", func() bool {
		s, ok := ann.Roster().States()[bob.Doc().ClientID()]
		return ok && s.Cursor != nil && s.Cursor.Head == 2
	})
	// ann never set a local state, so only bob is listed
	assert.Equal(t, len(ann.Roster().States()), 1)
}

func TestRelay_RejectsMissingToken(t *testing.T) {
	srv, _ := newRelay(t)
	resp, err := http.Get(srv.URL + "/collab/ws?client=1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusUnauthorized)
}

func TestRelay_DocumentView(t *testing.T) {
	srv, _ := newRelay(t)
	tok := token(t, 1, "ann")

	p := connect(t, srv, tok)
	p.Doc().GetText(protocol.NameSubtitle).Insert(0, "sub")
	p.Doc().GetMap(protocol.NamePoster).Set(protocol.PosterAlt, "a cat")

	var view collab.Preview
	eventually(t, "document view", func() bool {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/collab/docs/"+protocol.DefaultRoom, nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		view = collab.Preview{}
		if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
			return false
		}
		return view.Revision == 2
	})
	assert.Equal(t, view.Subtitle, "sub")
	assert.Equal(t, view.Poster, map[string]string{"alt": "a cat"})

	resp, err := http.Get(srv.URL + "/collab/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)
}

func TestRelay_ConcurrentEditsConverge(t *testing.T) {
	srv, svc := newRelay(t)
	ann := connect(t, srv, token(t, 1, "ann"))
	bob := connect(t, srv, token(t, 2, "bob"))

	ann.Doc().GetText(protocol.NameTitle).Insert(0, "abc")
	eventually(t, "seed at bob", func() bool {
		return bob.Doc().GetText(protocol.NameTitle).String() == "abc"
	})

	const rounds = 30
	var wg sync.WaitGroup
	for _, side := range []struct {
		p    *provider.WebsocketProvider
		text string
		end  bool
	}{{ann, "a", false}, {bob, "b", true}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			title := side.p.Doc().GetText(protocol.NameTitle)
			for i := range rounds {
				pos := i % 3
				if side.end {
					pos = len([]rune(title.String()))
				}
				title.Insert(pos, side.text)
				if i%5 == 4 {
					title.Delete(1, 1)
				}
			}
		}()
	}
	wg.Wait()

	var want string
	eventually(t, "all edits applied", func() bool {
		if ann.Doc().Unacked() > 0 || bob.Doc().Unacked() > 0 {
			return false
		}
		p, err := svc.Preview(context.Background(), protocol.DefaultRoom)
		want = p.Title
		return err == nil
	})
	eventually(t, "peers agree with the relay", func() bool {
		return ann.Doc().GetText(protocol.NameTitle).String() == want &&
			bob.Doc().GetText(protocol.NameTitle).String() == want
	})
	assert.Equal(t, len([]rune(want)), 3+2*rounds-2*(rounds/5))
}
