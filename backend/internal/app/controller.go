package app

import (
	"errors"
	"fmt"
	"io"

	"github.com/cloneot/yjs-playground/backend/internal/bridge"
	"github.com/cloneot/yjs-playground/backend/internal/protocol"
)

var ErrEditorNotReady = errors.New("editor not ready")

// Poster is the cover image record.
type Poster struct {
	URL string
	Alt string
}

// View is what the client shows.
type View struct {
	Connected bool
	Users     int
	Title     string
	Subtitle  string
	Poster    Poster
	Body      string
}

func (v View) StatusLabel() string {
	if v.Connected {
		return "connected"
	}
	return "disconnected"
}

func (v View) UsersLabel() string { return fmt.Sprintf("%d users", v.Users) }

func (v View) TitleOrDefault() string {
	if v.Title == "" {
		return "Untitled"
	}
	return v.Title
}

func (v View) SubtitleOrDefault() string {
	if v.Subtitle == "" {
		return "No subtitle"
	}
	return v.Subtitle
}

// PosterAlt falls back to a generic caption when only the url is set.
func (v View) PosterAlt() string {
	if v.Poster.Alt == "" {
		return "Cover poster"
	}
	return v.Poster.Alt
}

type Controller struct {
	session  *Session
	mount    bridge.MountPoint
	title    *bridge.TextBridge
	subtitle *bridge.TextBridge
	poster   *bridge.MapBridge[string]
	presence *bridge.PresenceMonitor
	editor   *bridge.EditorBridge
}

// NewController binds s to local state and mounts the console editor on out.
func NewController(s *Session, out bridge.MountPoint) (*Controller, error) {
	c := &Controller{
		session:  s,
		mount:    out,
		title:    bridge.NewTextBridge(),
		subtitle: bridge.NewTextBridge(),
		poster:   bridge.NewMapBridge[string](),
		presence: bridge.NewPresenceMonitor(),
		editor:   bridge.NewEditorBridge(NewConsoleEditor),
	}
	c.title.Attach(s.Title)
	c.subtitle.Attach(s.Subtitle)
	c.poster.Attach(s.Poster)
	c.presence.Attach(s.Provider)
	if err := c.editor.Mount(out, s.Body, s.Provider.Roster()); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Controller) SetTitle(v string)    { c.title.SetValue(v) }
func (c *Controller) SetSubtitle(v string) { c.subtitle.SetValue(v) }

// SetPoster sets one poster field, protocol.PosterURL or protocol.PosterAlt.
func (c *Controller) SetPoster(key, v string) { c.poster.SetValue(key, v) }

func (c *Controller) RemovePoster(key string) { c.poster.DeleteValue(key) }

func (c *Controller) console() (*ConsoleEditor, error) {
	ed, ok := c.editor.Editor().(*ConsoleEditor)
	if !ok || !c.editor.Ready() {
		return nil, ErrEditorNotReady
	}
	return ed, nil
}

func (c *Controller) SetBody(text string) error {
	ed, err := c.console()
	if err != nil {
		return err
	}
	ed.SetText(text)
	return nil
}

func (c *Controller) Bold(from, n int) error {
	ed, err := c.console()
	if err != nil {
		return err
	}
	ed.Bold(from, n)
	return nil
}

// Key sends a key chord such as "Mod-z" to the editor.
func (c *Controller) Key(chord string) (bool, error) {
	ed, err := c.console()
	if err != nil {
		return false, err
	}
	return ed.Key(chord), nil
}

func (c *Controller) Save() { c.session.Provider.RequestSave() }

// OnChange calls fn whenever anything shown in the view changes.
func (c *Controller) OnChange(fn func()) (off func()) {
	offs := []func(){
		c.title.Subscribe(func(string) { fn() }),
		c.subtitle.Subscribe(func(string) { fn() }),
		c.poster.Subscribe(func(map[string]string) { fn() }),
		c.presence.Subscribe(func(bridge.ConnectionSignal) { fn() }),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

func (c *Controller) View() View {
	sig := c.presence.Signal()
	v := View{
		Connected: sig.Connected,
		Users:     sig.PeerCount,
		Title:     c.title.Value(),
		Subtitle:  c.subtitle.Value(),
	}
	v.Poster.URL, _ = c.poster.Get(protocol.PosterURL)
	v.Poster.Alt, _ = c.poster.Get(protocol.PosterAlt)
	if ed, err := c.console(); err == nil {
		v.Body = ed.Markup()
	}
	return v
}

func (c *Controller) Render(w io.Writer) {
	v := c.View()
	fmt.Fprintf(w, "[%s] %s\n", v.StatusLabel(), v.UsersLabel())
	if v.Poster.URL != "" {
		fmt.Fprintf(w, "Poster: %s (%s)\n", v.Poster.URL, v.PosterAlt())
	}
	fmt.Fprintf(w, "Title: %s\n", v.TitleOrDefault())
	fmt.Fprintf(w, "Subtitle: %s\n", v.SubtitleOrDefault())
	if ed, err := c.console(); err == nil {
		ed.Render(w)
	} else {
		fmt.Fprintln(w, "Loading editor...")
	}
}

// Close unbinds everything. The session stays open.
func (c *Controller) Close() {
	c.editor.Unmount()
	c.presence.Detach()
	c.poster.Detach()
	c.subtitle.Detach()
	c.title.Detach()
}
