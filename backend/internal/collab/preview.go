package collab

import (
	"strings"

	"github.com/cloneot/yjs-playground/backend/internal/protocol"
	"github.com/cloneot/yjs-playground/backend/internal/ydoc"
)

// Preview is the plain-text view of a room.
type Preview struct {
	DocID    string            `json:"docId"`
	Revision uint64            `json:"revision"`
	Title    string            `json:"title"`
	Subtitle string            `json:"subtitle"`
	Poster   map[string]string `json:"poster,omitempty"`
	Body     string            `json:"body"`
}

func PreviewOf(docID string, rev uint64, snap ydoc.Snapshot) Preview {
	p := Preview{
		DocID:    docID,
		Revision: rev,
		Title:    snap.Texts[protocol.NameTitle],
		Subtitle: snap.Texts[protocol.NameSubtitle],
	}
	for k, v := range snap.Maps[protocol.NamePoster] {
		if s, ok := v.(string); ok {
			if p.Poster == nil {
				p.Poster = make(map[string]string)
			}
			p.Poster[k] = s
		}
	}
	var body strings.Builder
	for _, run := range snap.Fragments[protocol.NameBody] {
		body.WriteString(run.Text)
	}
	p.Body = body.String()
	return p
}
