// Package protocol holds the JSON frames exchanged between the provider and
// the relay. Document payloads are cbor-encoded ydoc values carried as
// base64 strings.
package protocol

const (
	TypeSync      = "sync"      // server -> client: full snapshot of the room
	TypeUpdate    = "update"    // both ways: one encoded ydoc.Update
	TypeAck       = "ack"       // server -> client: the room applied the sender's update ClientID/Clock
	TypeAwareness = "awareness" // client -> server: local presence state
	TypeRoster    = "roster"    // server -> client: every live member with its state
	TypeSave      = "save"      // client -> server: persist the room now
	TypeSaved     = "saved"
	TypeHeartbeat = "heartbeat"
	TypeFeedback  = "feedback"
	TypeError     = "error"
)

// Cursor is a selection in the body, in runes.
type Cursor struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// State is one peer's ephemeral presence: who they are and where their
// cursor is. It is never stored in the document.
type State struct {
	User   string  `json:"user,omitempty"`
	Color  string  `json:"color,omitempty"`
	Cursor *Cursor `json:"cursor,omitempty"`
}

type ClientMessage struct {
	Type     string `json:"type"`
	DocID    string `json:"docId,omitempty"`
	ClientID uint64 `json:"clientId,omitempty"`
	Update   []byte `json:"update,omitempty"`
	State    *State `json:"state,omitempty"`
}

type Member struct {
	ClientID uint64 `json:"clientId"`
	UserID   uint64 `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	State    *State `json:"state,omitempty"`
}

type ServerMessage struct {
	Type     string   `json:"type"`
	DocID    string   `json:"docId,omitempty"`
	Revision uint64   `json:"revision,omitempty"`
	Snapshot []byte   `json:"snapshot,omitempty"`
	Update   []byte   `json:"update,omitempty"`
	AuthorID uint64   `json:"authorId,omitempty"`
	ClientID uint64   `json:"clientId,omitempty"`
	Clock    uint64   `json:"clock,omitempty"`
	Members  []Member `json:"members,omitempty"`
	Content  string   `json:"content,omitempty"`
}

// MessageType lets ServerMessage travel through outbound queues typed by
// interface, as the relay's connections do.
func (m ServerMessage) MessageType() string { return m.Type }
