package collab

import "time"

const EventUpdateApplied = "UPDATE_APPLIED"

// DocUpdateEvent is published for every update the relay applied to a room.
type DocUpdateEvent struct {
	EventType   string    `json:"eventType"` // always EventUpdateApplied
	DocID       string    `json:"docId"`
	OperationID string    `json:"operationId"`
	Revision    uint64    `json:"revision"`
	AuthorID    uint64    `json:"authorId"`
	ClientID    uint64    `json:"clientId"`
	Clock       uint64    `json:"clock"` // per-client clock of the update
	Update      []byte    `json:"update"`
	AppliedAt   time.Time `json:"appliedAt"`
}
