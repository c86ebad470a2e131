package ydoc

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/cloneot/yjs-playground/backend/internal/ot/delta"
)

type ChangeKind string

const (
	KindText     ChangeKind = "text"
	KindMap      ChangeKind = "map"
	KindFragment ChangeKind = "fragment"
)

// Change is one mutation of one named shared type.
type Change struct {
	Type    ChangeKind  `cbor:"t" json:"type"`
	Name    string      `cbor:"n" json:"name"`
	Delta   delta.Delta `cbor:"d,omitempty" json:"delta,omitempty"` // text / fragment
	Key     string      `cbor:"k,omitempty" json:"key,omitempty"`   // map
	Value   any         `cbor:"v" json:"value,omitempty"`
	Deleted bool        `cbor:"x,omitempty" json:"deleted,omitempty"`
}

// Update is the unit of replication: one local transaction, stamped with the
// author's client id and a per-client clock that starts at zero.
type Update struct {
	ClientID uint64   `cbor:"c" json:"clientId"`
	Clock    uint64   `cbor:"k" json:"clock"`
	Changes  []Change `cbor:"ch" json:"changes"`
}

// Snapshot is the full state of a document plus the clocks it reflects.
type Snapshot struct {
	StateVector map[uint64]uint64         `cbor:"sv"`
	Texts       map[string]string         `cbor:"tx,omitempty"`
	Maps        map[string]map[string]any `cbor:"mp,omitempty"`
	Fragments   map[string][]Run          `cbor:"fr,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

func EncodeUpdate(u Update) ([]byte, error) {
	return encMode.Marshal(u)
}

func DecodeUpdate(b []byte) (Update, error) {
	var u Update
	if err := decMode.Unmarshal(b, &u); err != nil {
		return Update{}, fmt.Errorf("decode update: %w", err)
	}
	return u, nil
}

func EncodeSnapshot(s Snapshot) ([]byte, error) {
	return encMode.Marshal(s)
}

func DecodeSnapshot(b []byte) (Snapshot, error) {
	var s Snapshot
	if err := decMode.Unmarshal(b, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}
