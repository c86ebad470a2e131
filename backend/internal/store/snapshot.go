package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/klauspost/compress/zstd"
	"gorm.io/gorm"

	"github.com/cloneot/yjs-playground/backend/internal/ydoc"
)

const (
	codecCBOR     = "cbor"
	codecCBORZstd = "cbor+zstd"

	// smaller payloads are stored as plain cbor
	compressThreshold = 512
)

// DocumentSnapshot is one saved revision of a room.
type DocumentSnapshot struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	DocID     string `gorm:"size:128;not null;uniqueIndex:idx_doc_revision"`
	Revision  uint64 `gorm:"not null;uniqueIndex:idx_doc_revision"`
	Codec     string `gorm:"size:16;not null"`
	Data      []byte `gorm:"type:longblob;not null"`
	CreatedAt time.Time
}

func (DocumentSnapshot) TableName() string { return "document_snapshots" }

type SnapshotStore struct {
	db  *gorm.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewSnapshotStore(db *gorm.DB) (*SnapshotStore, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &SnapshotStore{db: db, enc: enc, dec: dec}, nil
}

// SaveSnapshot stores snap as revision rev of docID. Saving the same
// revision twice is not an error.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, docID string, rev uint64, snap ydoc.Snapshot) error {
	codec, data, err := s.encode(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s@%d: %w", docID, rev, err)
	}
	row := DocumentSnapshot{DocID: docID, Revision: rev, Codec: codec, Data: data}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isDuplicate(err) {
			return nil
		}
		return err
	}
	return nil
}

// LatestSnapshot returns the newest saved revision of docID. ok is false when
// the room was never saved.
func (s *SnapshotStore) LatestSnapshot(ctx context.Context, docID string) (snap ydoc.Snapshot, rev uint64, ok bool, err error) {
	var row DocumentSnapshot
	err = s.db.WithContext(ctx).
		Where("doc_id = ?", docID).
		Order("revision DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ydoc.Snapshot{}, 0, false, nil
	}
	if err != nil {
		return ydoc.Snapshot{}, 0, false, err
	}
	snap, err = s.decode(row.Codec, row.Data)
	if err != nil {
		return ydoc.Snapshot{}, 0, false, fmt.Errorf("decode snapshot %s@%d: %w", docID, row.Revision, err)
	}
	return snap, row.Revision, true, nil
}

func (s *SnapshotStore) encode(snap ydoc.Snapshot) (string, []byte, error) {
	raw, err := ydoc.EncodeSnapshot(snap)
	if err != nil {
		return "", nil, err
	}
	if len(raw) < compressThreshold {
		return codecCBOR, raw, nil
	}
	return codecCBORZstd, s.enc.EncodeAll(raw, nil), nil
}

func (s *SnapshotStore) decode(codec string, data []byte) (ydoc.Snapshot, error) {
	switch codec {
	case codecCBOR:
		return ydoc.DecodeSnapshot(data)
	case codecCBORZstd:
		raw, err := s.dec.DecodeAll(data, nil)
		if err != nil {
			return ydoc.Snapshot{}, err
		}
		return ydoc.DecodeSnapshot(raw)
	}
	return ydoc.Snapshot{}, fmt.Errorf("unknown codec %q", codec)
}

func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return true
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
