package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/zombor/ocr-history/internal/scan"
)

const (
	scansBucket = "scans"
	indexBucket = "scan_ids"
)

var errStoreClosed = errors.New("store is closed")

// subscriber receives snapshots; the one-slot channel always holds the newest
type subscriber struct {
	ch    chan []scan.ScanRecord
	limit int
}

// BoltDB implements scan.RecordStore using BoltDB. Records are keyed by insertion
// sequence so a reverse cursor walk yields newest first.
type BoltDB struct {
	db    *bbolt.DB
	clock func() time.Time

	mu     sync.Mutex
	last   time.Time
	subs   map[*subscriber]struct{}
	closed bool
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	return NewBoltDBWithClock(path, time.Now)
}

// NewBoltDBWithClock creates a BoltDB with a custom clock for testing
func NewBoltDBWithClock(path string, clock func() time.Time) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	var last time.Time
	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		scans, err := tx.CreateBucketIfNotExists([]byte(scansBucket))
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(indexBucket)); err != nil {
			return err
		}
		if _, v := scans.Cursor().Last(); v != nil {
			var rec scan.ScanRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshaling scan: %w", err)
			}
			last = rec.Timestamp
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{
		db:    db,
		clock: clock,
		last:  last,
		subs:  make(map[*subscriber]struct{}),
	}, nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// Insert stores a record, assigning its id and timestamp. Timestamps never go
// backwards even if the clock does.
func (b *BoltDB) Insert(ctx context.Context, rec *scan.ScanRecord) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", errStoreClosed
	}

	ts := b.clock().UTC()
	if ts.Before(b.last) {
		ts = b.last
	}
	id := uuid.NewString()

	err := b.db.Update(func(tx *bbolt.Tx) error {
		scans := tx.Bucket([]byte(scansBucket))
		seq, err := scans.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating sequence: %w", err)
		}
		stored := *rec
		stored.ID = id
		stored.Timestamp = ts
		data, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("marshaling scan: %w", err)
		}
		key := seqKey(seq)
		if err := scans.Put(key, data); err != nil {
			return err
		}
		return tx.Bucket([]byte(indexBucket)).Put([]byte(id), key)
	})
	if err != nil {
		return "", err
	}

	rec.ID = id
	rec.Timestamp = ts
	b.last = ts
	b.notifyLocked()
	return id, nil
}

// Get retrieves a record by ID
func (b *BoltDB) Get(ctx context.Context, id string) (*scan.ScanRecord, error) {
	var rec *scan.ScanRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		key := tx.Bucket([]byte(indexBucket)).Get([]byte(id))
		if key == nil {
			return fmt.Errorf("scan not found: %s", id)
		}
		data := tx.Bucket([]byte(scansBucket)).Get(key)
		if data == nil {
			return fmt.Errorf("scan not found: %s", id)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes a record. Deleting a missing id is not an error.
func (b *BoltDB) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errStoreClosed
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		index := tx.Bucket([]byte(indexBucket))
		key := index.Get([]byte(id))
		if key == nil {
			return nil
		}
		if err := tx.Bucket([]byte(scansBucket)).Delete(key); err != nil {
			return err
		}
		return index.Delete([]byte(id))
	})
	if err != nil {
		return err
	}
	b.notifyLocked()
	return nil
}

// latest returns up to limit records, newest first
func (b *BoltDB) latest(limit int) ([]scan.ScanRecord, error) {
	records := make([]scan.ScanRecord, 0, limit)
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(scansBucket)).Cursor()
		for k, v := c.Last(); k != nil && len(records) < limit; k, v = c.Prev() {
			var rec scan.ScanRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshaling scan: %w", err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Subscribe delivers the newest limit records now and after every change
func (b *BoltDB) Subscribe(ctx context.Context, limit int) (<-chan []scan.ScanRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errStoreClosed
	}

	snapshot, err := b.latest(limit)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	sub := &subscriber{ch: make(chan []scan.ScanRecord, 1), limit: limit}
	sub.ch <- snapshot
	b.subs[sub] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
	}()
	return sub.ch, nil
}

// notifyLocked pushes a fresh snapshot to every subscriber, replacing any
// snapshot they have not read yet
func (b *BoltDB) notifyLocked() {
	snapshots := make(map[int][]scan.ScanRecord)
	for sub := range b.subs {
		snapshot, ok := snapshots[sub.limit]
		if !ok {
			var err error
			snapshot, err = b.latest(sub.limit)
			if err != nil {
				slog.Error("Failed to read history snapshot", "error", err)
				continue
			}
			snapshots[sub.limit] = snapshot
		}
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- snapshot
	}
}

// Close closes the database and ends all subscriptions
func (b *BoltDB) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
	return b.db.Close()
}
