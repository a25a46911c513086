// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package catalog implements the archive-wide recording registry from spec
// §6 (the Catalog contract) on top of a single bbolt database file: one
// durable bucket keyed by recordingId, plus a read-mostly in-memory index
// kept as an immutable.SortedMap snapshot so lookups never contend with the
// writer.
//
// Grounded on the teacher's own state-snapshot pattern in wal.go (an
// atomic.Value holding an *immutable.SortedMap[uint64, segmentState],
// replaced wholesale under a single writer mutex on every mutation) adapted
// from an in-memory-only index to one backed by bbolt for durability across
// restarts.
package catalog

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/immutable"
	"go.etcd.io/bbolt"

	"github.com/nauvoo-io/archivist"
)

var recordingsBucket = []byte("recordings")

// Catalog is a bbolt-backed implementation of archivist.Catalog.
type Catalog struct {
	db *bbolt.DB

	// index is an atomic snapshot of recordingId -> RecordingSummary,
	// replaced wholesale under writeMu on every mutation so concurrent
	// readers never block or observe a partial update.
	index atomic.Value // *immutable.SortedMap[int64, archivist.RecordingSummary]

	writeMu sync.Mutex
	nextId  int64
}

// int64Comparer orders recordingIds for immutable.SortedMap.
type int64Comparer struct{}

func (int64Comparer) Compare(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Open opens (creating if necessary) a bbolt database at path and loads its
// existing recordings into the in-memory index.
func Open(path string) (*Catalog, error) {
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}

	idx := immutable.NewSortedMap[int64, archivist.RecordingSummary](int64Comparer{})
	var maxId int64

	err = db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(recordingsBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var s archivist.RecordingSummary
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("catalog: decode recording %x: %w", k, err)
			}
			idx = idx.Set(s.RecordingId, s)
			if s.RecordingId > maxId {
				maxId = s.RecordingId
			}
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: load %s: %w", path, err)
	}

	c := &Catalog{db: db, nextId: maxId}
	c.index.Store(idx)
	return c, nil
}

// Close closes the underlying bbolt database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) snapshot() *immutable.SortedMap[int64, archivist.RecordingSummary] {
	return c.index.Load().(*immutable.SortedMap[int64, archivist.RecordingSummary])
}

// AddNewRecording implements archivist.Catalog: it allocates the next
// recordingId, persists an initial summary (unset positions/timestamps,
// matching descriptor.Unset), and returns the id.
func (c *Catalog) AddNewRecording(sessionId, streamId int32, source, channel string, termBufferLength int32, segmentFileLength int64, mtuLength, initialTermId int32) (int64, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.nextId++
	recordingId := c.nextId

	summary := archivist.RecordingSummary{
		RecordingId:       recordingId,
		SessionId:         sessionId,
		StreamId:          streamId,
		Source:            source,
		Channel:           channel,
		TermBufferLength:  termBufferLength,
		SegmentFileLength: segmentFileLength,
		MtuLength:         mtuLength,
		InitialTermId:     initialTermId,
		StartTime:         -1,
		EndTime:           -1,
		InitialPosition:   -1,
		LastPosition:      -1,
	}

	if err := c.persist(summary); err != nil {
		c.nextId--
		return 0, err
	}

	c.index.Store(c.snapshot().Set(recordingId, summary))
	return recordingId, nil
}

// UpdateCatalogFromMeta implements archivist.Catalog: it overwrites the
// stored summary for recordingId with the caller's (typically a freshly
// decoded descriptor, per spec §4.6).
func (c *Catalog) UpdateCatalogFromMeta(recordingId int64, summary archivist.RecordingSummary) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	summary.RecordingId = recordingId
	if err := c.persist(summary); err != nil {
		return err
	}
	c.index.Store(c.snapshot().Set(recordingId, summary))
	return nil
}

// RemoveRecordingSession implements archivist.Catalog: it deletes the
// recording's entry entirely.
func (c *Catalog) RemoveRecordingSession(recordingId int64) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	err := c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(recordingsBucket).Delete(encodeKey(recordingId))
	})
	if err != nil {
		return fmt.Errorf("catalog: remove recording %d: %w", recordingId, err)
	}
	c.index.Store(c.snapshot().Delete(recordingId))
	return nil
}

// Lookup returns the stored summary for recordingId, per spec §6's implicit
// "the catalog ensures a recording has at most one live recorder" lookup
// need (used by a replay dispatcher resolving a recordingId before opening
// a cursor).
func (c *Catalog) Lookup(recordingId int64) (archivist.RecordingSummary, bool) {
	return c.snapshot().Get(recordingId)
}

// Len returns the number of recordings currently in the catalog.
func (c *Catalog) Len() int {
	return c.snapshot().Len()
}

func (c *Catalog) persist(summary archivist.RecordingSummary) error {
	b, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("catalog: encode recording %d: %w", summary.RecordingId, err)
	}
	err = c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(recordingsBucket).Put(encodeKey(summary.RecordingId), b)
	})
	if err != nil {
		return fmt.Errorf("catalog: persist recording %d: %w", summary.RecordingId, err)
	}
	return nil
}

func encodeKey(recordingId int64) []byte {
	return []byte(fmt.Sprintf("%020d", recordingId))
}
