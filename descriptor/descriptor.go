// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package descriptor implements the fixed-size recording descriptor record
// from spec §4.3: a versioned, memory-mapped metadata block at the head of
// every recording's metadata file. Four scalar fields (initialPosition,
// lastPosition, startTime, endTime) are updated in place on the live mapping
// as the recorder writes; headerLength and the variable-length source/channel
// strings are written once, at creation.
package descriptor

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"
)

// SchemaVersion is the encoder's current schema version. The encoder is
// append-only: new fields for future schema versions must be added after
// lastPosition and before the variable-length strings, never by reordering
// or removing existing fields.
const SchemaVersion int32 = 1

// MinBlockLength is the minimum size, in bytes, of a descriptor's on-disk
// block, padded so the whole block can be memory-mapped and point-updated.
const MinBlockLength = 4096

// Unset is the sentinel value for startTime, endTime, initialPosition, and
// lastPosition before they are first set, per spec §3.
const Unset int64 = -1

// Fixed-order scalar field offsets. Int64 fields are placed on 8-byte
// boundaries so platform atomic load/store instructions apply directly.
const (
	offHeaderLength      = 0
	offSchemaVersion     = 4
	offRecordingId       = 8
	offInitialTermId     = 16
	offTermBufferLength  = 20
	offSegmentFileLength = 24
	offMtuLength         = 32
	offSessionId         = 36
	offStreamId          = 40
	// offset 44 is reserved padding, keeping offStartTime 8-byte aligned.
	offStartTime       = 48
	offEndTime         = 56
	offInitialPosition = 64
	offLastPosition    = 72

	fixedScalarsLength = 80
)

// Descriptor is the decoded, in-memory form of a recording's metadata.
type Descriptor struct {
	RecordingId       int64
	TermBufferLength  int32
	SegmentFileLength int64
	MtuLength         int32
	InitialTermId     int32
	SessionId         int32
	StreamId          int32
	Source            string
	Channel           string

	StartTime       int64
	EndTime         int64
	InitialPosition int64
	LastPosition    int64
}

// blockLength returns the smallest multiple of MinBlockLength that fits the
// fixed scalar fields plus the two length-prefixed strings.
func blockLength(source, channel string) int64 {
	required := int64(fixedScalarsLength) + 4 + int64(len(source)) + 4 + int64(len(channel))
	n := int64(MinBlockLength)
	for n < required {
		n += MinBlockLength
	}
	return n
}

// encode serialises d into a freshly allocated block of the given length,
// little-endian throughout (matching the teacher's segment/reader.go frame
// index encoding).
func encode(d Descriptor, length int64) []byte {
	b := make([]byte, length)
	binary.LittleEndian.PutUint32(b[offSchemaVersion:], uint32(SchemaVersion))
	binary.LittleEndian.PutUint64(b[offRecordingId:], uint64(d.RecordingId))
	binary.LittleEndian.PutUint32(b[offInitialTermId:], uint32(d.InitialTermId))
	binary.LittleEndian.PutUint32(b[offTermBufferLength:], uint32(d.TermBufferLength))
	binary.LittleEndian.PutUint64(b[offSegmentFileLength:], uint64(d.SegmentFileLength))
	binary.LittleEndian.PutUint32(b[offMtuLength:], uint32(d.MtuLength))
	binary.LittleEndian.PutUint32(b[offSessionId:], uint32(d.SessionId))
	binary.LittleEndian.PutUint32(b[offStreamId:], uint32(d.StreamId))
	binary.LittleEndian.PutUint64(b[offStartTime:], uint64(d.StartTime))
	binary.LittleEndian.PutUint64(b[offEndTime:], uint64(d.EndTime))
	binary.LittleEndian.PutUint64(b[offInitialPosition:], uint64(d.InitialPosition))
	binary.LittleEndian.PutUint64(b[offLastPosition:], uint64(d.LastPosition))

	off := fixedScalarsLength
	binary.LittleEndian.PutUint32(b[off:], uint32(len(d.Source)))
	off += 4
	off += copy(b[off:], d.Source)
	binary.LittleEndian.PutUint32(b[off:], uint32(len(d.Channel)))
	off += 4
	off += copy(b[off:], d.Channel)

	binary.LittleEndian.PutUint32(b[offHeaderLength:], uint32(off))
	return b
}

// decode parses a descriptor block previously written by encode.
func decode(b []byte) (Descriptor, error) {
	if len(b) < fixedScalarsLength {
		return Descriptor{}, fmt.Errorf("descriptor: block too short (%d bytes)", len(b))
	}
	headerLength := int(binary.LittleEndian.Uint32(b[offHeaderLength:]))
	version := int32(binary.LittleEndian.Uint32(b[offSchemaVersion:]))
	if version != SchemaVersion {
		return Descriptor{}, fmt.Errorf("descriptor: unsupported schema version %d", version)
	}
	if headerLength < fixedScalarsLength || headerLength > len(b) {
		return Descriptor{}, fmt.Errorf("descriptor: corrupt header length %d", headerLength)
	}

	d := Descriptor{
		RecordingId:       int64(binary.LittleEndian.Uint64(b[offRecordingId:])),
		InitialTermId:     int32(binary.LittleEndian.Uint32(b[offInitialTermId:])),
		TermBufferLength:  int32(binary.LittleEndian.Uint32(b[offTermBufferLength:])),
		SegmentFileLength: int64(binary.LittleEndian.Uint64(b[offSegmentFileLength:])),
		MtuLength:         int32(binary.LittleEndian.Uint32(b[offMtuLength:])),
		SessionId:         int32(binary.LittleEndian.Uint32(b[offSessionId:])),
		StreamId:          int32(binary.LittleEndian.Uint32(b[offStreamId:])),
		StartTime:         int64(binary.LittleEndian.Uint64(b[offStartTime:])),
		EndTime:           int64(binary.LittleEndian.Uint64(b[offEndTime:])),
		InitialPosition:   int64(binary.LittleEndian.Uint64(b[offInitialPosition:])),
		LastPosition:      int64(binary.LittleEndian.Uint64(b[offLastPosition:])),
	}

	off := fixedScalarsLength
	sourceLen := int(binary.LittleEndian.Uint32(b[off:]))
	off += 4
	if off+sourceLen > len(b) {
		return Descriptor{}, fmt.Errorf("descriptor: corrupt source length %d", sourceLen)
	}
	d.Source = string(b[off : off+sourceLen])
	off += sourceLen

	channelLen := int(binary.LittleEndian.Uint32(b[off:]))
	off += 4
	if off+channelLen > len(b) {
		return Descriptor{}, fmt.Errorf("descriptor: corrupt channel length %d", channelLen)
	}
	d.Channel = string(b[off : off+channelLen])

	return d, nil
}

// Mapped is a writable, memory-mapped descriptor block, exclusively owned by
// one recorder for the life of the recording (spec §3 invariant 6, §9
// ownership notes).
type Mapped struct {
	file                 *os.File
	data                 []byte
	forceMetadataUpdates bool
	logger               log.Logger
}

// Create creates the metadata file exclusively (failing if it already
// exists), maps it read-write, and writes the initial descriptor with
// startTime = initialPosition = lastPosition = endTime = -1, per spec §4.4.
func Create(path string, d Descriptor, forceMetadataUpdates bool, logger log.Logger) (*Mapped, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	d.StartTime = Unset
	d.EndTime = Unset
	d.InitialPosition = Unset
	d.LastPosition = Unset

	length := blockLength(d.Source, d.Channel)
	block := encode(d, length)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("descriptor: create %s: %w", path, err)
	}
	if err := f.Truncate(length); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("descriptor: pre-size %s: %w", path, err)
	}
	if _, err := f.WriteAt(block, 0); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("descriptor: write initial block %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("descriptor: sync initial block %s: %w", path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("descriptor: mmap %s: %w", path, err)
	}

	level.Debug(logger).Log("msg", "descriptor created", "path", path, "recordingId", d.RecordingId, "blockLength", length)
	return &Mapped{file: f, data: data, forceMetadataUpdates: forceMetadataUpdates, logger: logger}, nil
}

func atomicLoadInt64(b []byte, off int) int64 {
	return atomic.LoadInt64((*int64)(unsafe.Pointer(&b[off])))
}

func atomicStoreInt64(b []byte, off int, v int64) {
	atomic.StoreInt64((*int64)(unsafe.Pointer(&b[off])), v)
}

func atomicStoreInt32(b []byte, off int, v int32) {
	atomic.StoreInt32((*int32)(unsafe.Pointer(&b[off])), v)
}

// SetInitialPosition sets initialPosition in place. Spec invariant 1: must be
// called exactly once, on the first accepted block.
func (m *Mapped) SetInitialPosition(v int64) {
	atomicStoreInt64(m.data, offInitialPosition, v)
}

// InitialPosition reads the live initialPosition.
func (m *Mapped) InitialPosition() int64 {
	return atomicLoadInt64(m.data, offInitialPosition)
}

// SetLastPosition sets lastPosition in place. Spec invariant 2: monotonically
// non-decreasing.
func (m *Mapped) SetLastPosition(v int64) {
	atomicStoreInt64(m.data, offLastPosition, v)
}

// LastPosition reads the live lastPosition.
func (m *Mapped) LastPosition() int64 {
	return atomicLoadInt64(m.data, offLastPosition)
}

// SetStartTime sets startTime in place, once, at the first accepted block.
func (m *Mapped) SetStartTime(v int64) {
	atomicStoreInt64(m.data, offStartTime, v)
}

// SetEndTime sets endTime in place, once, at stop().
func (m *Mapped) SetEndTime(v int64) {
	atomicStoreInt64(m.data, offEndTime, v)
}

// EndTime reads the live endTime.
func (m *Mapped) EndTime() int64 {
	return atomicLoadInt64(m.data, offEndTime)
}

// setHeaderLength updates the header-length scalar in place, using the same
// atomic path as the four live-updated scalars. Nothing calls it: Create
// writes the header length as part of the initial encoded block.
func (m *Mapped) setHeaderLength(v int32) {
	atomicStoreInt32(m.data, offHeaderLength, v)
}

// Flush durably persists the mapped page(s) if forceMetadataUpdates is set,
// per spec §4.3 ("each such update is followed by an explicit flush of the
// mapped page iff the recording is configured with forceMetadataUpdates").
func (m *Mapped) Flush() error {
	if !m.forceMetadataUpdates {
		return nil
	}
	return m.sync()
}

// ForceFlush syncs the mapped page unconditionally, regardless of
// forceMetadataUpdates. Used at stop()/close() where a final durable flush
// is required irrespective of the live-update policy.
func (m *Mapped) ForceFlush() error {
	return m.sync()
}

func (m *Mapped) sync() error {
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("descriptor: msync: %w", err)
	}
	return nil
}

// Decode returns a full decoded snapshot of the current descriptor state.
func (m *Mapped) Decode() (Descriptor, error) {
	return decode(m.data)
}

// Close unmaps and closes the metadata file. Idempotent is enforced by the
// caller (recorder.Close); calling Close twice on the same Mapped is not
// safe and is never done.
func (m *Mapped) Close() error {
	var err error
	if m.data != nil {
		if syncErr := m.sync(); syncErr != nil {
			err = syncErr
		}
		if unmapErr := unix.Munmap(m.data); unmapErr != nil && err == nil {
			err = fmt.Errorf("descriptor: munmap: %w", unmapErr)
		}
		m.data = nil
	}
	if closeErr := m.file.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("descriptor: close: %w", closeErr)
	}
	return err
}

// OpenReadOnly opens an independent read-only mapping of a metadata file and
// returns a decoded snapshot, per spec §9: replay sessions (and the catalog)
// never share the recorder's writable mapping, they open their own and copy
// out the scalars they need. Callers tolerate a stale-but-self-consistent
// snapshot if the recorder concurrently advances lastPosition after this
// call returns.
func OpenReadOnly(path string) (Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("descriptor: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Descriptor{}, fmt.Errorf("descriptor: stat %s: %w", path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return Descriptor{}, fmt.Errorf("descriptor: mmap %s: %w", path, err)
	}
	defer unix.Munmap(data)

	return decode(data)
}
