// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package archivist

import (
	"os"

	"github.com/nauvoo-io/archivist/frame"
)

// Clock supplies epoch-millisecond timestamps. Abstracted so tests can
// advance time deterministically (spec §8 scenario S5's linger test needs
// this), the same role teacher's hashicorp/raft-wal fills with a plain
// time.Now() call but here made swappable.
type Clock interface {
	NowMs() int64
}

// BlockHandler is the callback an Image's RawPoll invokes once per available
// block, per spec §6. A Recorder implements this to receive the zero-copy
// block path.
type BlockHandler interface {
	OnBlock(sourceFile *os.File, sourceOffset int64, termBuffer []byte, termOffset int32, blockLength int32, sessionId int32, termId int32) error
}

// Image is the minimal upstream transport collaborator the recorder reads
// from (spec §6). The real implementation lives in the transport layer,
// outside this module's scope; RawPoll must preserve the in-order,
// contiguous delivery guarantee described in spec §5.
type Image interface {
	TermBufferLength() int32
	InitialTermId() int32
	MtuLength() int32
	SessionId() int32
	SourceIdentity() string
	Channel() string
	StreamId() int32
	IsClosed() bool

	// RawPoll invokes handler.OnBlock for each available block, up to
	// byteLimit total bytes, and returns the number of bytes delivered.
	RawPoll(handler BlockHandler, byteLimit int32) (int32, error)
}

// FragmentHeader carries the per-frame metadata a cursor must preserve across
// the record/replay round trip (spec §4.5, §9 note on preserving `type`).
type FragmentHeader = frame.Header

// Claim is a reserved writable region of an outbound publication, committed
// atomically. Mirrors the Aeron BufferClaim API referenced in spec §6.
type Claim interface {
	Buffer() []byte
	SetFlags(flags uint8)
	SetReservedValue(v int64)
	SetType(t int32)
	Commit() error
	Abort() error
}

// Publication result sentinels for TryClaim, per spec §6.
const (
	PublicationClosed        int64 = -1
	PublicationNotConnected  int64 = -2
	PublicationBackPressured int64 = -3
	PublicationAdminAction   int64 = -4
)

// Publication is the minimal outbound transport collaborator a replay
// session writes re-framed fragments into (spec §6).
type Publication interface {
	IsConnected() bool
	IsClosed() bool
	// TryClaim reserves length bytes and returns the resulting stream
	// position on success, or one of the Publication* sentinels above.
	TryClaim(length int32, claim Claim) int64
	Close() error
}

// Catalog is the archive-wide recording registry a recording session
// registers with and updates (spec §6). catalog/ ships a concrete
// bbolt-backed implementation.
type Catalog interface {
	AddNewRecording(sessionId, streamId int32, source, channel string, layoutTermBufferLength int32, segmentFileLength int64, mtuLength, initialTermId int32) (recordingId int64, err error)
	UpdateCatalogFromMeta(recordingId int64, d RecordingSummary) error
	RemoveRecordingSession(recordingId int64) error
}

// RecordingSummary is the subset of a descriptor the catalog persists for
// lookups, independent of the descriptor/ package so Catalog implementers
// don't need to import mmap machinery.
type RecordingSummary struct {
	RecordingId       int64
	SessionId         int32
	StreamId          int32
	Source            string
	Channel           string
	TermBufferLength  int32
	SegmentFileLength int64
	MtuLength         int32
	InitialTermId     int32
	StartTime         int64
	EndTime           int64
	InitialPosition   int64
	LastPosition      int64
}

// Notifications is the fire-and-forget notification sink a recording
// session publishes lifecycle events to (spec §6).
type Notifications interface {
	RecordingStarted(recordingId int64, sessionId, streamId int32, source, channel string)
	RecordingProgress(recordingId, initialPosition, lastPosition int64)
	RecordingStopped(recordingId int64)
}

// ControlResponder stands in for the out-of-scope control-message
// codec/dispatcher (spec §1, §7): a replay session sends its OK/error
// response through this, keyed by correlationId.
type ControlResponder interface {
	IsConnected() bool
	SendOk(correlationId int64) error
	SendError(correlationId int64, message string) error
}
