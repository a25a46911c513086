// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package archivist_test

import (
	"sync"

	"github.com/nauvoo-io/archivist"
	"github.com/nauvoo-io/archivist/frame"
	"github.com/nauvoo-io/archivist/position"
)

// buildFrame constructs one on-wire frame: a frame.HeaderLength header
// followed by payload, padded with zero bytes up to the next
// position.FrameAlignment boundary — mirroring how the upstream transport
// lays frames out in its own term buffer. It returns the full padded bytes
// (what a recorder write transfers) and the frame header describing it.
func buildFrame(termId, termOffset int32, payload []byte, flags uint8, reservedValue int64, typ int16) ([]byte, frame.Header) {
	frameLength := int32(frame.HeaderLength + len(payload))
	padded := position.AlignUp(frameLength)

	buf := make([]byte, padded)
	h := frame.Header{
		FrameLength:   frameLength,
		Version:       frame.CurrentVersion,
		Flags:         flags,
		Type:          typ,
		TermOffset:    termOffset,
		SessionId:     0,
		StreamId:      0,
		TermId:        termId,
		ReservedValue: reservedValue,
	}
	frame.WriteHeader(buf, h)
	copy(buf[frame.HeaderLength:], payload)
	return buf, h
}

// manualClock is a deterministic Clock for tests that need to control the
// passage of time (spec §8 scenario S5's linger test).
type manualClock struct {
	mu sync.Mutex
	ms int64
}

func (c *manualClock) NowMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ms
}

func (c *manualClock) Advance(deltaMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ms += deltaMs
}

// fakeImage is a minimal in-memory Image (spec §6) that replays a
// pre-loaded queue of blocks to whatever handler polls it.
type fakeImage struct {
	termBufferLength int32
	initialTermId    int32
	mtuLength        int32
	sessionId        int32
	source           string
	channel          string
	streamId         int32

	blocks []queuedBlock
	closed bool
}

type queuedBlock struct {
	termId     int32
	termOffset int32
	data       []byte
}

func (i *fakeImage) TermBufferLength() int32 { return i.termBufferLength }
func (i *fakeImage) InitialTermId() int32    { return i.initialTermId }
func (i *fakeImage) MtuLength() int32        { return i.mtuLength }
func (i *fakeImage) SessionId() int32        { return i.sessionId }
func (i *fakeImage) SourceIdentity() string  { return i.source }
func (i *fakeImage) Channel() string         { return i.channel }
func (i *fakeImage) StreamId() int32         { return i.streamId }
func (i *fakeImage) IsClosed() bool          { return i.closed && len(i.blocks) == 0 }

func (i *fakeImage) RawPoll(handler archivist.BlockHandler, byteLimit int32) (int32, error) {
	var delivered int32
	for len(i.blocks) > 0 && delivered < byteLimit {
		b := i.blocks[0]
		i.blocks = i.blocks[1:]
		if err := handler.OnBlock(nil, 0, b.data, b.termOffset, int32(len(b.data)), i.sessionId, b.termId); err != nil {
			return delivered, err
		}
		delivered += int32(len(b.data))
	}
	return delivered, nil
}

// fakeClaim is a Claim backed by a plain byte slice, committed into the
// owning fakePublication's ledger.
type fakeClaim struct {
	buf           []byte
	flags         uint8
	reservedValue int64
	typ           int32
	committed     bool
	onCommit      func(fakeClaim)
}

func (c *fakeClaim) Buffer() []byte           { return c.buf }
func (c *fakeClaim) SetFlags(f uint8)         { c.flags = f }
func (c *fakeClaim) SetReservedValue(v int64) { c.reservedValue = v }
func (c *fakeClaim) SetType(t int32)          { c.typ = t }
func (c *fakeClaim) Commit() error {
	c.committed = true
	if c.onCommit != nil {
		c.onCommit(*c)
	}
	return nil
}
func (c *fakeClaim) Abort() error { return nil }

// sentFragment is one committed fragment, recorded for test assertions.
type sentFragment struct {
	payload       []byte
	flags         uint8
	reservedValue int64
	typ           int32
}

// fakePublication is a minimal in-memory outbound Publication (spec §6).
type fakePublication struct {
	connected     bool
	closed        bool
	position      int64
	backPressured bool

	sent []sentFragment
}

func (p *fakePublication) IsConnected() bool { return p.connected && !p.closed }
func (p *fakePublication) IsClosed() bool    { return p.closed }

func (p *fakePublication) TryClaim(length int32, claim archivist.Claim) int64 {
	if p.closed {
		return archivist.PublicationClosed
	}
	if !p.connected {
		return archivist.PublicationNotConnected
	}
	if p.backPressured {
		return 0
	}
	fc, ok := claim.(*fakeClaim)
	if !ok {
		panic("fakePublication.TryClaim: claim is not *fakeClaim")
	}
	fc.buf = make([]byte, length)
	fc.onCommit = func(committed fakeClaim) {
		p.sent = append(p.sent, sentFragment{
			payload:       append([]byte(nil), committed.buf...),
			flags:         committed.flags,
			reservedValue: committed.reservedValue,
			typ:           committed.typ,
		})
	}
	p.position += int64(length)
	return p.position
}

func (p *fakePublication) Close() error {
	p.closed = true
	return nil
}

// fakeCatalog is a minimal in-memory Catalog (spec §6) sufficient to drive a
// RecordingSession in tests without bbolt.
type fakeCatalog struct {
	mu       sync.Mutex
	nextId   int64
	recorded map[int64]archivist.RecordingSummary
	removed  map[int64]bool
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{nextId: 1, recorded: map[int64]archivist.RecordingSummary{}, removed: map[int64]bool{}}
}

func (c *fakeCatalog) AddNewRecording(sessionId, streamId int32, source, channel string, termBufferLength int32, segmentFileLength int64, mtuLength, initialTermId int32) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextId
	c.nextId++
	c.recorded[id] = archivist.RecordingSummary{
		RecordingId: id, SessionId: sessionId, StreamId: streamId, Source: source, Channel: channel,
		TermBufferLength: termBufferLength, SegmentFileLength: segmentFileLength, MtuLength: mtuLength, InitialTermId: initialTermId,
		StartTime: -1, EndTime: -1, InitialPosition: -1, LastPosition: -1,
	}
	return id, nil
}

func (c *fakeCatalog) UpdateCatalogFromMeta(recordingId int64, d archivist.RecordingSummary) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recorded[recordingId] = d
	return nil
}

func (c *fakeCatalog) RemoveRecordingSession(recordingId int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed[recordingId] = true
	return nil
}

// fakeNotifications records fired notifications for assertions.
type fakeNotifications struct {
	mu       sync.Mutex
	started  []int64
	progress []int64
	stopped  []int64
}

func (n *fakeNotifications) RecordingStarted(recordingId int64, sessionId, streamId int32, source, channel string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started = append(n.started, recordingId)
}

func (n *fakeNotifications) RecordingProgress(recordingId, initialPosition, lastPosition int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, lastPosition)
}

func (n *fakeNotifications) RecordingStopped(recordingId int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopped = append(n.stopped, recordingId)
}

// fakeControlResponder records control responses for assertions.
type fakeControlResponder struct {
	connected bool
	oks       []int64
	errs      map[int64]string
}

func newFakeControlResponder() *fakeControlResponder {
	return &fakeControlResponder{connected: true, errs: map[int64]string{}}
}

func (r *fakeControlResponder) IsConnected() bool { return r.connected }

func (r *fakeControlResponder) SendOk(correlationId int64) error {
	r.oks = append(r.oks, correlationId)
	return nil
}

func (r *fakeControlResponder) SendError(correlationId int64, message string) error {
	r.errs[correlationId] = message
	return nil
}
