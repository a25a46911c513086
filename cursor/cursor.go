// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package cursor implements the fragment cursor from spec §4.5: a
// forward-only, seekable reader over a recording's segment files that walks
// frame-delimited bytes and yields fragments bounded by a requested byte
// length.
//
// Grounded on the teacher's segment.Reader.readFrame/findFrameOffset
// (ReadAt-based, EOF-tolerant frame reads), generalized from the teacher's
// index-offset lookup to raw frame-header walking since this engine's
// segment files hold the original transport frame headers directly rather
// than a separate index block.
package cursor

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nauvoo-io/archivist/descriptor"
	"github.com/nauvoo-io/archivist/frame"
	"github.com/nauvoo-io/archivist/position"
	"github.com/nauvoo-io/archivist/segment"
)

// ErrOpenFailed is returned when a segment file the cursor needs cannot be
// opened. The archivist package wraps this into its own ErrCursorOpenFailed
// when surfacing it to a replay session's control response.
var ErrOpenFailed = errors.New("cursor: failed to open segment file")

// Consumer receives fragments delivered by ControlledPoll. Returning
// more=false pauses polling, preserving the current offset for the next
// call, per spec §4.5 step 3.
type Consumer interface {
	OnFragment(buffer []byte, header frame.Header) (more bool, err error)
}

// ConsumerFunc adapts a plain function to Consumer.
type ConsumerFunc func(buffer []byte, header frame.Header) (bool, error)

// OnFragment implements Consumer.
func (f ConsumerFunc) OnFragment(buffer []byte, header frame.Header) (bool, error) {
	return f(buffer, header)
}

type metrics struct {
	segmentsOpened  prometheus.Counter
	framesDelivered prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		segmentsOpened: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "archivist_cursor_segments_opened_total",
			Help: "Number of segment files opened by replay cursors.",
		}),
		framesDelivered: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "archivist_cursor_frames_delivered_total",
			Help: "Number of fragments delivered by replay cursors.",
		}),
	}
}

// Cursor is a single-threaded, not-restartable reader over one recording's
// bytes in [fromPosition, fromPosition+replayLength).
type Cursor struct {
	archiveDir  string
	recordingId int64
	layout      position.Layout
	initialPos  int64

	file          *os.File
	segmentIndex  int64
	segmentOffset int64
	remaining     int64

	done bool

	headerBuf [frame.HeaderLength]byte
	scratch   []byte

	metrics *metrics
	logger  log.Logger
}

// Open derives the starting (segmentIndex, segmentOffset) for fromPosition
// from d.InitialPosition, counting segments from the one holding the first
// recorded byte (see position.Layout.SegmentIndexForPosition), and opens that
// segment file read-only.
func Open(archiveDir string, d descriptor.Descriptor, fromPosition int64, replayLength int64, reg prometheus.Registerer, logger log.Logger) (*Cursor, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	layout := position.Layout{
		TermBufferLength:  d.TermBufferLength,
		SegmentFileLength: d.SegmentFileLength,
		InitialTermId:     d.InitialTermId,
	}

	c := &Cursor{
		archiveDir:  archiveDir,
		recordingId: d.RecordingId,
		layout:      layout,
		initialPos:  d.InitialPosition,
		remaining:   replayLength,
		metrics:     newMetrics(reg),
		logger:      logger,
	}
	c.segmentIndex = layout.SegmentIndexForPosition(fromPosition, d.InitialPosition)
	c.segmentOffset = layout.SegmentOffsetForPosition(fromPosition, d.InitialPosition)

	if replayLength == 0 {
		c.done = true
		return c, nil
	}

	f, err := segment.Open(segment.Path(archiveDir, d.RecordingId, c.segmentIndex))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	c.file = f
	c.metrics.segmentsOpened.Inc()
	level.Debug(logger).Log("msg", "cursor opened", "recordingId", d.RecordingId, "fromPosition", fromPosition, "replayLength", replayLength, "segmentIndex", c.segmentIndex)
	return c, nil
}

// IsDone reports whether the cursor has nothing left to deliver.
func (c *Cursor) IsDone() bool {
	return c.done || c.remaining <= 0
}

// Close releases the currently open segment file, if any.
func (c *Cursor) Close() error {
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}

// ControlledPoll implements spec §4.5's poll loop: reads up to frameLimit
// frames (or until remaining bytes is exhausted or the consumer pauses
// polling), invoking consumer.OnFragment once per frame.
func (c *Cursor) ControlledPoll(consumer Consumer, frameLimit int) (int, error) {
	delivered := 0
	for delivered < frameLimit && !c.IsDone() {
		more, err := c.pollOne(consumer)
		if err != nil {
			return delivered, err
		}
		if !more {
			break
		}
		delivered++
	}
	return delivered, nil
}

// pollOne reads and delivers exactly one frame, returning more=false if the
// consumer asked to pause or there is nothing left to read.
func (c *Cursor) pollOne(consumer Consumer) (bool, error) {
	if _, err := c.file.ReadAt(c.headerBuf[:], c.segmentOffset); err != nil {
		if errors.Is(err, io.EOF) {
			c.done = true
			return false, nil
		}
		return false, fmt.Errorf("cursor: read frame header: %w", err)
	}

	h, err := frame.ReadHeader(c.headerBuf[:])
	if err != nil {
		return false, fmt.Errorf("cursor: decode frame header: %w", err)
	}
	if h.FrameLength == 0 {
		// No more data has been written at this offset: end of recorded data.
		c.done = true
		return false, nil
	}

	paddedLength := int64(position.AlignUp(h.FrameLength))
	if paddedLength > c.remaining {
		c.done = true
		return false, nil
	}

	dataLength := int(h.FrameLength) - frame.HeaderLength
	if dataLength < 0 {
		return false, fmt.Errorf("cursor: corrupt frame length %d at offset %d", h.FrameLength, c.segmentOffset)
	}
	if cap(c.scratch) < dataLength {
		c.scratch = make([]byte, dataLength)
	}
	c.scratch = c.scratch[:dataLength]
	if dataLength > 0 {
		if _, err := c.file.ReadAt(c.scratch, c.segmentOffset+frame.HeaderLength); err != nil && !errors.Is(err, io.EOF) {
			return false, fmt.Errorf("cursor: read frame payload: %w", err)
		}
	}

	more, err := consumer.OnFragment(c.scratch, h)
	if err != nil {
		return false, err
	}
	if !more {
		// Preserve offset for the next call, per spec §4.5 step 3.
		return false, nil
	}

	c.metrics.framesDelivered.Inc()
	c.segmentOffset += paddedLength
	c.remaining -= paddedLength

	if c.segmentOffset >= c.layout.SegmentFileLength {
		if err := c.file.Close(); err != nil {
			return false, fmt.Errorf("cursor: close segment: %w", err)
		}
		c.segmentIndex++
		c.segmentOffset = 0
		if c.remaining > 0 {
			f, err := segment.Open(segment.Path(c.archiveDir, c.recordingId, c.segmentIndex))
			if err != nil {
				return false, fmt.Errorf("%w: %v", ErrOpenFailed, err)
			}
			c.file = f
			c.metrics.segmentsOpened.Inc()
		} else {
			c.file = nil
			c.done = true
		}
	}

	return true, nil
}
