// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package archivist

import (
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nauvoo-io/archivist/descriptor"
	"github.com/nauvoo-io/archivist/position"
	"github.com/nauvoo-io/archivist/segment"
)

// recorderSettings holds the functional-option-configurable parts of a
// Recorder, following the teacher's walOpt pattern (github.com/dreamsxin/wal
// WAL.applyDefaultsAndValidate).
type recorderSettings struct {
	clock                Clock
	forceWrites          bool
	forceMetadataUpdates bool
	logger               log.Logger
	registerer           prometheus.Registerer
}

// RecorderOption configures a Recorder at construction time.
type RecorderOption func(*recorderSettings)

// WithClock overrides the default SystemClock, primarily for deterministic
// tests (spec §8 scenario S5 needs this).
func WithClock(c Clock) RecorderOption {
	return func(s *recorderSettings) { s.clock = c }
}

// WithForceWrites enables a durable flush of segment data after every
// accepted write (spec §4.4 step 6).
func WithForceWrites(v bool) RecorderOption {
	return func(s *recorderSettings) { s.forceWrites = v }
}

// WithForceMetadataUpdates enables a durable flush of the descriptor's
// memory-mapped page after every live scalar update (spec §4.3).
func WithForceMetadataUpdates(v bool) RecorderOption {
	return func(s *recorderSettings) { s.forceMetadataUpdates = v }
}

// WithLogger overrides the default no-op go-kit logger.
func WithLogger(l log.Logger) RecorderOption {
	return func(s *recorderSettings) { s.logger = l }
}

// WithRegisterer overrides the default prometheus registerer (prometheus.DefaultRegisterer).
func WithRegisterer(r prometheus.Registerer) RecorderOption {
	return func(s *recorderSettings) { s.registerer = r }
}

// RecorderConfig carries the identity and geometry a Recorder is constructed
// with, per spec §4.4.
type RecorderConfig struct {
	RecordingId       int64
	ArchiveDir        string
	TermBufferLength  int32
	SegmentFileLength int64
	InitialTermId     int32
	MtuLength         int32
	SessionId         int32
	StreamId          int32
	Source            string
	Channel           string
}

// Recorder is the stateful writer from spec §4.4: it accepts in-order
// blocks/fragments, rolls segments, and persists metadata. A Recorder is
// driven by exactly one goroutine at a time (spec §5's single-threaded
// cooperative model) and holds no internal lock.
type Recorder struct {
	recordingId int64
	archiveDir  string
	layout      position.Layout

	clock                Clock
	forceWrites          bool
	forceMetadataUpdates bool
	logger               log.Logger
	metrics              *recorderMetrics

	meta        *descriptor.Mapped
	segmentFile *os.File

	recordingPosition  int64 // -1 before the first accepted write
	segmentIndex       int64
	segmentCreatedAtMs int64
	initialPosition    int64 // -1 until the first write
	lastPosition       int64

	stopped bool
	closed  bool
}

// NewRecorder constructs a Recorder, creating the metadata file exclusively
// and writing its initial descriptor (spec §4.4 Construction). The caller
// owns the returned Recorder exclusively for the recording's active life
// (spec §3 Ownership & lifecycle).
func NewRecorder(cfg RecorderConfig, opts ...RecorderOption) (*Recorder, error) {
	layout := position.Layout{
		TermBufferLength:  cfg.TermBufferLength,
		SegmentFileLength: cfg.SegmentFileLength,
		InitialTermId:     cfg.InitialTermId,
	}
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	settings := recorderSettings{
		clock:      SystemClock{},
		logger:     log.NewNopLogger(),
		registerer: prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&settings)
	}

	meta, err := descriptor.Create(segment.MetadataPath(cfg.ArchiveDir, cfg.RecordingId), descriptor.Descriptor{
		RecordingId:       cfg.RecordingId,
		TermBufferLength:  cfg.TermBufferLength,
		SegmentFileLength: cfg.SegmentFileLength,
		MtuLength:         cfg.MtuLength,
		InitialTermId:     cfg.InitialTermId,
		SessionId:         cfg.SessionId,
		StreamId:          cfg.StreamId,
		Source:            cfg.Source,
		Channel:           cfg.Channel,
	}, settings.forceMetadataUpdates, settings.logger)
	if err != nil {
		return nil, fmt.Errorf("archivist: new recorder: %w", err)
	}

	r := &Recorder{
		recordingId:          cfg.RecordingId,
		archiveDir:           cfg.ArchiveDir,
		layout:               layout,
		clock:                settings.clock,
		forceWrites:          settings.forceWrites,
		forceMetadataUpdates: settings.forceMetadataUpdates,
		logger:               settings.logger,
		metrics:              newRecorderMetrics(settings.registerer),
		meta:                 meta,
		recordingPosition:    -1,
		initialPosition:      descriptor.Unset,
		lastPosition:         descriptor.Unset,
	}
	return r, nil
}

// RecordingId returns the recorder's recording id.
func (r *Recorder) RecordingId() int64 { return r.recordingId }

// InitialPosition returns the cached initial position, or -1 if unset.
func (r *Recorder) InitialPosition() int64 { return r.initialPosition }

// LastPosition returns the cached last position, or -1 if no write has
// occurred yet.
func (r *Recorder) LastPosition() int64 { return r.lastPosition }

// SegmentIndex returns the index of the segment currently being written.
func (r *Recorder) SegmentIndex() int64 { return r.segmentIndex }

// RecordingPosition returns the write cursor's offset within the current
// segment.
func (r *Recorder) RecordingPosition() int64 { return r.recordingPosition }

// Descriptor decodes the recorder's own metadata file, giving a caller (a
// recording session updating the catalog, per spec §4.6) the authoritative
// on-disk view rather than the recorder's in-memory cache.
func (r *Recorder) Descriptor() (descriptor.Descriptor, error) {
	return r.meta.Decode()
}

// OnBlock is the zero-copy write path (spec §4.4): it delegates to a
// file-to-file transfer when sourceFile is non-nil, otherwise copies out of
// termBuffer.
func (r *Recorder) OnBlock(sourceFile *os.File, sourceOffset int64, termBuffer []byte, termOffset int32, blockLength int32, sessionId int32, termId int32) error {
	// sessionId is carried for interface parity with spec §6 (BlockHandler);
	// the recorder's own session identity is fixed at construction.
	_ = sessionId
	if err := r.accept(termId, termOffset, blockLength, func() error {
		if sourceFile != nil {
			return r.transferFromFile(sourceFile, sourceOffset, blockLength)
		}
		return r.transferFromBuffer(termBuffer[termOffset : termOffset+blockLength])
	}); err != nil {
		return err
	}
	r.metrics.blocksAccepted.Inc()
	return nil
}

// OnFragment is the single-frame, in-memory write path (spec §4.4).
func (r *Recorder) OnFragment(buffer []byte, offset int32, length int32, header FragmentHeader) error {
	if err := r.accept(header.TermId, header.TermOffset, length, func() error {
		return r.transferFromBuffer(buffer[offset : offset+length])
	}); err != nil {
		return err
	}
	r.metrics.fragmentsAccepted.Inc()
	return nil
}

// accept implements the write state machine from spec §4.4 steps 1-8,
// shared by OnBlock and OnFragment. Both paths run the identical first-write
// bootstrap, fixing the latent pure-fragment-recording bug called out in
// spec §9.
func (r *Recorder) accept(termId int32, termOffset int32, length int32, writeFn func() error) error {
	if r.closed {
		return ErrRecorderClosed
	}

	if !r.layout.FitsInTerm(termOffset, length) {
		r.metrics.writeFailures.WithLabelValues("crosses_term").Inc()
		r.failAndClose()
		return ErrCrossesTerm
	}

	coords := r.layout.Resolve(termId, termOffset)

	if r.recordingPosition == -1 {
		if termId != r.layout.InitialTermId {
			r.metrics.writeFailures.WithLabelValues("out_of_order_start").Inc()
			r.failAndClose()
			return ErrOutOfOrderStart
		}
		if err := r.openSegment(0); err != nil {
			r.metrics.writeFailures.WithLabelValues("io").Inc()
			r.failAndClose()
			return fmt.Errorf("%w: %v", ErrIoFailure, err)
		}
		r.segmentIndex = 0
		r.recordingPosition = int64(termOffset)

		r.initialPosition = r.layout.Position(termId, termOffset)
		r.meta.SetInitialPosition(r.initialPosition)
		r.meta.SetStartTime(r.clock.NowMs())
	} else if coords.SegmentIndex != r.segmentIndex || coords.SegmentOffset != r.recordingPosition {
		r.metrics.writeFailures.WithLabelValues("non_contiguous").Inc()
		r.failAndClose()
		return ErrNonContiguous
	}

	if err := writeFn(); err != nil {
		r.metrics.writeFailures.WithLabelValues("io").Inc()
		r.failAndClose()
		return fmt.Errorf("%w: %v", ErrIoFailure, err)
	}

	if r.forceWrites {
		if err := r.segmentFile.Sync(); err != nil {
			r.metrics.writeFailures.WithLabelValues("io").Inc()
			r.failAndClose()
			return fmt.Errorf("%w: %v", ErrIoFailure, err)
		}
	}

	r.recordingPosition += int64(length)
	r.lastPosition = r.layout.Position(termId, termOffset) + int64(length)
	r.meta.SetLastPosition(r.lastPosition)
	if err := r.meta.Flush(); err != nil {
		r.metrics.writeFailures.WithLabelValues("io").Inc()
		r.failAndClose()
		return fmt.Errorf("%w: %v", ErrIoFailure, err)
	}

	r.metrics.bytesWritten.Add(float64(length))

	if r.recordingPosition == r.layout.SegmentFileLength {
		if err := r.rollSegment(); err != nil {
			r.metrics.writeFailures.WithLabelValues("io").Inc()
			r.failAndClose()
			return fmt.Errorf("%w: %v", ErrIoFailure, err)
		}
	}

	return nil
}

func (r *Recorder) transferFromBuffer(data []byte) error {
	_, err := r.segmentFile.WriteAt(data, r.recordingPosition)
	return err
}

// transferFromFile prefers the kernel copy path: seeking the segment file to
// the write cursor and letting io.Copy engage *os.File.ReadFrom, which uses
// copy_file_range/sendfile when both ends are regular files (spec §9's
// zero-copy block transfer note).
func (r *Recorder) transferFromFile(src *os.File, srcOffset int64, length int32) error {
	if _, err := r.segmentFile.Seek(r.recordingPosition, io.SeekStart); err != nil {
		return err
	}
	n, err := io.Copy(r.segmentFile, io.NewSectionReader(src, srcOffset, int64(length)))
	if err != nil {
		return err
	}
	if n != int64(length) {
		return fmt.Errorf("short transfer: wrote %d of %d bytes", n, length)
	}
	return nil
}

func (r *Recorder) openSegment(index int64) error {
	path := segment.Path(r.archiveDir, r.recordingId, index)
	f, err := segment.Create(path, r.layout.SegmentFileLength, r.logger)
	if err != nil {
		return err
	}
	r.segmentFile = f
	r.segmentCreatedAtMs = r.clock.NowMs()
	return nil
}

func (r *Recorder) rollSegment() error {
	ageSecs := float64(r.clock.NowMs()-r.segmentCreatedAtMs) / 1000.0
	if err := r.segmentFile.Close(); err != nil {
		return err
	}
	r.metrics.lastSegmentAgeSecs.Set(ageSecs)
	r.segmentIndex++
	if err := r.openSegment(r.segmentIndex); err != nil {
		return err
	}
	r.recordingPosition = 0
	r.metrics.segmentRotations.Inc()
	level.Debug(r.logger).Log("msg", "segment rolled", "recordingId", r.recordingId, "segmentIndex", r.segmentIndex)
	return nil
}

// Stop sets endTime and flushes the descriptor (spec §4.4 Stop / close). It
// is a no-op on a recorder that has already stopped.
func (r *Recorder) Stop() error {
	if r.stopped {
		return nil
	}
	r.stopped = true
	r.meta.SetEndTime(r.clock.NowMs())
	return r.meta.ForceFlush()
}

// Close is idempotent: it ensures Stop ran, closes the segment handle, and
// unmaps/closes the metadata file (spec §4.4). An error from any step is
// logged but does not prevent the remaining cleanup from running.
func (r *Recorder) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	var firstErr error
	if err := r.Stop(); err != nil {
		firstErr = err
		level.Error(r.logger).Log("msg", "error stopping recorder", "recordingId", r.recordingId, "err", err)
	}
	if r.segmentFile != nil {
		if err := r.segmentFile.Close(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			level.Error(r.logger).Log("msg", "error closing segment file", "recordingId", r.recordingId, "err", err)
		}
		r.segmentFile = nil
	}
	if err := r.meta.Close(); err != nil {
		if firstErr == nil {
			firstErr = err
		}
		level.Error(r.logger).Log("msg", "error closing metadata file", "recordingId", r.recordingId, "err", err)
	}
	return firstErr
}

// failAndClose transitions the recorder to closed before propagating an
// error, per spec §4.4: "An exception thrown mid-write transitions the
// recorder to closed before propagating."
func (r *Recorder) failAndClose() {
	if err := r.Close(); err != nil {
		level.Error(r.logger).Log("msg", "error during failure close", "recordingId", r.recordingId, "err", err)
	}
}
