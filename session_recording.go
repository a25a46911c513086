// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package archivist

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// RecordingSessionState is one state of the §4.6 recording session state
// machine: INIT, RECORDING, INACTIVE, CLOSED.
type RecordingSessionState int

const (
	RecordingInit RecordingSessionState = iota
	RecordingActive
	RecordingInactive
	RecordingClosed
)

func (s RecordingSessionState) String() string {
	switch s {
	case RecordingInit:
		return "INIT"
	case RecordingActive:
		return "RECORDING"
	case RecordingInactive:
		return "INACTIVE"
	case RecordingClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// RecordingSessionConfig carries the geometry and collaborators a
// RecordingSession is constructed with.
type RecordingSessionConfig struct {
	ArchiveDir string
	Image      Image
	Catalog    Catalog
	Notifier   Notifications

	Clock                Clock
	ForceWrites          bool
	ForceMetadataUpdates bool
	Logger               log.Logger
	Registerer           prometheus.Registerer
}

// RecordingSession drives one recording end to end per spec §4.6: a
// single-threaded, doWork()-ticked state machine that registers a recording
// with the catalog, pulls blocks off an Image into a Recorder, and reports
// lifecycle notifications.
//
// Grounded on the teacher's top-level WAL-driving loop, generalized from a
// single long-lived writer into an explicit tick-driven state machine per
// spec §5's cooperative scheduling model.
type RecordingSession struct {
	cfg   RecordingSessionConfig
	state RecordingSessionState

	recordingId int64
	recorder    *Recorder

	abortRequested bool

	// blockByteLimit bounds how many bytes one doWork() tick pulls off the
	// image, keeping each tick short per spec §5.
	blockByteLimit int32
}

// DefaultBlockByteLimit is the per-tick byte budget every RecordingSession
// passes to Image.RawPoll. RecordingSessionConfig has no field to change it.
const DefaultBlockByteLimit int32 = 4 * 1024 * 1024

// NewRecordingSession constructs a session in the INIT state. Nothing is
// registered or opened until the first DoWork call.
func NewRecordingSession(cfg RecordingSessionConfig) *RecordingSession {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	return &RecordingSession{
		cfg:            cfg,
		state:          RecordingInit,
		blockByteLimit: DefaultBlockByteLimit,
	}
}

// State returns the session's current state.
func (s *RecordingSession) State() RecordingSessionState { return s.state }

// RecordingId returns the catalog-assigned recording id, valid once the
// session has left INIT.
func (s *RecordingSession) RecordingId() int64 { return s.recordingId }

// Abort requests a transition to INACTIVE, honoured at the next DoWork call,
// per spec §4.6.
func (s *RecordingSession) Abort() {
	s.abortRequested = true
}

// DoWork advances the state machine by one bounded step, per spec §5's
// doWork() contract: it never blocks and performs a bounded amount of work
// before returning.
func (s *RecordingSession) DoWork() error {
	if s.abortRequested && s.state == RecordingActive {
		s.state = RecordingInactive
	}

	switch s.state {
	case RecordingInit:
		return s.doInit()
	case RecordingActive:
		return s.doRecording()
	case RecordingInactive:
		return s.doInactive()
	case RecordingClosed:
		return nil
	default:
		return fmt.Errorf("archivist: recording session in unknown state %v", s.state)
	}
}

// IsClosed reports whether the session has reached CLOSED and may be
// dropped by the owning conductor.
func (s *RecordingSession) IsClosed() bool { return s.state == RecordingClosed }

func (s *RecordingSession) doInit() error {
	img := s.cfg.Image
	segmentFileLength := s.defaultSegmentFileLength(img.TermBufferLength())
	recordingId, err := s.cfg.Catalog.AddNewRecording(
		img.SessionId(), img.StreamId(), img.SourceIdentity(), img.Channel(),
		img.TermBufferLength(), segmentFileLength, img.MtuLength(), img.InitialTermId(),
	)
	if err != nil {
		level.Error(s.cfg.Logger).Log("msg", "failed to register recording", "err", err)
		s.state = RecordingInactive
		return err
	}
	s.recordingId = recordingId

	rec, err := NewRecorder(RecorderConfig{
		RecordingId:       recordingId,
		ArchiveDir:        s.cfg.ArchiveDir,
		TermBufferLength:  img.TermBufferLength(),
		InitialTermId:     img.InitialTermId(),
		MtuLength:         img.MtuLength(),
		SessionId:         img.SessionId(),
		StreamId:          img.StreamId(),
		Source:            img.SourceIdentity(),
		Channel:           img.Channel(),
		SegmentFileLength: segmentFileLength,
	},
		WithClock(s.cfg.Clock),
		WithForceWrites(s.cfg.ForceWrites),
		WithForceMetadataUpdates(s.cfg.ForceMetadataUpdates),
		WithLogger(s.cfg.Logger),
		WithRegisterer(s.cfg.Registerer),
	)
	if err != nil {
		level.Error(s.cfg.Logger).Log("msg", "failed to construct recorder", "recordingId", recordingId, "err", err)
		s.state = RecordingInactive
		return err
	}
	s.recorder = rec

	if s.cfg.Notifier != nil {
		s.cfg.Notifier.RecordingStarted(recordingId, img.SessionId(), img.StreamId(), img.SourceIdentity(), img.Channel())
	}
	level.Info(s.cfg.Logger).Log("msg", "recording started", "recordingId", recordingId)
	s.state = RecordingActive
	return nil
}

// defaultSegmentFileLength picks the smallest power-of-two multiple of
// termBufferLength at or above 64 term buffers, a sizing choice mirrored
// from the teacher's own default WAL segment sizing (a fixed multiple of
// its minimum record-log unit).
func (s *RecordingSession) defaultSegmentFileLength(termBufferLength int32) int64 {
	const minTerms = 64
	return int64(termBufferLength) * minTerms
}

func (s *RecordingSession) doRecording() error {
	lastPositionBefore := s.recorder.LastPosition()

	_, err := s.cfg.Image.RawPoll(s.recorder, s.blockByteLimit)
	if err != nil {
		level.Error(s.cfg.Logger).Log("msg", "recording failed", "recordingId", s.recordingId, "err", err)
		s.state = RecordingInactive
		return err
	}

	if lastPosition := s.recorder.LastPosition(); lastPosition != lastPositionBefore {
		if s.cfg.Notifier != nil {
			s.cfg.Notifier.RecordingProgress(s.recordingId, s.recorder.InitialPosition(), lastPosition)
		}
	}

	if s.cfg.Image.IsClosed() {
		s.state = RecordingInactive
	}
	return nil
}

func (s *RecordingSession) doInactive() error {
	if err := s.recorder.Stop(); err != nil {
		level.Error(s.cfg.Logger).Log("msg", "error stopping recorder", "recordingId", s.recordingId, "err", err)
	}

	d, err := s.recorder.Descriptor()
	if err != nil {
		level.Error(s.cfg.Logger).Log("msg", "failed to read back descriptor", "recordingId", s.recordingId, "err", err)
	}
	summary := RecordingSummary{
		RecordingId:       s.recordingId,
		SessionId:         d.SessionId,
		StreamId:          d.StreamId,
		Source:            d.Source,
		Channel:           d.Channel,
		TermBufferLength:  d.TermBufferLength,
		SegmentFileLength: d.SegmentFileLength,
		MtuLength:         d.MtuLength,
		InitialTermId:     d.InitialTermId,
		StartTime:         d.StartTime,
		EndTime:           d.EndTime,
		InitialPosition:   d.InitialPosition,
		LastPosition:      d.LastPosition,
	}
	if err := s.cfg.Catalog.UpdateCatalogFromMeta(s.recordingId, summary); err != nil {
		level.Error(s.cfg.Logger).Log("msg", "failed to update catalog", "recordingId", s.recordingId, "err", err)
	}

	if err := s.recorder.Close(); err != nil {
		level.Error(s.cfg.Logger).Log("msg", "error closing recorder", "recordingId", s.recordingId, "err", err)
	}

	if s.cfg.Notifier != nil {
		s.cfg.Notifier.RecordingStopped(s.recordingId)
	}
	level.Info(s.cfg.Logger).Log("msg", "recording stopped", "recordingId", s.recordingId)
	s.state = RecordingClosed
	return nil
}
