// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package archivist

import (
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nauvoo-io/archivist/cursor"
	"github.com/nauvoo-io/archivist/descriptor"
	"github.com/nauvoo-io/archivist/frame"
	"github.com/nauvoo-io/archivist/segment"
)

// ReplaySessionState is one state of the §4.7 replay session state machine:
// INIT, REPLAY, LINGER, INACTIVE, CLOSED.
type ReplaySessionState int

const (
	ReplayInit ReplaySessionState = iota
	ReplayActive
	ReplayLinger
	ReplayInactive
	ReplayClosed
)

func (s ReplaySessionState) String() string {
	switch s {
	case ReplayInit:
		return "INIT"
	case ReplayActive:
		return "REPLAY"
	case ReplayLinger:
		return "LINGER"
	case ReplayInactive:
		return "INACTIVE"
	case ReplayClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// LingerLengthMs is the default wait, in milliseconds, the replay session
// grants an outbound publication to connect (in INIT) and to drain
// flow-control state after the cursor is exhausted (in LINGER), per spec
// §4.7/§5.
const LingerLengthMs int64 = 1000

// ReplaySendBatchSize bounds how many fragments one REPLAY tick drains from
// the cursor, per spec §4.7.
const ReplaySendBatchSize = 8

// PublicationFactory builds the outbound replay publication once the
// descriptor is known, per spec §4.7 step 4: framing parameters must come
// from the recorded descriptor so the replayed stream is bit-identical to
// the original.
type PublicationFactory func(fromPosition int64, mtuLength, initialTermId int32, termBufferLength int32) (Publication, error)

// ReplaySessionConfig carries a replay request's parameters (spec §4.7) and
// its collaborators.
type ReplaySessionConfig struct {
	ArchiveDir    string
	RecordingId   int64
	FromPosition  int64
	ReplayLength  int64
	CorrelationId int64

	NewPublication PublicationFactory
	Responder      ControlResponder

	Clock      Clock
	Logger     log.Logger
	Registerer prometheus.Registerer
}

// ReplaySession drives one replay request end to end per spec §4.7: opens a
// descriptor and cursor, waits for an outbound publication to connect, then
// forwards fragments preserving their original framing until the cursor is
// exhausted, lingers, and tears down.
//
// Grounded on the teacher's reader-side WAL.Range consumer loop, generalized
// into an explicit tick-driven state machine with the spec's connect/linger
// timeouts layered on top.
type ReplaySession struct {
	cfg   ReplaySessionConfig
	state ReplaySessionState

	descriptor descriptor.Descriptor
	cursor     *cursor.Cursor
	pub        Publication
	claim      Claim
	metrics    *replayMetrics

	createdAtMs   int64
	lingerSinceMs int64
}

// NewReplaySession constructs a session in the INIT state. Nothing is opened
// until the first DoWork call.
func NewReplaySession(cfg ReplaySessionConfig, claim Claim) *ReplaySession {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	return &ReplaySession{cfg: cfg, state: ReplayInit, claim: claim, metrics: newReplayMetrics(cfg.Registerer)}
}

// State returns the session's current state.
func (s *ReplaySession) State() ReplaySessionState { return s.state }

// IsClosed reports whether the session has reached CLOSED and may be
// dropped by the owning conductor.
func (s *ReplaySession) IsClosed() bool { return s.state == ReplayClosed }

// Descriptor returns the descriptor the session opened in INIT. Valid once
// the session has left INIT without failing.
func (s *ReplaySession) Descriptor() descriptor.Descriptor { return s.descriptor }

// DoWork advances the state machine by one bounded step, per spec §5's
// doWork() contract.
func (s *ReplaySession) DoWork() error {
	switch s.state {
	case ReplayInit:
		return s.doInit()
	case ReplayActive:
		return s.doReplay()
	case ReplayLinger:
		return s.doLinger()
	case ReplayInactive:
		return s.doInactive()
	case ReplayClosed:
		return nil
	default:
		return fmt.Errorf("archivist: replay session in unknown state %v", s.state)
	}
}

func (s *ReplaySession) doInit() error {
	if s.pub != nil {
		// Setup already ran on an earlier tick; only the connect wait remains.
		return s.awaitConnection()
	}
	s.createdAtMs = s.cfg.Clock.NowMs()

	d, err := descriptor.OpenReadOnly(segment.MetadataPath(s.cfg.ArchiveDir, s.cfg.RecordingId))
	if err != nil {
		return s.fail(fmt.Errorf("%w: %v", ErrNotFound, err))
	}
	s.descriptor = d

	if s.cfg.FromPosition < d.InitialPosition {
		return s.fail(fmt.Errorf("%w: fromPosition %d is before initialPosition %d", ErrBeforeStart, s.cfg.FromPosition, d.InitialPosition))
	}
	if s.cfg.FromPosition+s.cfg.ReplayLength > d.LastPosition {
		return s.fail(fmt.Errorf("%w: fromPosition %d + replayLength %d exceeds lastPosition %d", ErrPastEnd, s.cfg.FromPosition, s.cfg.ReplayLength, d.LastPosition))
	}

	c, err := cursor.Open(s.cfg.ArchiveDir, d, s.cfg.FromPosition, s.cfg.ReplayLength, s.cfg.Registerer, s.cfg.Logger)
	if err != nil {
		return s.fail(fmt.Errorf("%w: %v", ErrCursorOpenFailed, err))
	}
	s.cursor = c

	pub, err := s.cfg.NewPublication(s.cfg.FromPosition, d.MtuLength, d.InitialTermId, d.TermBufferLength)
	if err != nil {
		return s.fail(fmt.Errorf("%w: %v", ErrCursorOpenFailed, err))
	}
	s.pub = pub
	return s.awaitConnection()
}

// awaitConnection is the INIT connect wait: it moves to INACTIVE once more
// than LingerLengthMs has passed since the first INIT tick without the
// publication connecting, and on connection sends the OK response and moves
// to REPLAY.
func (s *ReplaySession) awaitConnection() error {
	if !s.pub.IsConnected() {
		if s.cfg.Clock.NowMs()-s.createdAtMs > LingerLengthMs {
			s.state = ReplayInactive
		}
		return nil
	}

	if err := s.sendOk(); err != nil {
		return s.fail(err)
	}
	level.Info(s.cfg.Logger).Log("msg", "replay started", "recordingId", s.cfg.RecordingId, "fromPosition", s.cfg.FromPosition)
	s.state = ReplayActive
	return nil
}

// OnFragment implements cursor.Consumer: it copies one recorded fragment
// into the outbound publication, preserving the original flags and
// reservedValue (spec §9 open question, resolved to also preserve type).
func (s *ReplaySession) OnFragment(buffer []byte, header frame.Header) (bool, error) {
	result := s.pub.TryClaim(int32(len(buffer)), s.claim)
	switch {
	case result == PublicationClosed || result == PublicationNotConnected:
		return false, ErrReplayPeerGone
	case result == PublicationBackPressured || result == PublicationAdminAction || result == 0:
		// No room this tick: pause, preserving the cursor's offset, and
		// retry the same fragment next tick.
		return false, nil
	}

	copy(s.claim.Buffer(), buffer)
	s.claim.SetFlags(header.Flags)
	s.claim.SetReservedValue(header.ReservedValue)
	s.claim.SetType(int32(header.Type))
	if err := s.claim.Commit(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrReplayPeerGone, err)
	}
	s.metrics.fragmentsSent.Inc()
	s.metrics.bytesSent.Add(float64(len(buffer)))
	return true, nil
}

func (s *ReplaySession) doReplay() error {
	_, err := s.cursor.ControlledPoll(s, ReplaySendBatchSize)
	if err != nil {
		return s.fail(err)
	}
	if s.cursor.IsDone() {
		s.lingerSinceMs = s.cfg.Clock.NowMs()
		s.state = ReplayLinger
	}
	return nil
}

func (s *ReplaySession) doLinger() error {
	if s.cfg.Clock.NowMs()-s.lingerSinceMs > LingerLengthMs {
		s.state = ReplayInactive
	}
	return nil
}

func (s *ReplaySession) doInactive() error {
	if s.pub != nil {
		if err := s.pub.Close(); err != nil {
			level.Error(s.cfg.Logger).Log("msg", "error closing replay publication", "recordingId", s.cfg.RecordingId, "err", err)
		}
	}
	if s.cursor != nil {
		if err := s.cursor.Close(); err != nil {
			level.Error(s.cfg.Logger).Log("msg", "error closing cursor", "recordingId", s.cfg.RecordingId, "err", err)
		}
	}
	s.state = ReplayClosed
	return nil
}

// fail sends an error control response (if still connected) and transitions
// to INACTIVE, per spec §4.7's "errors during any state" rule.
func (s *ReplaySession) fail(err error) error {
	level.Error(s.cfg.Logger).Log("msg", "replay session failed", "recordingId", s.cfg.RecordingId, "err", err)
	s.metrics.replaysFailed.WithLabelValues(replayFailureKind(err)).Inc()
	if s.cfg.Responder != nil && s.cfg.Responder.IsConnected() {
		if sendErr := s.cfg.Responder.SendError(s.cfg.CorrelationId, err.Error()); sendErr != nil {
			level.Error(s.cfg.Logger).Log("msg", "failed to send replay error response", "err", sendErr)
		}
	}
	s.state = ReplayInactive
	return err
}

// replayFailureKind labels a replay failure for the replaysFailed counter,
// mirroring recorderMetrics.writeFailures' kind labeling.
func replayFailureKind(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrBeforeStart):
		return "before_start"
	case errors.Is(err, ErrPastEnd):
		return "past_end"
	case errors.Is(err, ErrCursorOpenFailed):
		return "cursor_open_failed"
	case errors.Is(err, ErrReplayPeerGone):
		return "peer_gone"
	default:
		return "io"
	}
}

func (s *ReplaySession) sendOk() error {
	if s.cfg.Responder == nil {
		return nil
	}
	return s.cfg.Responder.SendOk(s.cfg.CorrelationId)
}
