// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package archivist implements the recording and replay engine: the
// recorder write state machine (spec §4.4), the recording session (§4.6),
// and the replay session (§4.7). On-disk layout, descriptor encoding, and
// frame-walking live in the position/, segment/, descriptor/, and cursor/
// sub-packages; this package wires them into the two session state machines
// a dispatcher drives.
package archivist

import "errors"

// Sentinel errors for the §7 error taxonomy. Callers distinguish kinds with
// errors.Is, never type assertions.
var (
	// ErrOutOfOrderStart is returned when the first block delivered to a
	// recorder does not start at the recorder's initialTermId.
	ErrOutOfOrderStart = errors.New("archivist: first block term id does not match initialTermId")

	// ErrNonContiguous is returned when an accepted write's computed segment
	// offset does not match the recorder's current write cursor.
	ErrNonContiguous = errors.New("archivist: write is not contiguous with the recording")

	// ErrCrossesTerm is returned when termOffset+length would cross a term
	// boundary.
	ErrCrossesTerm = errors.New("archivist: write crosses a term boundary")

	// ErrIoFailure wraps any disk I/O error encountered by the recorder; it
	// is always wrapped with the underlying error via %w. The cursor reports
	// its read errors with its own messages instead.
	ErrIoFailure = errors.New("archivist: I/O failure")

	// ErrRecorderClosed is returned by any recorder write method once the
	// recorder has transitioned to its closed state, including when closed
	// due to a prior error.
	ErrRecorderClosed = errors.New("archivist: recorder is closed")

	// ErrNotFound is returned when a replay target's descriptor is missing.
	ErrNotFound = errors.New("archivist: recording not found")

	// ErrBeforeStart is returned when a replay's fromPosition precedes the
	// recording's initialPosition.
	ErrBeforeStart = errors.New("archivist: replay fromPosition precedes initialPosition")

	// ErrPastEnd is returned when fromPosition+replayLength exceeds the
	// recording's lastPosition.
	ErrPastEnd = errors.New("archivist: replay range exceeds lastPosition")

	// ErrCursorOpenFailed is returned when the cursor cannot open the segment
	// file it needs to begin replay.
	ErrCursorOpenFailed = errors.New("archivist: failed to open replay cursor")

	// ErrReplayPeerGone is returned when the outbound publication closes or
	// disconnects mid-replay.
	ErrReplayPeerGone = errors.New("archivist: replay peer disconnected")
)
