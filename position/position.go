// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package position implements the stream-position arithmetic shared by the
// recorder, the fragment cursor, and the descriptor: mapping a (termId,
// termOffset) pair to a monotonically increasing stream position and to the
// (segmentIndex, segmentOffset) coordinates of a pre-sized segment file.
package position

import "fmt"

// FrameAlignment is the byte alignment every frame (and therefore every
// term/segment offset derived from one) is padded to. Matches the transport's
// own frame alignment so replayed frames land on identical boundaries.
const FrameAlignment = 32

// FrameLengthFieldLength is the size in bytes of the little-endian frame
// length header that precedes every frame's payload on disk.
const FrameLengthFieldLength = 4

// AlignUp rounds length up to the next multiple of FrameAlignment.
func AlignUp(length int32) int32 {
	return (length + (FrameAlignment - 1)) &^ (FrameAlignment - 1)
}

// Layout captures the fixed geometry of a recording needed to convert between
// coordinate systems: the term length, the segment length (a multiple of the
// term length whose quotient is a power of two), and the initial term id that
// serves as the origin for position arithmetic.
type Layout struct {
	TermBufferLength  int32
	SegmentFileLength int64
	InitialTermId     int32
}

// TermsPerSegment returns segmentFileLength / termBufferLength.
func (l Layout) TermsPerSegment() int64 {
	return l.SegmentFileLength / int64(l.TermBufferLength)
}

// termsMask returns termsPerSegment-1, valid because TermsPerSegment is
// required to be a power of two.
func (l Layout) termsMask() int64 {
	return l.TermsPerSegment() - 1
}

// Validate checks the geometry invariants from spec §3: segmentFileLength
// must be a positive multiple of termBufferLength, and the quotient must be
// a power of two.
func (l Layout) Validate() error {
	if l.TermBufferLength <= 0 {
		return fmt.Errorf("position: termBufferLength must be positive, got %d", l.TermBufferLength)
	}
	if l.SegmentFileLength <= 0 || l.SegmentFileLength%int64(l.TermBufferLength) != 0 {
		return fmt.Errorf("position: segmentFileLength %d must be a positive multiple of termBufferLength %d", l.SegmentFileLength, l.TermBufferLength)
	}
	terms := l.TermsPerSegment()
	if terms&(terms-1) != 0 {
		return fmt.Errorf("position: segmentFileLength/termBufferLength (%d) must be a power of two", terms)
	}
	return nil
}

// Position computes the monotonic stream position for (termId, termOffset):
// position = (termId - initialTermId) * termBufferLength + termOffset.
func (l Layout) Position(termId int32, termOffset int32) int64 {
	return int64(termId-l.InitialTermId)*int64(l.TermBufferLength) + int64(termOffset)
}

// Coordinates is the (segmentIndex, segmentOffset) pair a (termId,
// termOffset) resolves to within one recording.
type Coordinates struct {
	SegmentIndex  int64
	SegmentOffset int64
}

// Resolve implements §4.1: termInSegment = (termId - T0) & termsMask;
// segmentOffset = termInSegment*L + termOffset; segmentIndex = (termId - T0)
// / termsPerSegment (plain integer division).
func (l Layout) Resolve(termId int32, termOffset int32) Coordinates {
	termsFromStart := int64(termId - l.InitialTermId)
	termInSegment := termsFromStart & l.termsMask()
	segmentIndex := termsFromStart / l.TermsPerSegment()
	return Coordinates{
		SegmentIndex:  segmentIndex,
		SegmentOffset: termInSegment*int64(l.TermBufferLength) + int64(termOffset),
	}
}

// SegmentIndexForPosition derives the segment a given stream position lives
// in, counting from the recording's first segment (index 0). The first byte
// of a recording is written at offset initialPosition % segmentFileLength of
// segment 0, so the index is
// (streamPosition - initialPosition + initialPosition%segmentFileLength) /
// segmentFileLength rather than streamPosition/segmentFileLength.
func (l Layout) SegmentIndexForPosition(streamPosition, initialPosition int64) int64 {
	return (streamPosition - initialPosition + initialPosition%l.SegmentFileLength) / l.SegmentFileLength
}

// SegmentOffsetForPosition derives the byte offset within its segment that a
// given stream position lands on, using the same first-segment origin as
// SegmentIndexForPosition.
func (l Layout) SegmentOffsetForPosition(streamPosition, initialPosition int64) int64 {
	return (streamPosition - initialPosition + initialPosition%l.SegmentFileLength) % l.SegmentFileLength
}

// FitsInTerm reports whether a write of length starting at termOffset stays
// within a single term, per §4.1's "a block must not straddle a term
// boundary" rule.
func (l Layout) FitsInTerm(termOffset int32, length int32) bool {
	return int64(termOffset)+int64(length) <= int64(l.TermBufferLength)
}
