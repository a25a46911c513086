// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package position_test

import (
	"testing"

	"github.com/nauvoo-io/archivist/position"
	"github.com/stretchr/testify/require"
)

func testLayout() position.Layout {
	return position.Layout{
		TermBufferLength:  4096,
		SegmentFileLength: 16384, // 4 terms/segment
		InitialTermId:     7,
	}
}

func TestValidateRejectsNonPowerOfTwoTermsPerSegment(t *testing.T) {
	l := position.Layout{TermBufferLength: 4096, SegmentFileLength: 4096 * 3, InitialTermId: 0}
	require.Error(t, l.Validate())
}

func TestValidateRejectsNonMultiple(t *testing.T) {
	l := position.Layout{TermBufferLength: 4096, SegmentFileLength: 5000, InitialTermId: 0}
	require.Error(t, l.Validate())
}

func TestValidateAccepts(t *testing.T) {
	require.NoError(t, testLayout().Validate())
}

func TestResolveFirstTerm(t *testing.T) {
	l := testLayout()
	c := l.Resolve(7, 0)
	require.Equal(t, int64(0), c.SegmentIndex)
	require.Equal(t, int64(0), c.SegmentOffset)
}

func TestResolveAcrossSegment(t *testing.T) {
	l := testLayout()
	// term 11 is the 5th term (index 4) from initialTermId 7 -> segment 1, term-in-segment 0.
	c := l.Resolve(11, 128)
	require.Equal(t, int64(1), c.SegmentIndex)
	require.Equal(t, int64(128), c.SegmentOffset)
}

func TestPositionMonotonic(t *testing.T) {
	l := testLayout()
	require.Equal(t, int64(0), l.Position(7, 0))
	require.Equal(t, int64(4096), l.Position(8, 0))
	require.Equal(t, int64(4160), l.Position(8, 64))
}

func TestFitsInTerm(t *testing.T) {
	l := testLayout()
	require.True(t, l.FitsInTerm(4000, 96))
	require.False(t, l.FitsInTerm(4000, 97))
}

func TestSegmentIndexForPositionRelativeToInitial(t *testing.T) {
	l := testLayout()
	// initialPosition not segment-aligned: first write started mid-segment,
	// at offset 4096 of segment 0, so segment 0 still ends at position 16384.
	initialPosition := int64(4096)
	require.Equal(t, int64(0), l.SegmentIndexForPosition(4096, initialPosition))
	require.Equal(t, int64(0), l.SegmentIndexForPosition(16383, initialPosition))
	require.Equal(t, int64(1), l.SegmentIndexForPosition(16384, initialPosition))
}

func TestAlignUp(t *testing.T) {
	require.Equal(t, int32(32), position.AlignUp(1))
	require.Equal(t, int32(32), position.AlignUp(32))
	require.Equal(t, int32(64), position.AlignUp(33))
}
