// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package frame decodes the transport's data-frame header embedded in every
// recorded byte range. The recorder treats these bytes as opaque payload; the
// cursor must parse them to walk frame-by-frame and to hand callers the
// original flags/type/reservedValue on replay (spec §4.5, §9).
//
// Layout matches the Aeron data frame header used by the transport this
// engine archives (grounded on the DataFrameHeader field offsets in the
// lirm/aeron-go term appender): a 32-byte header of
// frameLength(int32) | version(int8) | flags(uint8) | type(int16) |
// termOffset(int32) | sessionId(int32) | streamId(int32) | termId(int32) |
// reservedValue(int64).
package frame

import (
	"encoding/binary"
	"fmt"
)

// HeaderLength is the fixed size, in bytes, of one frame header.
const HeaderLength = 32

// Field offsets within a frame header.
const (
	FrameLengthFieldOffset   = 0
	VersionFieldOffset       = 4
	FlagsFieldOffset         = 5
	TypeFieldOffset          = 6
	TermOffsetFieldOffset    = 8
	SessionIdFieldOffset     = 12
	StreamIdFieldOffset      = 16
	TermIdFieldOffset        = 20
	ReservedValueFieldOffset = 24
)

// CurrentVersion is the only frame header version this engine understands.
const CurrentVersion uint8 = 0

// TypeData is the frame type value for ordinary data frames (as opposed to
// padding frames).
const TypeData int16 = 1

const TypePad int16 = 0

// Header is the decoded form of one frame header.
type Header struct {
	FrameLength   int32
	Version       uint8
	Flags         uint8
	Type          int16
	TermOffset    int32
	SessionId     int32
	StreamId      int32
	TermId        int32
	ReservedValue int64
}

// ReadHeader parses a frame header from the first HeaderLength bytes of b.
func ReadHeader(b []byte) (Header, error) {
	if len(b) < HeaderLength {
		return Header{}, fmt.Errorf("frame: buffer too short for header (%d bytes)", len(b))
	}
	return Header{
		FrameLength:   int32(binary.LittleEndian.Uint32(b[FrameLengthFieldOffset:])),
		Version:       b[VersionFieldOffset],
		Flags:         b[FlagsFieldOffset],
		Type:          int16(binary.LittleEndian.Uint16(b[TypeFieldOffset:])),
		TermOffset:    int32(binary.LittleEndian.Uint32(b[TermOffsetFieldOffset:])),
		SessionId:     int32(binary.LittleEndian.Uint32(b[SessionIdFieldOffset:])),
		StreamId:      int32(binary.LittleEndian.Uint32(b[StreamIdFieldOffset:])),
		TermId:        int32(binary.LittleEndian.Uint32(b[TermIdFieldOffset:])),
		ReservedValue: int64(binary.LittleEndian.Uint64(b[ReservedValueFieldOffset:])),
	}, nil
}

// WriteHeader serialises h into the first HeaderLength bytes of b.
func WriteHeader(b []byte, h Header) {
	binary.LittleEndian.PutUint32(b[FrameLengthFieldOffset:], uint32(h.FrameLength))
	b[VersionFieldOffset] = h.Version
	b[FlagsFieldOffset] = h.Flags
	binary.LittleEndian.PutUint16(b[TypeFieldOffset:], uint16(h.Type))
	binary.LittleEndian.PutUint32(b[TermOffsetFieldOffset:], uint32(h.TermOffset))
	binary.LittleEndian.PutUint32(b[SessionIdFieldOffset:], uint32(h.SessionId))
	binary.LittleEndian.PutUint32(b[StreamIdFieldOffset:], uint32(h.StreamId))
	binary.LittleEndian.PutUint32(b[TermIdFieldOffset:], uint32(h.TermId))
	binary.LittleEndian.PutUint64(b[ReservedValueFieldOffset:], uint64(h.ReservedValue))
}
