// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package descriptor_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nauvoo-io/archivist/descriptor"
	"github.com/stretchr/testify/require"
)

func sampleDescriptor() descriptor.Descriptor {
	return descriptor.Descriptor{
		RecordingId:       1,
		TermBufferLength:  4096,
		SegmentFileLength: 16384,
		MtuLength:         1408,
		InitialTermId:     7,
		SessionId:         9,
		StreamId:          100,
		Source:            "127.0.0.1:0",
		Channel:           "aeron:udp?endpoint=localhost:40123",
	}
}

func TestCreateThenOpenReadOnlyRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.rec")

	m, err := descriptor.Create(path, sampleDescriptor(), true, nil)
	require.NoError(t, err)
	defer m.Close()

	m.SetStartTime(1000)
	m.SetInitialPosition(0)
	m.SetLastPosition(64)
	require.NoError(t, m.Flush())

	d, err := descriptor.OpenReadOnly(path)
	require.NoError(t, err)
	require.Equal(t, int64(1), d.RecordingId)
	require.Equal(t, int32(4096), d.TermBufferLength)
	require.Equal(t, "127.0.0.1:0", d.Source)
	require.Equal(t, "aeron:udp?endpoint=localhost:40123", d.Channel)
	require.Equal(t, int64(1000), d.StartTime)
	require.Equal(t, int64(0), d.InitialPosition)
	require.Equal(t, int64(64), d.LastPosition)
	require.Equal(t, descriptor.Unset, d.EndTime)
}

func TestCreateFailsIfMetadataFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.rec")

	m, err := descriptor.Create(path, sampleDescriptor(), false, nil)
	require.NoError(t, err)
	defer m.Close()

	_, err = descriptor.Create(path, sampleDescriptor(), false, nil)
	require.Error(t, err)
}

func TestBlockIsPaddedToAtLeastMinBlockLength(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.rec")

	m, err := descriptor.Create(path, sampleDescriptor(), false, nil)
	require.NoError(t, err)
	defer m.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, info.Size(), int64(descriptor.MinBlockLength))

	d, err := descriptor.OpenReadOnly(path)
	require.NoError(t, err)
	require.Equal(t, descriptor.Unset, d.StartTime)
	require.Equal(t, descriptor.Unset, d.InitialPosition)
}

func TestUnsetSentinelsBeforeAnyWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "7.rec")

	m, err := descriptor.Create(path, sampleDescriptor(), false, nil)
	require.NoError(t, err)
	defer m.Close()

	got, err := m.Decode()
	require.NoError(t, err)
	require.Equal(t, descriptor.Unset, got.StartTime)
	require.Equal(t, descriptor.Unset, got.EndTime)
	require.Equal(t, descriptor.Unset, got.InitialPosition)
	require.Equal(t, descriptor.Unset, got.LastPosition)
}
