// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package segment implements the on-disk file layout for a recording: the
// deterministic metadata/segment filenames (spec §6) and the pre-sized
// creation of segment files (spec §4.2). It holds no framing or position
// logic of its own — that lives in cursor/ and position/ — only the
// filesystem shape every recording shares.
package segment

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// MetadataFileName returns the deterministic metadata file name for a
// recording, per spec §6: "<archiveDir>/<recordingId>.rec".
func MetadataFileName(recordingId int64) string {
	return fmt.Sprintf("%d.rec", recordingId)
}

// FileName returns the deterministic segment file name for
// (recordingId, segmentIndex), per spec §6:
// "<archiveDir>/<recordingId>-<segmentIndex>.rec".
func FileName(recordingId int64, segmentIndex int64) string {
	return fmt.Sprintf("%d-%d.rec", recordingId, segmentIndex)
}

// MetadataPath joins archiveDir with the metadata file name.
func MetadataPath(archiveDir string, recordingId int64) string {
	return filepath.Join(archiveDir, MetadataFileName(recordingId))
}

// Path joins archiveDir with a segment's file name.
func Path(archiveDir string, recordingId int64, segmentIndex int64) string {
	return filepath.Join(archiveDir, FileName(recordingId, segmentIndex))
}

// Create pre-allocates a new segment file of exactly length bytes at path.
// It must fail if path already exists, since a recording must never have two
// writers racing to create the same segment index: it builds the file at a
// ".initializing" temp path, truncates and fsyncs it there, then renames it
// into place, so a crash mid-creation never leaves a partially-sized file
// visible at path (spec §4.2).
func Create(path string, length int64, logger log.Logger) (*os.File, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("segment: create %s: %w", path, os.ErrExist)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("segment: create %s: %w", path, err)
	}

	tempPath := path + ".initializing"
	tf, err := os.OpenFile(tempPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segment: create %s: %w", path, err)
	}
	if err := tf.Truncate(length); err != nil {
		tf.Close()
		os.Remove(tempPath)
		return nil, fmt.Errorf("segment: pre-size %s to %d: %w", path, length, err)
	}
	if err := tf.Sync(); err != nil {
		tf.Close()
		os.Remove(tempPath)
		return nil, fmt.Errorf("segment: fsync %s: %w", path, err)
	}
	if err := tf.Close(); err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("segment: close %s: %w", path, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("segment: rename %s into place: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segment: reopen %s: %w", path, err)
	}
	level.Debug(logger).Log("msg", "segment created", "path", path, "length", length)
	return f, nil
}

// Open opens an existing segment file read-only, for replay.
func Open(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", path, err)
	}
	return f, nil
}
