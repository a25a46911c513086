// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Command bench is a throughput/latency harness for the archive engine,
// grounded on the teacher's own bench/bench_test.go two-variant b.Run
// comparison table (entrySize/batchSize x v=WAL/v=Bolt), adapted to this
// domain's natural two-variant axis: forceWrites on vs off for the write
// path, and frame batch size for replay.
//
// Unlike the teacher's shared-store comparison, each simulated connection
// here owns its own Recorder: the recorder is single-threaded by contract
// (spec §5), so concurrency is modeled as many independent recordings
// rather than many writers on one.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/benmathews/bench"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nauvoo-io/archivist"
	"github.com/nauvoo-io/archivist/frame"
	"github.com/nauvoo-io/archivist/position"
)

const (
	benchTermBufferLength  int32 = 64 * 1024
	benchSegmentFileLength int64 = 4 * int64(benchTermBufferLength)
	benchInitialTermId     int32 = 1
)

// buildFragment constructs one on-wire frame exactly as the transport would
// hand it to a recorder: a header followed by payload, padded to the next
// frame-alignment boundary.
func buildFragment(termId, termOffset int32, payload []byte) ([]byte, frame.Header) {
	frameLength := int32(frame.HeaderLength + len(payload))
	padded := position.AlignUp(frameLength)

	buf := make([]byte, padded)
	h := frame.Header{
		FrameLength: frameLength,
		Version:     frame.CurrentVersion,
		Type:        frame.TypeData,
		TermOffset:  termOffset,
		TermId:      termId,
	}
	frame.WriteHeader(buf, h)
	copy(buf[frame.HeaderLength:], payload)
	return buf, h
}

// newBenchRecorder creates a fresh Recorder under its own temp archive
// directory so each simulated connection writes in isolation.
func newBenchRecorder(recordingId int64, forceWrites bool) (*archivist.Recorder, string, error) {
	dir, err := os.MkdirTemp("", fmt.Sprintf("archivist-bench-%d-*", recordingId))
	if err != nil {
		return nil, "", err
	}
	opts := []archivist.RecorderOption{archivist.WithRegisterer(prometheus.NewRegistry())}
	if forceWrites {
		opts = append(opts, archivist.WithForceWrites(true))
	}
	r, err := archivist.NewRecorder(archivist.RecorderConfig{
		RecordingId:       recordingId,
		ArchiveDir:        dir,
		TermBufferLength:  benchTermBufferLength,
		SegmentFileLength: benchSegmentFileLength,
		InitialTermId:     benchInitialTermId,
		MtuLength:         1408,
		SessionId:         1,
		StreamId:          1,
		Source:            "127.0.0.1:0",
		Channel:           "aeron:udp?endpoint=localhost:40123",
	}, opts...)
	if err != nil {
		os.RemoveAll(dir)
		return nil, "", err
	}
	return r, dir, nil
}

// fragmentRequester drives repeated OnFragment calls against one isolated
// Recorder, walking termOffset/termId forward and rolling to the next term
// (spec §4.1) once the current one fills. It implements benmathews/bench's
// Requester interface.
type fragmentRequester struct {
	payloadSize int
	forceWrites bool

	rec        *archivist.Recorder
	dir        string
	termId     int32
	termOffset int32
	payload    []byte
}

// requesterFactory hands out one fragmentRequester per simulated connection.
type requesterFactory struct {
	payloadSize int
	forceWrites bool
}

func (f *requesterFactory) GetRequester(number uint64) bench.Requester {
	return &fragmentRequester{
		payloadSize: f.payloadSize,
		forceWrites: f.forceWrites,
		termId:      benchInitialTermId,
		payload:     make([]byte, f.payloadSize),
	}
}

func (r *fragmentRequester) Setup() error {
	rec, dir, err := newBenchRecorder(1, r.forceWrites)
	if err != nil {
		return err
	}
	r.rec = rec
	r.dir = dir
	return nil
}

func (r *fragmentRequester) Request() (time.Duration, error) {
	if gap := benchTermBufferLength - r.termOffset; gap < position.AlignUp(int32(frame.HeaderLength+len(r.payload))) {
		// The next fragment would cross the term: fill the rest of the term
		// (untimed) so the next term's first write stays contiguous.
		fill, fh := buildFragment(r.termId, r.termOffset, make([]byte, gap-frame.HeaderLength))
		if err := r.rec.OnFragment(fill, 0, int32(len(fill)), fh); err != nil {
			return 0, err
		}
		r.termOffset = 0
		r.termId++
	}
	buf, h := buildFragment(r.termId, r.termOffset, r.payload)

	start := time.Now()
	err := r.rec.OnFragment(buf, 0, int32(len(buf)), h)
	elapsed := time.Since(start)

	r.termOffset += int32(len(buf))
	if r.termOffset >= benchTermBufferLength {
		r.termOffset = 0
		r.termId++
	}
	return elapsed, err
}

func (r *fragmentRequester) Teardown() error {
	defer os.RemoveAll(r.dir)
	return r.rec.Close()
}

// distributionFilePath names the per-(operation,size) histogram output file
// the way hdrhistogram-writer expects to receive one: a plain path under
// os.TempDir().
func distributionFilePath(operation string, size int) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("archivist-bench-%s-%d.hgrm", operation, size))
}
