// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"testing"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/benmathews/bench"
	hdrhistogram_writer "github.com/benmathews/hdrhistogram-writer"
	"github.com/stretchr/testify/require"

	"github.com/nauvoo-io/archivist/cursor"
	"github.com/nauvoo-io/archivist/descriptor"
	"github.com/nauvoo-io/archivist/frame"
	"github.com/nauvoo-io/archivist/segment"
)

// histogramBounds mirror the teacher's own latency expectations for a
// single in-process write: microseconds to low tens of milliseconds.
const (
	histogramMinValue = 1                // 1 nanosecond
	histogramMaxValue = 10 * 1000 * 1000 // 10 milliseconds, in nanoseconds
	histogramSigFigs  = 3
)

var payloadSizes = []int{64, 1024, 16 * 1024}

// BenchmarkOnFragment times Recorder.OnFragment across payload sizes and the
// forceWrites on/off axis, capturing one HdrHistogram per (operation, size)
// cell, per the teacher's own entrySize x variant table shape.
func BenchmarkOnFragment(b *testing.B) {
	for _, size := range payloadSizes {
		for _, forceWrites := range []bool{false, true} {
			variant := "buffered"
			if forceWrites {
				variant = "forceWrites"
			}
			b.Run(fmt.Sprintf("payloadSize=%d/v=%s", size, variant), func(b *testing.B) {
				runFragmentBench(b, size, forceWrites)
			})
		}
	}
}

func runFragmentBench(b *testing.B, payloadSize int, forceWrites bool) {
	r := &fragmentRequester{payloadSize: payloadSize, forceWrites: forceWrites, termId: benchInitialTermId, payload: make([]byte, payloadSize)}
	require.NoError(b, r.Setup())
	defer r.Teardown()

	hist := hdrhistogram.New(histogramMinValue, histogramMaxValue, histogramSigFigs)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		elapsed, err := r.Request()
		if err != nil {
			b.Fatalf("OnFragment: %v", err)
		}
		_ = hist.RecordValue(elapsed.Nanoseconds())
	}
	b.StopTimer()

	writeDistribution(b, hist, "on_fragment", payloadSize)
}

// BenchmarkConcurrentFragmentThroughput drives many independent, concurrent
// recordings (spec §3: many recordings may be active at once, each
// single-threaded on its own) through benmathews/bench's connection-pool
// harness, the direct analogue of the teacher's own load-generation use of
// this library, and reports the merged latency histogram.
func BenchmarkConcurrentFragmentThroughput(b *testing.B) {
	for _, connections := range []uint64{1, 4, 16} {
		b.Run(fmt.Sprintf("connections=%d", connections), func(b *testing.B) {
			factory := &requesterFactory{payloadSize: 256}
			benchmark := bench.NewBenchmark(factory, nil, 0, connections)

			b.ResetTimer()
			hist := benchmark.Run()
			b.StopTimer()

			writeDistribution(b, hist, "concurrent_on_fragment", int(connections))
		})
	}
}

// BenchmarkControlledPoll times cursor.ControlledPoll's per-call replay
// throughput across batch sizes, the replay-side counterpart to
// BenchmarkOnFragment.
func BenchmarkControlledPoll(b *testing.B) {
	for _, frameLimit := range []int{1, 8, 64} {
		b.Run(fmt.Sprintf("frameLimit=%d", frameLimit), func(b *testing.B) {
			dir, d := seedReplayFixture(b, 512)

			hist := hdrhistogram.New(histogramMinValue, histogramMaxValue, histogramSigFigs)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				b.StopTimer()
				c, err := cursor.Open(dir, d, d.InitialPosition, d.LastPosition-d.InitialPosition, nil, nil)
				require.NoError(b, err)
				consumer := &discardConsumer{}
				b.StartTimer()

				start := time.Now()
				for !c.IsDone() {
					if _, err := c.ControlledPoll(consumer, frameLimit); err != nil {
						b.Fatalf("ControlledPoll: %v", err)
					}
				}
				elapsed := time.Since(start)

				b.StopTimer()
				require.NoError(b, c.Close())
				_ = hist.RecordValue(elapsed.Nanoseconds())
			}
			b.StopTimer()

			writeDistribution(b, hist, "controlled_poll", frameLimit)
		})
	}
}

func writeDistribution(b *testing.B, hist *hdrhistogram.Histogram, operation string, size int) {
	b.Helper()
	percentiles := []float64{50, 90, 99, 99.9}
	path := distributionFilePath(operation, size)
	if err := hdrhistogram_writer.WriteDistributionFile(hist, &percentiles, 1, path); err != nil {
		b.Logf("warning: could not write histogram distribution to %s: %v", path, err)
	}
}

// seedReplayFixture records fragmentCount fragments of payloadSize bytes
// each into a fresh recording, closes it, and returns the archive directory
// and decoded descriptor a cursor needs to replay it.
func seedReplayFixture(b *testing.B, payloadSize int) (string, descriptor.Descriptor) {
	b.Helper()
	const fragmentCount = 64

	r, dir, err := newBenchRecorder(2, false)
	require.NoError(b, err)

	payload := make([]byte, payloadSize)
	var termId, termOffset int32 = benchInitialTermId, 0
	for i := 0; i < fragmentCount; i++ {
		buf, h := buildFragment(termId, termOffset, payload)
		require.NoError(b, r.OnFragment(buf, 0, int32(len(buf)), h))
		termOffset += int32(len(buf))
		if termOffset >= benchTermBufferLength {
			termOffset = 0
			termId++
		}
	}
	require.NoError(b, r.Close())

	d, err := descriptor.OpenReadOnly(segment.MetadataPath(dir, 2))
	require.NoError(b, err)
	return dir, d
}

// discardConsumer accepts every fragment ControlledPoll delivers without
// doing anything with it, isolating pure replay-read cost from any
// downstream transport-write cost.
type discardConsumer struct{}

func (discardConsumer) OnFragment(buffer []byte, header frame.Header) (bool, error) {
	return true, nil
}
