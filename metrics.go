// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package archivist

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// recorderMetrics mirrors the teacher's walMetrics: one prometheus counter
// or gauge per notable recorder event, constructed once per recorder via
// promauto.With(reg) so callers can supply their own registry in tests.
type recorderMetrics struct {
	blocksAccepted     prometheus.Counter
	fragmentsAccepted  prometheus.Counter
	bytesWritten       prometheus.Counter
	segmentRotations   prometheus.Counter
	writeFailures      *prometheus.CounterVec
	lastSegmentAgeSecs prometheus.Gauge
}

func newRecorderMetrics(reg prometheus.Registerer) *recorderMetrics {
	return &recorderMetrics{
		blocksAccepted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "archivist_recorder_blocks_accepted_total",
			Help: "Number of blocks accepted via the zero-copy OnBlock path.",
		}),
		fragmentsAccepted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "archivist_recorder_fragments_accepted_total",
			Help: "Number of fragments accepted via the OnFragment path.",
		}),
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "archivist_recorder_bytes_written_total",
			Help: "Total bytes appended to segment files.",
		}),
		segmentRotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "archivist_recorder_segment_rotations_total",
			Help: "Number of times the recorder rolled to a new segment file.",
		}),
		writeFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "archivist_recorder_write_failures_total",
			Help: "Write failures categorized by error kind.",
		}, []string{"kind"}),
		lastSegmentAgeSecs: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "archivist_recorder_last_segment_age_seconds",
			Help: "Age in seconds of the most recently rolled segment when it was sealed.",
		}),
	}
}

// replayMetrics mirrors recorderMetrics for the replay session's counters.
type replayMetrics struct {
	fragmentsSent prometheus.Counter
	bytesSent     prometheus.Counter
	replaysFailed *prometheus.CounterVec
}

func newReplayMetrics(reg prometheus.Registerer) *replayMetrics {
	return &replayMetrics{
		fragmentsSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "archivist_replay_fragments_sent_total",
			Help: "Number of fragments republished to the outbound publication.",
		}),
		bytesSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "archivist_replay_bytes_sent_total",
			Help: "Total payload bytes republished during replay.",
		}),
		replaysFailed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "archivist_replay_failures_total",
			Help: "Replay session failures categorized by error kind.",
		}, []string{"kind"}),
	}
}
