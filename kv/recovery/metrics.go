// Copyright 2019 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package recovery

import "github.com/prometheus/client_golang/prometheus"

var (
	recoveryPhaseHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tinytxn",
			Subsystem: "recovery",
			Name:      "phase_duration_seconds",
			Help:      "Bucketed histogram of recovery phase durations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 20),
		}, []string{"phase"})

	recoveryRecordCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "recovery",
			Name:      "records_total",
			Help:      "Counter of log records redone, skipped and undone by recovery.",
		}, []string{"action"})

	checkpointCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "checkpoint",
			Name:      "total",
			Help:      "Counter of fuzzy checkpoints taken.",
		})

	checkpointDurationHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinytxn",
			Subsystem: "checkpoint",
			Name:      "duration_seconds",
			Help:      "Bucketed histogram of checkpoint durations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		})
)

func init() {
	prometheus.MustRegister(recoveryPhaseHistogram)
	prometheus.MustRegister(recoveryRecordCounter)
	prometheus.MustRegister(checkpointCounter)
	prometheus.MustRegister(checkpointDurationHistogram)
}
