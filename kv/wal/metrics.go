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

package wal

import "github.com/prometheus/client_golang/prometheus"

var (
	walAppendCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "wal",
			Name:      "appends_total",
			Help:      "Counter of appended log records by type.",
		}, []string{"type"})

	walBytesCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "wal",
			Name:      "record_bytes_total",
			Help:      "Total encoded size of appended log records.",
		})

	walLastLSNGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinytxn",
			Subsystem: "wal",
			Name:      "last_lsn",
			Help:      "LSN of the last appended log record.",
		})

	walArchivedSegmentCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "wal",
			Name:      "archived_segments_total",
			Help:      "Counter of archive segments written.",
		})
)

func init() {
	prometheus.MustRegister(walAppendCounter)
	prometheus.MustRegister(walBytesCounter)
	prometheus.MustRegister(walLastLSNGauge)
	prometheus.MustRegister(walArchivedSegmentCounter)
}
