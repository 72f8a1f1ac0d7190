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

package mvcc

import "github.com/prometheus/client_golang/prometheus"

var (
	mvccReadCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "mvcc",
			Name:      "reads_total",
			Help:      "Counter of version reads.",
		})

	mvccWriteCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "mvcc",
			Name:      "writes_total",
			Help:      "Counter of versions written, tombstones included.",
		})

	mvccGCVersionsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "mvcc",
			Name:      "gc_versions_total",
			Help:      "Counter of versions removed by garbage collection.",
		})

	mvccActiveSnapshotGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinytxn",
			Subsystem: "mvcc",
			Name:      "active_snapshots",
			Help:      "Number of registered snapshots.",
		})

	siConflictCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "snapshot",
			Name:      "conflicts_total",
			Help:      "Counter of commits rejected by snapshot isolation checks.",
		}, []string{"type"})
)

func init() {
	prometheus.MustRegister(mvccReadCounter)
	prometheus.MustRegister(mvccWriteCounter)
	prometheus.MustRegister(mvccGCVersionsCounter)
	prometheus.MustRegister(mvccActiveSnapshotGauge)
	prometheus.MustRegister(siConflictCounter)
}
