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

package locks

import "github.com/prometheus/client_golang/prometheus"

var (
	lockAcquireCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "lock",
			Name:      "acquire_total",
			Help:      "Counter of lock requests by mode and result.",
		}, []string{"mode", "result"})

	lockWaitHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinytxn",
			Subsystem: "lock",
			Name:      "wait_duration_seconds",
			Help:      "Bucketed histogram of time spent waiting in lock queues.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		})

	lockDeadlockCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "lock",
			Name:      "deadlocks_total",
			Help:      "Counter of requests failed by deadlock detection.",
		})

	lockEscalationCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "lock",
			Name:      "escalations_total",
			Help:      "Counter of row lock escalations to table locks.",
		})

	lockResourceGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinytxn",
			Subsystem: "lock",
			Name:      "resources",
			Help:      "Number of resources in the lock table.",
		})
)

func init() {
	prometheus.MustRegister(lockAcquireCounter)
	prometheus.MustRegister(lockWaitHistogram)
	prometheus.MustRegister(lockDeadlockCounter)
	prometheus.MustRegister(lockEscalationCounter)
	prometheus.MustRegister(lockResourceGauge)
}
