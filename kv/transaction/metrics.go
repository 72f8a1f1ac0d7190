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

package transaction

import "github.com/prometheus/client_golang/prometheus"

var txnCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tinytxn",
		Subsystem: "txn",
		Name:      "total",
		Help:      "Counter of transaction outcomes.",
	}, []string{"type"})

func init() {
	prometheus.MustRegister(txnCounter)
}
