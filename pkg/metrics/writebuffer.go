// Copyright 2026 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Label names.
const (
	LblManager  = "manager"
	LblType     = "type"
	LblInstance = "instance"

	TypeTotal   = "total"
	TypeMutable = "mutable"
	TypeLimit   = "limit"
	TypePeak    = "peak"
)

// Write buffer manager metrics.
var (
	WriteBufferMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "writebuffer",
			Subsystem: "manager",
			Name:      "memory_bytes",
			Help:      "Write buffer memory by type: total reserved, mutable, limit and peak.",
		}, []string{LblManager, LblType})

	WriteBufferStallCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "writebuffer",
			Subsystem: "manager",
			Name:      "stall_total",
			Help:      "Counter of writes stalled because the write buffer limit was exceeded.",
		}, []string{LblManager})

	WriteBufferStallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "writebuffer",
			Subsystem: "manager",
			Name:      "stall_duration_seconds",
			Help:      "Bucketed histogram of the time writes spent stalled.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 20), // 0.5ms ~ 262s
		}, []string{LblManager})

	WriteBufferStalledWriters = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "writebuffer",
			Subsystem: "manager",
			Name:      "stalled_writers",
			Help:      "Number of writers currently stalled.",
		}, []string{LblManager})

	WriteBufferUnderflowCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "writebuffer",
			Subsystem: "manager",
			Name:      "accounting_underflow_total",
			Help:      "Counter of frees larger than the tracked usage.",
		}, []string{LblManager})

	WriteBufferCacheCharged = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "writebuffer",
			Subsystem: "cache",
			Name:      "charged_bytes",
			Help:      "Cost charged to the shared cache on behalf of write buffers.",
		}, []string{LblManager})

	WriteBufferCacheShortfall = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "writebuffer",
			Subsystem: "cache",
			Name:      "shortfall_bytes",
			Help:      "Write buffer memory the shared cache could not be charged for.",
		}, []string{LblManager})

	MemTableFlushCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "writebuffer",
			Subsystem: "memtable",
			Name:      "flush_total",
			Help:      "Counter of memtables flushed.",
		}, []string{LblInstance})
)

// RegisterMetrics registers the metrics which are ONLY used in the write buffer
// packages to the default registry.
func RegisterMetrics() {
	RegisterMetricsTo(prometheus.DefaultRegisterer)
}

// RegisterMetricsTo registers the write buffer metrics to r. Metrics already
// registered to r are skipped.
func RegisterMetricsTo(r prometheus.Registerer) {
	for _, c := range []prometheus.Collector{
		WriteBufferMemory,
		WriteBufferStallCounter,
		WriteBufferStallDuration,
		WriteBufferStalledWriters,
		WriteBufferUnderflowCounter,
		WriteBufferCacheCharged,
		WriteBufferCacheShortfall,
		MemTableFlushCounter,
	} {
		if err := r.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			panic(err)
		}
	}
}
