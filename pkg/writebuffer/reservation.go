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

package writebuffer

import (
	"sync"
	"sync/atomic"

	"github.com/pingcap/writebuffer/pkg/metrics"
	"github.com/pingcap/writebuffer/pkg/util/memory"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// reservationKeyBase marks the cache keys owned by write buffer managers.
const reservationKeyBase uint64 = 0x7762 << 48

var reservationSeq atomic.Uint64

// costReservation mirrors the tracked usage into a shared cache.
type costReservation interface {
	// resize brings the charged cost in line with the latest usage.
	resize()
	// charged returns the cost currently held in the cache.
	charged() int64
	// shortfall returns the usage the cache is not charged for.
	shortfall() int64
	// close removes the reservation from the cache.
	close()
}

type noReservation struct{}

func (noReservation) resize() {}

func (noReservation) charged() int64 { return 0 }

func (noReservation) shortfall() int64 { return 0 }

func (noReservation) close() {}

// cacheReservation keeps a single cache entry per manager whose cost follows
// the usage, rounded up to unit and capped by the cache capacity. Updates
// which do not move the rounded cost skip the cache and the lock.
type cacheReservation struct {
	cache      CostCache
	key        uint64
	unit       int64
	accountant *memory.Accountant
	logger     *zap.Logger

	mu     sync.Mutex
	closed bool

	// cost and resident describe the entry as of the last write. They are
	// written under mu and read lock-free by the fast path.
	cost     atomic.Int64
	resident atomic.Bool
	missing  atomic.Int64

	chargedGauge   prometheus.Gauge
	shortfallGauge prometheus.Gauge
}

func newCacheReservation(name string, c CostCache, unit int64, accountant *memory.Accountant, logger *zap.Logger) *cacheReservation {
	r := &cacheReservation{
		cache:          c,
		key:            reservationKeyBase | reservationSeq.Add(1),
		unit:           unit,
		accountant:     accountant,
		logger:         logger,
		chargedGauge:   metrics.WriteBufferCacheCharged.WithLabelValues(name),
		shortfallGauge: metrics.WriteBufferCacheShortfall.WithLabelValues(name),
	}
	// Insert the entry right away so the manager shows up in the cache even
	// before the first allocation.
	r.resize()
	return r
}

func (r *cacheReservation) target(usage int64) int64 {
	cost := (usage + r.unit - 1) / r.unit * r.unit
	if capacity := r.cache.Capacity(); cost > capacity {
		cost = capacity
	}
	return cost
}

func (r *cacheReservation) resize() {
	usage := r.accountant.BytesConsumed()
	if r.resident.Load() && r.target(usage) == r.cost.Load() {
		r.setShortfall(usage)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	// Keep going until the cost written reflects a usage read after the write,
	// otherwise a concurrent update that took the fast path could be lost.
	written := int64(-1)
	for {
		usage = r.accountant.BytesConsumed()
		cost := r.target(usage)
		if cost == written || (r.resident.Load() && cost == r.cost.Load()) {
			r.setShortfall(usage)
			return
		}
		r.apply(cost)
		written = cost
	}
}

func (r *cacheReservation) apply(cost int64) {
	resident := false
	if _, err := evalFailpoint("rejectCacheReservation"); err == nil {
		r.cache.Del(r.key)
	} else {
		resident = r.cache.Set(r.key, r.key, cost)
	}
	if !resident {
		// Not resident means nothing is charged. The next resize retries.
		r.cost.Store(0)
		r.resident.Store(false)
		r.chargedGauge.Set(0)
		r.logger.Debug("write buffer cache reservation rejected", zap.Int64("cost", cost))
		return
	}
	r.cost.Store(cost)
	r.resident.Store(true)
	r.chargedGauge.Set(float64(cost))
}

func (r *cacheReservation) setShortfall(usage int64) {
	missing := usage - r.cost.Load()
	if missing < 0 {
		missing = 0
	}
	if r.missing.Swap(missing) != missing {
		r.shortfallGauge.Set(float64(missing))
	}
}

func (r *cacheReservation) charged() int64 {
	return r.cost.Load()
}

func (r *cacheReservation) shortfall() int64 {
	return r.missing.Load()
}

func (r *cacheReservation) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.cache.Del(r.key)
	r.cost.Store(0)
	r.resident.Store(false)
	r.missing.Store(0)
	r.chargedGauge.Set(0)
	r.shortfallGauge.Set(0)
}
