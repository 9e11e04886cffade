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
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pingcap/writebuffer/pkg/metrics"
	"github.com/pingcap/writebuffer/pkg/util/memory"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// stallController decides what happens to a writer whose allocation pushed the
// usage above the limit.
type stallController interface {
	// wait is called after such an allocation has been recorded.
	wait(ctx context.Context) error
	// release is called after the usage has decreased.
	release()
	// active reports whether writers are currently held back.
	active() bool
	// waiters returns the number of writers blocked right now.
	waiters() int64
	// stats returns the number of stalls and the total time spent in them.
	stats() (count int64, total time.Duration)
}

// advisoryStall never blocks. The first allocation crossing the limit triggers
// the ActionOnExceed, which is re-armed once the usage falls back to the limit.
type advisoryStall struct {
	limit      int64
	accountant *memory.Accountant
	action     memory.ActionOnExceed
	exceeded   atomic.Bool
}

func (s *advisoryStall) wait(context.Context) error {
	if s.exceeded.CompareAndSwap(false, true) {
		s.action.Action(s.accountant, s.limit)
	}
	return nil
}

func (s *advisoryStall) release() {
	if !s.exceeded.Load() || s.accountant.BytesConsumed() > s.limit {
		return
	}
	if s.exceeded.CompareAndSwap(true, false) {
		s.action.Reset()
	}
}

func (*advisoryStall) active() bool { return false }

func (*advisoryStall) waiters() int64 { return 0 }

func (*advisoryStall) stats() (int64, time.Duration) { return 0, 0 }

// blockingStall parks writers while the usage is above the limit and wakes all
// of them once it drops back to the limit. Every woken writer re-checks the
// usage, so a burst of wake-ups cannot overshoot the limit for long.
type blockingStall struct {
	limit      int64
	accountant *memory.Accountant
	logger     *zap.Logger

	mu sync.Mutex
	// released is closed to wake the writers of the current stall.
	released chan struct{}
	// stalled is set under mu before a writer checks the usage, and cleared
	// under mu when the writers are woken. Freeing memory only takes mu when
	// it is set.
	stalled atomic.Bool

	blocked   atomic.Int64
	count     atomic.Int64
	totalTime atomic.Int64

	stallCounter  prometheus.Counter
	stallDuration prometheus.Observer
	stalledGauge  prometheus.Gauge
}

func newBlockingStall(name string, limit int64, accountant *memory.Accountant, logger *zap.Logger) *blockingStall {
	return &blockingStall{
		limit:         limit,
		accountant:    accountant,
		logger:        logger,
		stallCounter:  metrics.WriteBufferStallCounter.WithLabelValues(name),
		stallDuration: metrics.WriteBufferStallDuration.WithLabelValues(name),
		stalledGauge:  metrics.WriteBufferStalledWriters.WithLabelValues(name),
	}
}

func (s *blockingStall) wait(ctx context.Context) error {
	var start time.Time
	for {
		s.mu.Lock()
		s.stalled.Store(true)
		if s.wakeLocked() {
			s.mu.Unlock()
			break
		}
		if s.released == nil {
			s.released = make(chan struct{})
		}
		ch := s.released
		s.mu.Unlock()

		if start.IsZero() {
			start = time.Now()
			s.begin()
		}
		select {
		case <-ch:
		case <-ctx.Done():
			s.end(start, true)
			return ctx.Err()
		}
	}
	if !start.IsZero() {
		s.end(start, false)
	}
	return nil
}

// wakeLocked wakes every stalled writer if the usage is within the limit.
func (s *blockingStall) wakeLocked() bool {
	if s.accountant.BytesConsumed() > s.limit {
		return false
	}
	if s.released != nil {
		close(s.released)
		s.released = nil
	}
	s.stalled.Store(false)
	return true
}

func (s *blockingStall) release() {
	if !s.stalled.Load() {
		return
	}
	s.mu.Lock()
	s.wakeLocked()
	s.mu.Unlock()
}

func (s *blockingStall) begin() {
	s.count.Add(1)
	s.blocked.Add(1)
	s.stallCounter.Inc()
	s.stalledGauge.Inc()
	s.logger.Debug("write stalled by write buffer limit",
		zap.Int64("usage", s.accountant.BytesConsumed()),
		zap.Int64("limit", s.limit))
}

func (s *blockingStall) end(start time.Time, canceled bool) {
	d := time.Since(start)
	s.blocked.Add(-1)
	s.totalTime.Add(int64(d))
	s.stalledGauge.Dec()
	s.stallDuration.Observe(d.Seconds())
	if canceled {
		s.logger.Info("stalled write canceled", zap.Duration("stalled", d))
	}
}

func (s *blockingStall) active() bool {
	return s.stalled.Load()
}

func (s *blockingStall) waiters() int64 {
	return s.blocked.Load()
}

func (s *blockingStall) stats() (int64, time.Duration) {
	return s.count.Load(), time.Duration(s.totalTime.Load())
}
