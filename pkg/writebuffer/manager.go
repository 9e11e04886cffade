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

// Package writebuffer provides Manager, a memory budget shared by the write
// buffers (memtables) of one or more database instances.
//
// Every instance reports the memory its write buffers allocate with ReserveMem
// and the memory it gives back with FreeMem. The manager keeps the total,
// tells the instances when to flush, optionally charges the total to a shared
// cache so the cache shrinks accordingly, and optionally blocks writers while
// the total is above the limit.
package writebuffer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/writebuffer/pkg/metrics"
	"github.com/pingcap/writebuffer/pkg/util/logutil"
	"github.com/pingcap/writebuffer/pkg/util/memory"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var managerSeq atomic.Uint64

// Manager tracks the memory used by write buffers against a limit.
// A limit of 0 disables enforcement, but the usage is still tracked.
// All methods are safe for concurrent use.
type Manager struct {
	name         string
	bufferSize   int64
	mutableLimit int64
	allowStall   bool

	accountant *memory.Accountant
	// mutable is the part of the usage not yet scheduled to be freed.
	mutable  atomic.Int64
	reserved atomic.Int64
	freed    atomic.Int64

	reservation costReservation
	stall       stallController

	// refs counts the owners. The creator holds the first reference.
	refs atomic.Int64

	logger *zap.Logger

	totalGauge     prometheus.Gauge
	mutableGauge   prometheus.Gauge
	peakGauge      prometheus.Gauge
	underflowCount prometheus.Counter
}

// New creates a Manager limiting the write buffer memory to bufferSize bytes.
// A bufferSize of 0 only tracks the usage.
func New(bufferSize int64, opts ...Option) (*Manager, error) {
	if bufferSize < 0 {
		return nil, errors.Annotatef(ErrInvalidBufferSize, "buffer size %d", bufferSize)
	}
	o := options{reservationUnit: DefaultReservationUnit}
	for _, opt := range opts {
		opt(&o)
	}
	if o.name == "" {
		o.name = fmt.Sprintf("wbm-%d", managerSeq.Add(1))
	}
	if o.logger == nil {
		o.logger = logutil.BgLogger()
	}
	logger := o.logger.With(zap.String("manager", o.name))

	m := &Manager{
		name:         o.name,
		bufferSize:   bufferSize,
		mutableLimit: bufferSize * 7 / 8,
		allowStall:   o.allowStall,
		accountant:   memory.NewAccountant(o.name),
		logger:       logger,

		totalGauge:     metrics.WriteBufferMemory.WithLabelValues(o.name, metrics.TypeTotal),
		mutableGauge:   metrics.WriteBufferMemory.WithLabelValues(o.name, metrics.TypeMutable),
		peakGauge:      metrics.WriteBufferMemory.WithLabelValues(o.name, metrics.TypePeak),
		underflowCount: metrics.WriteBufferUnderflowCounter.WithLabelValues(o.name),
	}
	m.refs.Store(1)
	metrics.WriteBufferMemory.WithLabelValues(o.name, metrics.TypeLimit).Set(float64(bufferSize))

	if o.cache != nil {
		m.reservation = newCacheReservation(o.name, o.cache, o.reservationUnit, m.accountant, logger)
	} else {
		m.reservation = noReservation{}
	}
	if o.allowStall && bufferSize > 0 {
		m.stall = newBlockingStall(o.name, bufferSize, m.accountant, logger)
	} else {
		action := o.onExceed
		if action == nil {
			action = memory.NewLogOnExceed(logger)
		}
		m.stall = &advisoryStall{limit: bufferSize, accountant: m.accountant, action: action}
	}

	logger.Info("write buffer manager created",
		zap.String("buffer-size", memory.FormatBytes(bufferSize)),
		zap.Bool("allow-stall", o.allowStall),
		zap.Bool("cache", o.cache != nil))
	return m, nil
}

// NewWithAllowStall creates a Manager without a cache.
func NewWithAllowStall(bufferSize int64, allowStall bool) (*Manager, error) {
	return New(bufferSize, WithAllowStall(allowStall))
}

// NewWithCache creates a Manager charging its usage to c. c may be nil.
func NewWithCache(bufferSize int64, c CostCache, allowStall bool) (*Manager, error) {
	opts := []Option{WithAllowStall(allowStall)}
	if c != nil {
		opts = append(opts, WithCache(c))
	}
	return New(bufferSize, opts...)
}

// Name returns the name used in logs and metrics.
func (m *Manager) Name() string {
	return m.name
}

// Enabled reports whether a limit is configured.
func (m *Manager) Enabled() bool {
	return m.bufferSize > 0
}

// CostToCache reports whether the usage is charged to a cache.
func (m *Manager) CostToCache() bool {
	_, ok := m.reservation.(*cacheReservation)
	return ok
}

// BufferSize returns the configured limit.
func (m *Manager) BufferSize() int64 {
	return m.bufferSize
}

// AllowStall reports whether writers may be blocked.
func (m *Manager) AllowStall() bool {
	return m.allowStall
}

// MemoryUsage returns the tracked usage. The second result is false, and the
// usage must be ignored, when the manager is disabled.
func (m *Manager) MemoryUsage() (int64, bool) {
	if !m.Enabled() {
		return 0, false
	}
	return m.accountant.BytesConsumed(), true
}

// TrackedUsage returns the tracked usage whether the manager is enabled or not.
func (m *Manager) TrackedUsage() int64 {
	return m.accountant.BytesConsumed()
}

// MutableMemtableMemoryUsage returns the usage not yet scheduled to be freed.
func (m *Manager) MutableMemtableMemoryUsage() int64 {
	return m.mutable.Load()
}

// CacheCharge returns the cost currently charged to the cache and the part of
// the usage the cache could not be charged for.
func (m *Manager) CacheCharge() (charged, shortfall int64) {
	return m.reservation.charged(), m.reservation.shortfall()
}

// ReserveMem records that a write buffer allocated mem bytes. When stalling
// is allowed and the usage is above the limit afterwards, it blocks until
// enough memory has been freed or ctx is done. On ctx cancellation the bytes
// are given back and the ctx error is returned.
func (m *Manager) ReserveMem(ctx context.Context, mem int64) error {
	if mem < 0 {
		return errors.Annotatef(ErrInvalidMemSize, "reserve %d bytes", mem)
	}
	if mem == 0 {
		return nil
	}
	used := m.consume(mem)
	if !m.Enabled() || used <= m.bufferSize {
		return nil
	}
	if err := m.stall.wait(ctx); err != nil {
		m.rollback(mem)
		return errors.Trace(err)
	}
	return nil
}

// TryReserveMem is ReserveMem for callers which must not block. When the
// reservation would stall the writer, nothing is recorded and false is
// returned.
func (m *Manager) TryReserveMem(mem int64) bool {
	if mem < 0 {
		return false
	}
	if mem == 0 {
		return true
	}
	used := m.consume(mem)
	if !m.Enabled() || used <= m.bufferSize {
		return true
	}
	if m.allowStall {
		m.rollback(mem)
		return false
	}
	// Never blocks, only runs the action on exceed.
	_ = m.stall.wait(context.Background())
	return true
}

func (m *Manager) consume(mem int64) int64 {
	used := m.accountant.Consume(mem)
	m.mutableGauge.Set(float64(m.mutable.Add(mem)))
	m.reserved.Add(mem)
	m.reservation.resize()
	m.totalGauge.Set(float64(used))
	m.peakGauge.Set(float64(m.accountant.MaxConsumed()))
	return used
}

func (m *Manager) rollback(mem int64) {
	used, _ := m.accountant.Release(mem)
	m.freed.Add(mem)
	m.mutableGauge.Set(float64(m.clampMutable(used, mem)))
	m.reservation.resize()
	m.totalGauge.Set(float64(used))
	m.stall.release()
}

// ScheduleFreeMem records that mem bytes will be freed soon, typically when a
// memtable becomes immutable and is queued for flush. It only moves memory
// out of the mutable usage; FreeMem must still be called once it is released.
func (m *Manager) ScheduleFreeMem(mem int64) {
	if mem <= 0 {
		return
	}
	m.mutableGauge.Set(float64(m.subMutable(mem)))
}

// FreeMem records that mem bytes of write buffer memory were released. When
// mem exceeds the tracked usage, the usage is clamped at zero and
// ErrAccountingUnderflow is returned. Either way, waiting writers are woken
// if the usage is within the limit.
func (m *Manager) FreeMem(mem int64) error {
	if mem < 0 {
		return errors.Annotatef(ErrInvalidMemSize, "free %d bytes", mem)
	}
	if mem == 0 {
		return nil
	}
	used, err := m.accountant.Release(mem)
	m.freed.Add(mem)
	m.mutableGauge.Set(float64(m.clampMutable(used, 0)))
	m.reservation.resize()
	m.totalGauge.Set(float64(used))
	m.stall.release()
	if err != nil {
		m.underflowCount.Inc()
		m.logger.Warn("write buffer memory freed more than reserved", zap.Error(err))
		return err
	}
	return nil
}

func (m *Manager) subMutable(mem int64) int64 {
	for {
		old := m.mutable.Load()
		next := old - mem
		if next < 0 {
			next = 0
		}
		if m.mutable.CompareAndSwap(old, next) {
			return next
		}
	}
}

// clampMutable subtracts mem from the mutable usage and caps it at used.
func (m *Manager) clampMutable(used, mem int64) int64 {
	for {
		old := m.mutable.Load()
		next := old - mem
		if next > used {
			next = used
		}
		if next < 0 {
			next = 0
		}
		if next == old || m.mutable.CompareAndSwap(old, next) {
			return next
		}
	}
}

// ShouldFlush reports whether the instances should flush a memtable: either
// the mutable usage is above 7/8 of the limit, or the total usage reached the
// limit while at least half of it is still mutable.
func (m *Manager) ShouldFlush() bool {
	if !m.Enabled() {
		return false
	}
	mutable := m.mutable.Load()
	if mutable > m.mutableLimit {
		return true
	}
	return m.accountant.BytesConsumed() >= m.bufferSize && mutable >= m.bufferSize/2
}

// ShouldStall reports whether a write issued now would be blocked.
func (m *Manager) ShouldStall() bool {
	if !m.allowStall || !m.Enabled() {
		return false
	}
	return m.stall.active() || m.accountant.BytesConsumed() > m.bufferSize
}

// IsStallActive reports whether some writers are currently blocked.
func (m *Manager) IsStallActive() bool {
	return m.stall.active()
}

// UsageRatio returns the usage divided by the limit, or 0 when disabled.
func (m *Manager) UsageRatio() float64 {
	if !m.Enabled() {
		return 0
	}
	return float64(m.accountant.BytesConsumed()) / float64(m.bufferSize)
}

// Stats is a snapshot of the manager counters.
type Stats struct {
	Name           string        `json:"name"`
	BufferSize     int64         `json:"buffer_size"`
	MemoryUsage    int64         `json:"memory_usage"`
	MutableUsage   int64         `json:"mutable_usage"`
	PeakUsage      int64         `json:"peak_usage"`
	TotalReserved  int64         `json:"total_reserved"`
	TotalFreed     int64         `json:"total_freed"`
	StallCount     int64         `json:"stall_count"`
	StallDuration  time.Duration `json:"stall_duration"`
	StalledWriters int64         `json:"stalled_writers"`
	Underflows     int64         `json:"underflows"`
	CacheCharged   int64         `json:"cache_charged"`
	CacheShortfall int64         `json:"cache_shortfall"`
}

// Stats returns a snapshot of the manager counters. The fields are read one
// by one and may not be consistent with each other under concurrent use.
func (m *Manager) Stats() Stats {
	stalls, stalled := m.stall.stats()
	return Stats{
		Name:           m.name,
		BufferSize:     m.bufferSize,
		MemoryUsage:    m.accountant.BytesConsumed(),
		MutableUsage:   m.mutable.Load(),
		PeakUsage:      m.accountant.MaxConsumed(),
		TotalReserved:  m.reserved.Load(),
		TotalFreed:     m.freed.Load(),
		StallCount:     stalls,
		StallDuration:  stalled,
		StalledWriters: m.stall.waiters(),
		Underflows:     m.accountant.Underflows(),
		CacheCharged:   m.reservation.charged(),
		CacheShortfall: m.reservation.shortfall(),
	}
}

// Retain adds an owner to the manager and returns it. A manager whose last
// owner is gone cannot be retained again, its cache reservation is closed.
func (m *Manager) Retain() (*Manager, error) {
	for {
		refs := m.refs.Load()
		if refs <= 0 {
			return nil, errors.Trace(ErrManagerReleased)
		}
		if m.refs.CompareAndSwap(refs, refs+1) {
			return m, nil
		}
	}
}

// Release drops an owner. The last owner removes the cache reservation, after
// which the manager keeps tracking memory but no longer charges the cache.
func (m *Manager) Release() error {
	for {
		refs := m.refs.Load()
		if refs <= 0 {
			return errors.Trace(ErrManagerReleased)
		}
		if !m.refs.CompareAndSwap(refs, refs-1) {
			continue
		}
		if refs == 1 {
			m.reservation.close()
			m.logger.Info("write buffer manager released",
				zap.String("usage", memory.FormatBytes(m.accountant.BytesConsumed())),
				zap.String("peak", memory.FormatBytes(m.accountant.MaxConsumed())))
		}
		return nil
	}
}

func (m *Manager) String() string {
	return fmt.Sprintf("WriteBufferManager{name: %s, buffer_size: %s, usage: %s, mutable: %s, allow_stall: %v}",
		m.name, memory.FormatBytes(m.bufferSize), memory.FormatBytes(m.accountant.BytesConsumed()),
		memory.FormatBytes(m.mutable.Load()), m.allowStall)
}
