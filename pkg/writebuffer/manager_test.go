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
	"testing"

	"github.com/pingcap/errors"
	"github.com/pingcap/writebuffer/pkg/metrics"
	"github.com/pingcap/writebuffer/pkg/util/cache"
	"github.com/pingcap/writebuffer/pkg/util/memory"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, capacity int64) *cache.Cache {
	c, err := cache.New(capacity)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func newTestManager(t *testing.T, bufferSize int64, opts ...Option) *Manager {
	m, err := New(bufferSize, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Release()
	})
	return m
}

func TestNewInvalidBufferSize(t *testing.T) {
	_, err := New(-1)
	require.True(t, errors.ErrorEqual(err, ErrInvalidBufferSize), "%v", err)
}

func TestDisabledManager(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 0, WithAllowStall(true))
	require.False(t, m.Enabled())
	require.Equal(t, int64(0), m.BufferSize())

	usage, ok := m.MemoryUsage()
	require.False(t, ok)
	require.Equal(t, int64(0), usage)

	// Usage is still tracked, but nothing is enforced.
	require.NoError(t, m.ReserveMem(ctx, 1<<30))
	require.Equal(t, int64(1<<30), m.TrackedUsage())
	_, ok = m.MemoryUsage()
	require.False(t, ok)
	require.False(t, m.ShouldFlush())
	require.False(t, m.ShouldStall())
	require.False(t, m.IsStallActive())
	require.Equal(t, 0.0, m.UsageRatio())

	require.NoError(t, m.FreeMem(1<<30))
	require.Equal(t, int64(0), m.TrackedUsage())
}

func TestReserveAndFreeWithCache(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 10240)
	m, err := NewWithCache(102400, c, false)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, m.Release())
	}()

	require.True(t, m.Enabled())
	require.True(t, m.CostToCache())
	usage, ok := m.MemoryUsage()
	require.True(t, ok)
	require.Equal(t, int64(0), usage)
	require.Equal(t, int64(1), c.Len())

	require.NoError(t, m.ReserveMem(ctx, 50000))
	usage, _ = m.MemoryUsage()
	require.Equal(t, int64(50000), usage)
	require.Equal(t, int64(1), c.Len())

	// Over the limit, but stalling is not allowed.
	require.NoError(t, m.ReserveMem(ctx, 60000))
	usage, _ = m.MemoryUsage()
	require.Equal(t, int64(110000), usage)
	require.False(t, m.ShouldStall())
	require.False(t, m.IsStallActive())
	require.Equal(t, int64(1), c.Len())

	require.NoError(t, m.FreeMem(110000))
	usage, _ = m.MemoryUsage()
	require.Equal(t, int64(0), usage)
	require.Equal(t, int64(1), c.Len())

	stats := m.Stats()
	require.Equal(t, int64(110000), stats.TotalReserved)
	require.Equal(t, int64(110000), stats.TotalFreed)
	require.Equal(t, int64(110000), stats.PeakUsage)
	require.Equal(t, int64(0), stats.StallCount)
}

func TestInvalidMemSize(t *testing.T) {
	m := newTestManager(t, 100)
	err := m.ReserveMem(context.Background(), -1)
	require.True(t, errors.ErrorEqual(err, ErrInvalidMemSize), "%v", err)
	err = m.FreeMem(-1)
	require.True(t, errors.ErrorEqual(err, ErrInvalidMemSize), "%v", err)
	require.NoError(t, m.ReserveMem(context.Background(), 0))
	require.NoError(t, m.FreeMem(0))
	require.Equal(t, int64(0), m.TrackedUsage())
}

func TestFreeMemUnderflow(t *testing.T) {
	m := newTestManager(t, 100, WithName("underflow-test"))
	require.NoError(t, m.ReserveMem(context.Background(), 10))

	err := m.FreeMem(20)
	require.True(t, errors.ErrorEqual(err, ErrAccountingUnderflow), "%v", err)
	require.Equal(t, int64(0), m.TrackedUsage())
	require.Equal(t, int64(0), m.MutableMemtableMemoryUsage())
	require.Equal(t, int64(1), m.Stats().Underflows)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.WriteBufferUnderflowCounter.WithLabelValues("underflow-test")))

	// The clamped usage keeps working.
	require.NoError(t, m.ReserveMem(context.Background(), 5))
	require.NoError(t, m.FreeMem(5))
	require.Equal(t, int64(0), m.TrackedUsage())
}

func TestSharedByInstances(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 1<<20)
	// Each instance holds its own reference.
	var instances []*Manager
	for i := 0; i < 2; i++ {
		inst, err := m.Retain()
		require.NoError(t, err)
		instances = append(instances, inst)
	}

	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(inst *Manager) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				require.NoError(t, inst.ReserveMem(ctx, 1024))
			}
		}(inst)
	}
	wg.Wait()
	require.Equal(t, int64(200*1024), m.TrackedUsage())

	for _, inst := range instances {
		require.NoError(t, inst.FreeMem(100*1024))
		require.NoError(t, inst.Release())
	}
	require.Equal(t, int64(0), m.TrackedUsage())
}

func TestConcurrentReserveFree(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 1<<30)
	const (
		workers = 16
		rounds  = 1000
	)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(size int64) {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				require.NoError(t, m.ReserveMem(ctx, size))
				require.NoError(t, m.FreeMem(size))
			}
		}(int64(i + 1))
	}
	wg.Wait()
	stats := m.Stats()
	require.Equal(t, int64(0), stats.MemoryUsage)
	require.Equal(t, stats.TotalReserved, stats.TotalFreed)
	require.LessOrEqual(t, stats.PeakUsage, int64((workers*(workers+1))/2))
	require.Equal(t, int64(0), stats.Underflows)
}

func TestShouldFlush(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 1000)

	// Mutable usage above 7/8 of the limit.
	require.NoError(t, m.ReserveMem(ctx, 875))
	require.False(t, m.ShouldFlush())
	require.NoError(t, m.ReserveMem(ctx, 1))
	require.True(t, m.ShouldFlush())

	// Everything is scheduled for flush.
	m.ScheduleFreeMem(876)
	require.Equal(t, int64(0), m.MutableMemtableMemoryUsage())
	require.False(t, m.ShouldFlush())

	// Limit reached, but most memory is already being flushed.
	require.NoError(t, m.ReserveMem(ctx, 124))
	require.Equal(t, int64(1000), m.TrackedUsage())
	require.False(t, m.ShouldFlush())

	// Limit exceeded and at least half of it is mutable.
	require.NoError(t, m.ReserveMem(ctx, 400))
	require.Equal(t, int64(524), m.MutableMemtableMemoryUsage())
	require.True(t, m.ShouldFlush())

	require.NoError(t, m.FreeMem(876))
	require.False(t, m.ShouldFlush())
	require.NoError(t, m.FreeMem(524))
}

func TestMutableUsage(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 1000)
	require.NoError(t, m.ReserveMem(ctx, 300))
	require.Equal(t, int64(300), m.MutableMemtableMemoryUsage())

	m.ScheduleFreeMem(100)
	require.Equal(t, int64(200), m.MutableMemtableMemoryUsage())
	require.Equal(t, int64(300), m.TrackedUsage())

	// Scheduling more than the mutable usage clamps at zero.
	m.ScheduleFreeMem(1000)
	require.Equal(t, int64(0), m.MutableMemtableMemoryUsage())

	require.NoError(t, m.ReserveMem(ctx, 100))
	require.Equal(t, int64(100), m.MutableMemtableMemoryUsage())
	// Freeing never leaves more mutable memory than tracked memory.
	require.NoError(t, m.FreeMem(350))
	require.Equal(t, int64(50), m.TrackedUsage())
	require.Equal(t, int64(50), m.MutableMemtableMemoryUsage())
	require.NoError(t, m.FreeMem(50))
}

func TestUsageRatio(t *testing.T) {
	m := newTestManager(t, 1000)
	require.NoError(t, m.ReserveMem(context.Background(), 250))
	require.InDelta(t, 0.25, m.UsageRatio(), 1e-9)
	require.NoError(t, m.ReserveMem(context.Background(), 1000))
	require.InDelta(t, 1.25, m.UsageRatio(), 1e-9)
	require.NoError(t, m.FreeMem(1250))
}

type countingAction struct {
	acted atomic.Int64
	reset atomic.Int64
}

func (c *countingAction) Action(*memory.Accountant, int64) { c.acted.Add(1) }

func (c *countingAction) Reset() { c.reset.Add(1) }

func TestActionOnExceed(t *testing.T) {
	ctx := context.Background()
	action := &countingAction{}
	m := newTestManager(t, 100, WithActionOnExceed(action))

	require.NoError(t, m.ReserveMem(ctx, 100))
	require.Equal(t, int64(0), action.acted.Load())

	require.NoError(t, m.ReserveMem(ctx, 1))
	require.NoError(t, m.ReserveMem(ctx, 1))
	require.Equal(t, int64(1), action.acted.Load())

	// Still above the limit.
	require.NoError(t, m.FreeMem(1))
	require.Equal(t, int64(0), action.reset.Load())

	require.NoError(t, m.FreeMem(1))
	require.Equal(t, int64(1), action.reset.Load())

	require.NoError(t, m.ReserveMem(ctx, 1))
	require.Equal(t, int64(2), action.acted.Load())
	require.NoError(t, m.FreeMem(101))
}

func TestRetainRelease(t *testing.T) {
	c := newTestCache(t, 1<<20)
	m, err := New(1<<20, WithCache(c), WithReservationUnit(1))
	require.NoError(t, err)
	require.NoError(t, m.ReserveMem(context.Background(), 4096))
	require.Equal(t, int64(4096), c.Cost())

	retained, err := m.Retain()
	require.NoError(t, err)
	require.Same(t, m, retained)
	require.NoError(t, m.Release())
	// The creator still holds a reference.
	require.Equal(t, int64(1), c.Len())

	require.NoError(t, m.Release())
	require.Equal(t, int64(0), c.Len())
	charged, _ := m.CacheCharge()
	require.Equal(t, int64(0), charged)

	err = m.Release()
	require.True(t, errors.ErrorEqual(err, ErrManagerReleased), "%v", err)

	// The closed reservation cannot be revived.
	_, err = m.Retain()
	require.True(t, errors.ErrorEqual(err, ErrManagerReleased), "%v", err)

	// Accounting keeps working after the last release.
	require.NoError(t, m.FreeMem(4096))
	require.Equal(t, int64(0), c.Len())
}

func TestTryReserveMem(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 100, WithAllowStall(true))
	require.True(t, m.TryReserveMem(60))
	require.True(t, m.TryReserveMem(40))
	require.Equal(t, int64(100), m.TrackedUsage())

	// Going above the limit would stall, nothing is recorded.
	require.False(t, m.TryReserveMem(1))
	require.Equal(t, int64(100), m.TrackedUsage())
	require.Equal(t, int64(100), m.MutableMemtableMemoryUsage())
	require.False(t, m.IsStallActive())
	require.False(t, m.TryReserveMem(-1))
	require.True(t, m.TryReserveMem(0))

	require.NoError(t, m.FreeMem(100))
	require.NoError(t, m.ReserveMem(ctx, 10))
	require.NoError(t, m.FreeMem(10))

	// Without stalling the limit is advisory.
	action := &countingAction{}
	advisory := newTestManager(t, 100, WithActionOnExceed(action))
	require.True(t, advisory.TryReserveMem(150))
	require.Equal(t, int64(150), advisory.TrackedUsage())
	require.Equal(t, int64(1), action.acted.Load())
	require.NoError(t, advisory.FreeMem(150))
}

func TestString(t *testing.T) {
	m := newTestManager(t, 4<<20, WithName("str"), WithAllowStall(true))
	require.NoError(t, m.ReserveMem(context.Background(), 2048))
	require.Equal(t, "WriteBufferManager{name: str, buffer_size: 4 MB, usage: 2 KB, mutable: 2 KB, allow_stall: true}", m.String())
	require.NoError(t, m.FreeMem(2048))
}
