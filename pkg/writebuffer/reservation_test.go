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
	"testing"

	"github.com/pingcap/failpoint"
	"github.com/pingcap/writebuffer/pkg/writebuffer/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestReservationFollowsUsage(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 1<<20)
	m := newTestManager(t, 1<<20, WithCache(c), WithReservationUnit(1))
	require.True(t, m.CostToCache())
	require.Equal(t, int64(1), c.Len())
	require.Equal(t, int64(0), c.Cost())

	require.NoError(t, m.ReserveMem(ctx, 1000))
	require.Equal(t, int64(1000), c.Cost())
	require.NoError(t, m.ReserveMem(ctx, 4000))
	require.Equal(t, int64(5000), c.Cost())

	require.NoError(t, m.FreeMem(2000))
	require.Equal(t, int64(3000), c.Cost())
	charged, shortfall := m.CacheCharge()
	require.Equal(t, int64(3000), charged)
	require.Equal(t, int64(0), shortfall)

	// Only one entry is ever used.
	require.Equal(t, int64(1), c.Len())
	require.NoError(t, m.FreeMem(3000))
	require.Equal(t, int64(0), c.Cost())
	require.Equal(t, int64(1), c.Len())
}

func TestReservationRoundsUp(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 1<<20)
	m := newTestManager(t, 1<<20, WithCache(c), WithReservationUnit(1024))

	require.NoError(t, m.ReserveMem(ctx, 1))
	require.Equal(t, int64(1024), c.Cost())
	require.NoError(t, m.ReserveMem(ctx, 1023))
	require.Equal(t, int64(1024), c.Cost())
	require.NoError(t, m.ReserveMem(ctx, 1))
	require.Equal(t, int64(2048), c.Cost())
	require.NoError(t, m.FreeMem(1025))
	require.Equal(t, int64(0), c.Cost())
}

func TestReservationCappedByCapacity(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 10240)
	m, err := NewWithCache(102400, c, false)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, m.Release())
	}()

	require.NoError(t, m.ReserveMem(ctx, 50000))
	require.Equal(t, int64(10240), c.Cost())
	charged, shortfall := m.CacheCharge()
	require.Equal(t, int64(10240), charged)
	require.Equal(t, int64(50000-10240), shortfall)

	stats := m.Stats()
	require.Equal(t, int64(10240), stats.CacheCharged)
	require.Equal(t, int64(50000-10240), stats.CacheShortfall)

	require.NoError(t, m.FreeMem(50000))
	charged, shortfall = m.CacheCharge()
	require.Equal(t, int64(0), charged)
	require.Equal(t, int64(0), shortfall)
}

func TestReservationRejected(t *testing.T) {
	const fp = "writebuffer/rejectCacheReservation"
	ctx := context.Background()
	c := newTestCache(t, 1<<20)
	m := newTestManager(t, 1<<20, WithCache(c), WithReservationUnit(1))

	require.NoError(t, failpoint.Enable(fp, "return(true)"))
	require.NoError(t, m.ReserveMem(ctx, 1000))
	charged, shortfall := m.CacheCharge()
	require.Equal(t, int64(0), charged)
	require.Equal(t, int64(1000), shortfall)
	require.Equal(t, int64(0), c.Len())
	// Accounting is not affected by the cache.
	require.Equal(t, int64(1000), m.TrackedUsage())

	// Every update retries while the entry is missing.
	require.NoError(t, m.ReserveMem(ctx, 1))
	require.Equal(t, int64(0), c.Len())
	require.NoError(t, failpoint.Disable(fp))

	require.NoError(t, m.ReserveMem(ctx, 1))
	charged, shortfall = m.CacheCharge()
	require.Equal(t, int64(1002), charged)
	require.Equal(t, int64(0), shortfall)
	require.Equal(t, int64(1), c.Len())
	require.NoError(t, m.FreeMem(1002))
}

func TestReservationPerManager(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 1<<20)
	m1 := newTestManager(t, 1<<20, WithCache(c), WithReservationUnit(1))
	m2 := newTestManager(t, 1<<20, WithCache(c), WithReservationUnit(1))
	require.Equal(t, int64(2), c.Len())

	require.NoError(t, m1.ReserveMem(ctx, 100))
	require.NoError(t, m2.ReserveMem(ctx, 200))
	require.Equal(t, int64(300), c.Cost())

	require.NoError(t, m1.Release())
	require.Equal(t, int64(1), c.Len())
	require.Equal(t, int64(200), c.Cost())
	require.NoError(t, m2.FreeMem(200))
	require.NoError(t, m1.FreeMem(100))
}

func TestReservationConcurrent(t *testing.T) {
	c := newTestCache(t, 1<<30)
	m := newTestManager(t, 1<<30, WithCache(c), WithReservationUnit(64))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(size int64) {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				require.NoError(t, m.ReserveMem(context.Background(), size))
				require.NoError(t, m.FreeMem(size))
			}
		}(int64(i*37 + 1))
	}
	wg.Wait()

	// The last update always wins, whatever the interleaving was.
	charged, shortfall := m.CacheCharge()
	require.Equal(t, int64(0), charged)
	require.Equal(t, int64(0), shortfall)
	require.Equal(t, int64(0), c.Cost())
	require.Equal(t, int64(1), c.Len())
}

func TestNoReservation(t *testing.T) {
	m, err := NewWithCache(1<<20, nil, false)
	require.NoError(t, err)
	require.False(t, m.CostToCache())
	require.NoError(t, m.ReserveMem(context.Background(), 100))
	charged, shortfall := m.CacheCharge()
	require.Equal(t, int64(0), charged)
	require.Equal(t, int64(0), shortfall)
	require.NoError(t, m.FreeMem(100))
	require.NoError(t, m.Release())
}

func TestReservationRetriesAfterRejection(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewMockCostCache(ctrl)
	c.EXPECT().Capacity().Return(int64(1 << 20)).AnyTimes()
	gomock.InOrder(
		c.EXPECT().Set(gomock.Any(), gomock.Any(), int64(0)).Return(true),
		c.EXPECT().Set(gomock.Any(), gomock.Any(), int64(100)).Return(false),
		c.EXPECT().Set(gomock.Any(), gomock.Any(), int64(150)).Return(true),
		c.EXPECT().Del(gomock.Any()),
	)

	m, err := New(1<<20, WithCache(c), WithReservationUnit(1))
	require.NoError(t, err)
	require.NoError(t, m.ReserveMem(context.Background(), 100))
	charged, shortfall := m.CacheCharge()
	require.Equal(t, int64(0), charged)
	require.Equal(t, int64(100), shortfall)

	require.NoError(t, m.ReserveMem(context.Background(), 50))
	charged, shortfall = m.CacheCharge()
	require.Equal(t, int64(150), charged)
	require.Equal(t, int64(0), shortfall)

	require.NoError(t, m.Release())
	// Nothing reaches the cache after the reservation is closed.
	require.NoError(t, m.FreeMem(150))
}
