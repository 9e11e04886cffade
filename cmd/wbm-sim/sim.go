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

package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pingcap/errors"
	"github.com/pingcap/writebuffer/pkg/config"
	"github.com/pingcap/writebuffer/pkg/memtable"
	"github.com/pingcap/writebuffer/pkg/metrics"
	"github.com/pingcap/writebuffer/pkg/util/cache"
	"github.com/pingcap/writebuffer/pkg/util/logutil"
	"github.com/pingcap/writebuffer/pkg/writebuffer"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type simOptions struct {
	instances int
	writers   int
	valueSize int64
	duration  time.Duration
	// rate limits the writes per second of each writer, 0 means unlimited.
	rate float64
}

func (o simOptions) valid() error {
	if o.instances <= 0 || o.writers <= 0 {
		return errors.Errorf("instances and writers should be positive, got %d and %d", o.instances, o.writers)
	}
	if o.valueSize <= 0 {
		return errors.Errorf("value size should be positive, got %d", o.valueSize)
	}
	if o.duration <= 0 {
		return errors.Errorf("duration should be positive, got %s", o.duration)
	}
	if o.rate < 0 {
		return errors.Errorf("rate should not be negative, got %v", o.rate)
	}
	return nil
}

type simSummary struct {
	elapsed   time.Duration
	manager   writebuffer.Stats
	instances []memtable.InstanceStats
	cacheCost int64
}

func (s *simSummary) writes() int64 {
	var n int64
	for _, st := range s.instances {
		n += st.Writes
	}
	return n
}

func (s *simSummary) print(w io.Writer) {
	m := s.manager
	fmt.Fprintf(w, "elapsed:          %s\n", s.elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "writes:           %s\n", humanize.Comma(s.writes()))
	fmt.Fprintf(w, "buffer size:      %s\n", humanize.IBytes(uint64(m.BufferSize)))
	fmt.Fprintf(w, "peak usage:       %s\n", humanize.IBytes(uint64(m.PeakUsage)))
	fmt.Fprintf(w, "total reserved:   %s\n", humanize.IBytes(uint64(m.TotalReserved)))
	fmt.Fprintf(w, "stalls:           %s (%s)\n", humanize.Comma(m.StallCount), m.StallDuration.Round(time.Microsecond))
	fmt.Fprintf(w, "underflows:       %d\n", m.Underflows)
	if s.cacheCost > 0 || m.CacheCharged > 0 {
		fmt.Fprintf(w, "cache charge:     %s (shortfall %s)\n", humanize.IBytes(uint64(m.CacheCharged)), humanize.IBytes(uint64(m.CacheShortfall)))
	}
	for _, st := range s.instances {
		fmt.Fprintf(w, "instance %-8s writes %s, flushes %s, flushed %s\n", st.Name,
			humanize.Comma(st.Writes), humanize.Comma(st.Flushes), humanize.IBytes(uint64(st.FlushedBytes)))
	}
}

// runSimulation writes to opts.instances instances sharing one manager until
// opts.duration elapses or ctx is done, then closes everything.
func runSimulation(ctx context.Context, conf *config.Config, opts simOptions) (_ *simSummary, err error) {
	logger := logutil.BgLogger()
	metrics.RegisterMetrics()

	wbOpts := []writebuffer.Option{
		writebuffer.WithName("wbm-sim"),
		writebuffer.WithAllowStall(conf.WriteBuffer.AllowStall),
	}
	var blockCache *cache.Cache
	if conf.WriteBuffer.CacheCapacity > 0 {
		if blockCache, err = cache.New(int64(conf.WriteBuffer.CacheCapacity)); err != nil {
			return nil, err
		}
		defer blockCache.Close()
		wbOpts = append(wbOpts, writebuffer.WithCache(blockCache))
	}
	wbm, err := writebuffer.New(int64(conf.WriteBuffer.BufferSize), wbOpts...)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Append(err, wbm.Release())
	}()

	instances := make([]*memtable.Instance, 0, opts.instances)
	defer func() {
		for _, db := range instances {
			err = multierr.Append(err, db.Close())
		}
	}()
	for i := 0; i < opts.instances; i++ {
		db, err := memtable.Open(fmt.Sprintf("db%d", i), wbm, memtable.Options{
			TableSize: int64(conf.MemTable.TableSize),
			BlockSize: int64(conf.MemTable.BlockSize),
		})
		if err != nil {
			return nil, err
		}
		instances = append(instances, db)
	}

	if conf.Status.ReportStatus && conf.Status.StatusAddr != "" {
		stop, err := startStatusServer(conf.Status.StatusAddr, &statusHandler{wbm: wbm, instances: instances})
		if err != nil {
			return nil, err
		}
		defer stop()
	}

	start := time.Now()
	writeCtx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()
	eg, egCtx := errgroup.WithContext(writeCtx)
	value := make([]byte, opts.valueSize)
	for _, db := range instances {
		for w := 0; w < opts.writers; w++ {
			db, w := db, w
			limiter := rate.NewLimiter(rate.Inf, 1)
			if opts.rate > 0 {
				limiter = rate.NewLimiter(rate.Limit(opts.rate), 1)
			}
			eg.Go(func() error {
				return writeLoop(egCtx, db, w, value, limiter)
			})
		}
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	summary := &simSummary{elapsed: time.Since(start)}
	for _, db := range instances {
		summary.instances = append(summary.instances, db.Stats())
	}
	summary.manager = wbm.Stats()
	if blockCache != nil {
		summary.cacheCost = blockCache.Cost()
	}
	logger.Info("simulation finished",
		zap.Duration("elapsed", summary.elapsed),
		zap.Int64("writes", summary.writes()),
		zap.Int64("peak", summary.manager.PeakUsage),
		zap.Int64("stalls", summary.manager.StallCount))
	return summary, nil
}

func writeLoop(ctx context.Context, db *memtable.Instance, writer int, value []byte, limiter *rate.Limiter) error {
	for seq := 0; ; seq++ {
		if err := limiter.Wait(ctx); err != nil {
			// Canceled, or the deadline comes before the next token.
			return nil
		}
		key := fmt.Sprintf("w%03d-%010d", writer, seq)
		if err := db.Put(ctx, []byte(key), value); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Annotatef(err, "instance %s writer %d", db.Name(), writer)
		}
	}
}

func startStatusServer(addr string, h *statusHandler) (stop func(), err error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Trace(err)
	}
	server := &http.Server{Handler: newStatusRouter(h), ReadHeaderTimeout: 5 * time.Second}
	done := make(chan struct{})
	go func() {
		defer close(done)
		logutil.BgLogger().Info("listening for status and metrics report", zap.String("addr", l.Addr().String()))
		if err := server.Serve(l); err != nil && err != http.ErrServerClosed {
			logutil.BgLogger().Warn("status server stopped", zap.Error(err))
		}
	}()
	return func() {
		_ = server.Close()
		<-done
	}, nil
}
