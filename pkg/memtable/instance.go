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

package memtable

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/pingcap/errors"
	"github.com/pingcap/writebuffer/pkg/metrics"
	"github.com/pingcap/writebuffer/pkg/util/logutil"
	"github.com/pingcap/writebuffer/pkg/writebuffer"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// DefaultTableSize is the size at which the mutable table is switched.
	DefaultTableSize int64 = 4 << 20
	// DefaultFlushCheckInterval is how often the flusher checks the manager.
	DefaultFlushCheckInterval = 10 * time.Millisecond
)

// Options configures an Instance.
type Options struct {
	TableSize          int64
	BlockSize          int64
	FlushCheckInterval time.Duration
	Logger             *zap.Logger
}

// Instance is one simulated engine: a mutable memtable, a queue of immutable
// memtables waiting for flush and the flushed data. All its memtables charge
// the shared manager.
type Instance struct {
	name   string
	opts   Options
	wbm    *writebuffer.Manager
	logger *zap.Logger

	mu         sync.RWMutex
	active     *MemTable
	immutables []*MemTable
	nextID     uint64
	closed     bool

	flushMu   sync.Mutex
	persistMu sync.RWMutex
	persisted *btree.BTreeG[*entry]

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writes       atomic.Int64
	flushes      atomic.Int64
	flushedBytes atomic.Int64
	flushCounter prometheus.Counter
}

// Open creates an Instance charging wbm and starts its flusher. The first
// arena block is charged right away when it fits the limit, later memtables
// charge on their first write. The instance holds a reference on wbm until
// Close.
func Open(name string, wbm *writebuffer.Manager, opts Options) (*Instance, error) {
	if wbm == nil {
		return nil, errors.New("write buffer manager is required")
	}
	if opts.TableSize <= 0 {
		opts.TableSize = DefaultTableSize
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.FlushCheckInterval <= 0 {
		opts.FlushCheckInterval = DefaultFlushCheckInterval
	}
	if opts.Logger == nil {
		opts.Logger = logutil.BgLogger()
	}
	if exceedsBufferSize(wbm, opts.BlockSize) {
		return nil, errors.Annotatef(ErrExceedsBufferSize, "block size %d, buffer size %d",
			opts.BlockSize, wbm.BufferSize())
	}
	wbm, err := wbm.Retain()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	db := &Instance{
		name:         name,
		opts:         opts,
		wbm:          wbm,
		logger:       opts.Logger.With(zap.String(logutil.LogFieldInstance, name)),
		persisted:    newTree(),
		kick:         make(chan struct{}, 1),
		cancel:       cancel,
		flushCounter: metrics.MemTableFlushCounter.WithLabelValues(name),
	}
	db.active = NewMemTable(db.nextID, wbm, opts.BlockSize)
	db.active.reserveArena()
	db.wg.Add(1)
	go db.flushLoop(ctx)
	db.logger.Info("instance opened",
		zap.Int64("table-size", opts.TableSize),
		zap.Int64("block-size", opts.BlockSize))
	return db, nil
}

// Name returns the instance name.
func (db *Instance) Name() string {
	return db.name
}

func (db *Instance) mutable() (*MemTable, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, errors.Trace(ErrInstanceClosed)
	}
	return db.active, nil
}

// Put writes key. It may block while the shared write buffer limit is
// exceeded, until ctx is done or enough memtables have been flushed.
func (db *Instance) Put(ctx context.Context, key, value []byte) error {
	if db.wbm.ShouldFlush() || db.wbm.ShouldStall() {
		db.scheduleFlush()
	}
	for {
		mt, err := db.mutable()
		if err != nil {
			return err
		}
		err = mt.Put(ctx, key, value)
		if errors.ErrorEqual(err, ErrMemTableFrozen) {
			continue
		}
		if err != nil {
			return err
		}
		db.writes.Inc()
		if mt.ApproximateMemoryUsage() >= db.opts.TableSize {
			db.scheduleFlush()
		}
		return nil
	}
}

// Get returns the latest value of key.
func (db *Instance) Get(key []byte) ([]byte, bool) {
	db.mu.RLock()
	if db.active != nil {
		if v, ok := db.active.Get(key); ok {
			db.mu.RUnlock()
			return v, true
		}
	}
	for i := len(db.immutables) - 1; i >= 0; i-- {
		if v, ok := db.immutables[i].Get(key); ok {
			db.mu.RUnlock()
			return v, true
		}
	}
	db.mu.RUnlock()

	// Tables leave the immutable queue only after they are persisted.
	db.persistMu.RLock()
	defer db.persistMu.RUnlock()
	e, ok := db.persisted.Get(&entry{key: key})
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Flush switches the mutable memtable and flushes every immutable one before
// returning.
func (db *Instance) Flush() error {
	if _, err := db.mutable(); err != nil {
		return err
	}
	db.switchMemTable()
	return db.flushImmutables()
}

// Close flushes all the memtables, gives their memory back to the manager
// and drops the reference on it.
func (db *Instance) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return errors.Trace(ErrInstanceClosed)
	}
	db.closed = true
	db.active.Freeze()
	db.immutables = append(db.immutables, db.active)
	db.active = nil
	db.mu.Unlock()

	db.cancel()
	db.wg.Wait()
	err := multierr.Combine(db.flushImmutables(), db.wbm.Release())
	db.logger.Info("instance closed",
		zap.Int64("flushes", db.flushes.Load()),
		zap.Int64("writes", db.writes.Load()))
	return err
}

// scheduleFlush switches the mutable memtable and wakes the flusher.
func (db *Instance) scheduleFlush() {
	db.switchMemTable()
	select {
	case db.kick <- struct{}{}:
	default:
	}
}

func (db *Instance) switchMemTable() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed || db.active.ApproximateMemoryUsage() == 0 {
		return false
	}
	db.active.Freeze()
	db.immutables = append(db.immutables, db.active)
	db.nextID++
	db.active = NewMemTable(db.nextID, db.wbm, db.opts.BlockSize)
	return true
}

func (db *Instance) flushLoop(ctx context.Context) {
	defer db.wg.Done()
	ticker := time.NewTicker(db.opts.FlushCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-db.kick:
		case <-ticker.C:
			// Writers stalled in the manager cannot kick the flusher.
			if !db.wbm.IsStallActive() && !db.wbm.ShouldFlush() {
				continue
			}
			db.switchMemTable()
		}
		if err := db.flushImmutables(); err != nil {
			db.logger.Warn("flush memtables failed", zap.Error(err))
		}
	}
}

// flushImmutables moves the immutable memtables, oldest first, to the
// persisted tree and releases their memory.
func (db *Instance) flushImmutables() error {
	db.flushMu.Lock()
	defer db.flushMu.Unlock()
	for {
		db.mu.RLock()
		if len(db.immutables) == 0 {
			db.mu.RUnlock()
			return nil
		}
		mt := db.immutables[0]
		db.mu.RUnlock()

		db.persistMu.Lock()
		mt.Ascend(func(key, value []byte) bool {
			db.persisted.ReplaceOrInsert(&entry{key: key, value: value})
			return true
		})
		db.persistMu.Unlock()

		db.mu.Lock()
		db.immutables = db.immutables[1:]
		db.mu.Unlock()

		size := mt.ApproximateMemoryUsage()
		if err := mt.Release(); err != nil {
			return errors.Trace(err)
		}
		db.flushes.Inc()
		db.flushedBytes.Add(size)
		db.flushCounter.Inc()
		db.logger.Debug("memtable flushed",
			zap.Uint64("id", mt.ID()),
			zap.Int("keys", mt.Len()),
			zap.Int64("size", size))
	}
}

// InstanceStats is a snapshot of the instance counters.
type InstanceStats struct {
	Name           string `json:"name"`
	MutableBytes   int64  `json:"mutable_bytes"`
	ImmutableBytes int64  `json:"immutable_bytes"`
	ImmutableCount int    `json:"immutable_count"`
	PersistedKeys  int    `json:"persisted_keys"`
	Writes         int64  `json:"writes"`
	Flushes        int64  `json:"flushes"`
	FlushedBytes   int64  `json:"flushed_bytes"`
}

// Stats returns a snapshot of the instance counters.
func (db *Instance) Stats() InstanceStats {
	s := InstanceStats{
		Name:         db.name,
		Writes:       db.writes.Load(),
		Flushes:      db.flushes.Load(),
		FlushedBytes: db.flushedBytes.Load(),
	}
	db.mu.RLock()
	if db.active != nil {
		s.MutableBytes = db.active.ApproximateMemoryUsage()
	}
	s.ImmutableCount = len(db.immutables)
	for _, mt := range db.immutables {
		s.ImmutableBytes += mt.ApproximateMemoryUsage()
	}
	db.mu.RUnlock()

	db.persistMu.RLock()
	s.PersistedKeys = db.persisted.Len()
	db.persistMu.RUnlock()
	return s
}
