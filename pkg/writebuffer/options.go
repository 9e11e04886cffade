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
	"github.com/pingcap/writebuffer/pkg/util/memory"
	"go.uber.org/zap"
)

// DefaultReservationUnit is the granularity of the cost charged to a cache.
// The charge only changes when the usage crosses a multiple of it.
const DefaultReservationUnit int64 = 256 << 10

// CostCache is the part of a shared cache the manager charges write buffer
// memory to. *cache.Cache implements it.
type CostCache interface {
	// Capacity returns the maximum total cost of the cache.
	Capacity() int64
	// Set inserts or resizes the entry of key and reports whether it is resident.
	Set(key uint64, value any, cost int64) bool
	// Del removes the entry of key.
	Del(key uint64)
}

type options struct {
	name            string
	allowStall      bool
	cache           CostCache
	reservationUnit int64
	logger          *zap.Logger
	onExceed        memory.ActionOnExceed
}

// Option configures a Manager.
type Option func(*options)

// WithAllowStall makes ReserveMem block while the usage is above the limit.
func WithAllowStall(allowStall bool) Option {
	return func(o *options) {
		o.allowStall = allowStall
	}
}

// WithCache charges the write buffer memory to c. The cache is not owned by
// the manager and must outlive it.
func WithCache(c CostCache) Option {
	return func(o *options) {
		o.cache = c
	}
}

// WithReservationUnit sets the granularity of the cache charge.
func WithReservationUnit(unit int64) Option {
	return func(o *options) {
		if unit > 0 {
			o.reservationUnit = unit
		}
	}
}

// WithName sets the name used in logs and metrics.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithLogger sets the logger of the manager.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithActionOnExceed sets the action taken when the usage exceeds the limit
// and stalling is not allowed. It logs a warning by default.
func WithActionOnExceed(action memory.ActionOnExceed) Option {
	return func(o *options) {
		o.onExceed = action
	}
}
