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

package config

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pingcap/errors"
	"github.com/pingcap/writebuffer/pkg/util/logutil"
)

// ErrConfigValidationFailed is returned when the configuration is invalid.
var ErrConfigValidationFailed = errors.New("config validation failed")

// ByteSize is a size in bytes written as a human readable string in the
// config file, for example "64MiB". Plain integers are read as bytes.
type ByteSize int64

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := units.RAMInBytes(strings.TrimSpace(string(text)))
	if err != nil {
		return errors.Trace(err)
	}
	*b = ByteSize(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(units.BytesSize(float64(b))), nil
}

// Config contains configuration options.
type Config struct {
	WriteBuffer WriteBuffer `toml:"write-buffer" json:"write-buffer"`
	MemTable    MemTable    `toml:"memtable" json:"memtable"`
	Log         Log         `toml:"log" json:"log"`
	Status      Status      `toml:"status" json:"status"`
}

// WriteBuffer is the write-buffer section of the config.
type WriteBuffer struct {
	// Memory limit of all the write buffers, 0 means unlimited.
	BufferSize ByteSize `toml:"buffer-size" json:"buffer-size"`
	// Block writers while the limit is exceeded.
	AllowStall bool `toml:"allow-stall" json:"allow-stall"`
	// Capacity of the cache the write buffers are charged to, 0 disables it.
	CacheCapacity ByteSize `toml:"cache-capacity" json:"cache-capacity"`
}

// MemTable is the memtable section of the config.
type MemTable struct {
	BlockSize ByteSize `toml:"block-size" json:"block-size"`
	TableSize ByteSize `toml:"table-size" json:"table-size"`
}

// Log is the log section of config.
type Log struct {
	// Log level.
	Level string `toml:"level" json:"level"`
	// Log format. one of json, text, or console.
	Format string `toml:"format" json:"format"`
	// Disable automatic timestamps in output.
	DisableTimestamp bool `toml:"disable-timestamp" json:"disable-timestamp"`
	// File log config.
	File logutil.FileLogConfig `toml:"file" json:"file"`
}

// Status is the status section of the config.
type Status struct {
	ReportStatus bool   `toml:"report-status" json:"report-status"`
	StatusAddr   string `toml:"status-addr" json:"status-addr"`
}

var defaultConf = Config{
	WriteBuffer: WriteBuffer{
		BufferSize: 64 * units.MiB,
		AllowStall: true,
	},
	MemTable: MemTable{
		BlockSize: 4 * units.KiB,
		TableSize: 4 * units.MiB,
	},
	Log: Log{
		Level:  logutil.DefaultLogLevel,
		Format: logutil.DefaultLogFormat,
		File:   logutil.NewFileLogConfig(logutil.DefaultLogMaxSize),
	},
	Status: Status{
		ReportStatus: true,
		StatusAddr:   "127.0.0.1:10080",
	},
}

var globalConf atomic.Pointer[Config]

func init() {
	StoreGlobalConfig(NewConfig())
}

// NewConfig creates a new config instance with default value.
func NewConfig() *Config {
	conf := defaultConf
	return &conf
}

// GetGlobalConfig returns the global configuration.
func GetGlobalConfig() *Config {
	return globalConf.Load()
}

// StoreGlobalConfig stores a new config to the globalConf.
func StoreGlobalConfig(config *Config) {
	globalConf.Store(config)
}

// Load loads config options from a toml file. Unknown items are rejected.
func (c *Config) Load(confFile string) error {
	metaData, err := toml.DecodeFile(confFile, c)
	if err != nil {
		return errors.Trace(err)
	}
	if undecoded := metaData.Undecoded(); len(undecoded) > 0 {
		items := make([]string, 0, len(undecoded))
		for _, item := range undecoded {
			items = append(items, item.String())
		}
		return errors.Annotatef(ErrConfigValidationFailed, "%s: unknown configuration items: %s",
			confFile, strings.Join(items, ", "))
	}
	return nil
}

// Valid checks if this config is valid.
func (c *Config) Valid() error {
	if c.WriteBuffer.BufferSize < 0 {
		return errors.Annotatef(ErrConfigValidationFailed, "write-buffer.buffer-size should not be negative")
	}
	if c.WriteBuffer.CacheCapacity < 0 {
		return errors.Annotatef(ErrConfigValidationFailed, "write-buffer.cache-capacity should not be negative")
	}
	if c.MemTable.BlockSize <= 0 {
		return errors.Annotatef(ErrConfigValidationFailed, "memtable.block-size should be positive")
	}
	if c.WriteBuffer.AllowStall && c.WriteBuffer.BufferSize > 0 && c.WriteBuffer.BufferSize < c.MemTable.BlockSize {
		return errors.Annotatef(ErrConfigValidationFailed, "write-buffer.buffer-size %s is smaller than memtable.block-size %s",
			units.BytesSize(float64(c.WriteBuffer.BufferSize)), units.BytesSize(float64(c.MemTable.BlockSize)))
	}
	if c.MemTable.TableSize < c.MemTable.BlockSize {
		return errors.Annotatef(ErrConfigValidationFailed, "memtable.table-size %s is smaller than block-size %s",
			units.BytesSize(float64(c.MemTable.TableSize)), units.BytesSize(float64(c.MemTable.BlockSize)))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error", "fatal":
	default:
		return errors.Annotatef(ErrConfigValidationFailed, "unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json", "console":
	default:
		return errors.Annotatef(ErrConfigValidationFailed, "unknown log format %q", c.Log.Format)
	}
	return nil
}

// Load creates a config from the defaults overwritten by confFile and checks
// it. An empty confFile returns the defaults.
func Load(confFile string) (*Config, error) {
	c := NewConfig()
	if confFile != "" {
		if err := c.Load(confFile); err != nil {
			return nil, err
		}
	}
	if err := c.Valid(); err != nil {
		return nil, err
	}
	return c, nil
}

// ToLogConfig converts *Log to *logutil.LogConfig.
func (l *Log) ToLogConfig() *logutil.LogConfig {
	return logutil.NewLogConfig(l.Level, l.Format, l.File, l.DisableTimestamp)
}

func (c *Config) String() string {
	return fmt.Sprintf("write-buffer: {buffer-size: %s, allow-stall: %v, cache-capacity: %s}, memtable: {block-size: %s, table-size: %s}",
		units.BytesSize(float64(c.WriteBuffer.BufferSize)), c.WriteBuffer.AllowStall,
		units.BytesSize(float64(c.WriteBuffer.CacheCapacity)),
		units.BytesSize(float64(c.MemTable.BlockSize)), units.BytesSize(float64(c.MemTable.TableSize)))
}
