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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/pingcap/writebuffer/pkg/config"
	"github.com/pingcap/writebuffer/pkg/util/logutil"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	// Set the correct GOMAXPROCS when it runs inside a container.
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
)

const (
	flagConfig     = "config"
	flagInstances  = "instances"
	flagWriters    = "writers"
	flagValueSize  = "value-size"
	flagDuration   = "duration"
	flagStatusAddr = "status-addr"
	flagLogLevel   = "log-level"
	flagBufferSize = "buffer-size"
	flagAllowStall = "allow-stall"
	flagRate       = "rate"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	go func() {
		sig := <-sc
		log.Warn("received signal to exit", zap.Stringer("signal", sig))
		cancel()
		fmt.Fprintln(os.Stderr, "gracefully shutting down, press ^C again to force exit")
		<-sc
		os.Exit(1)
	}()

	rootCmd := newRootCommand()
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetArgs(os.Args[1:])
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cancel()
		log.Error("wbm-sim failed", zap.Error(err))
		os.Exit(1) // nolint:gocritic
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "wbm-sim",
		Short:        "wbm-sim runs simulated engine instances sharing one write buffer manager.",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE:         runRoot,
	}
	defineFlags(cmd.Flags())
	return cmd
}

func defineFlags(flags *pflag.FlagSet) {
	flags.StringP(flagConfig, "C", "", "Path of the toml config file")
	flags.Int(flagInstances, 2, "Number of engine instances sharing the manager")
	flags.Int(flagWriters, 4, "Number of writers per instance")
	flags.String(flagValueSize, "1KiB", "Size of each written value")
	flags.Duration(flagDuration, 10*time.Second, "How long to write")
	flags.Float64(flagRate, 0, "Writes per second of each writer, 0 means unlimited")
	flags.String(flagStatusAddr, "", "Overrides status.status-addr, set to empty string to disable the status server")
	flags.StringP(flagLogLevel, "L", "", "Overrides log.level")
	flags.String(flagBufferSize, "", "Overrides write-buffer.buffer-size")
	flags.Bool(flagAllowStall, true, "Overrides write-buffer.allow-stall when set")
}

func runRoot(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	confPath, err := flags.GetString(flagConfig)
	if err != nil {
		return errors.Trace(err)
	}
	conf, err := config.Load(confPath)
	if err != nil {
		return err
	}
	if err := overrideConfig(cmd, conf); err != nil {
		return err
	}
	if err := conf.Valid(); err != nil {
		return err
	}
	config.StoreGlobalConfig(conf)
	if err := logutil.InitLogger(conf.Log.ToLogConfig()); err != nil {
		return err
	}
	logutil.BgLogger().Info("starting wbm-sim", zap.Stringer("config", conf))

	opts, err := simOptionsFromFlags(cmd)
	if err != nil {
		return err
	}
	summary, err := runSimulation(cmd.Context(), conf, opts)
	if err != nil {
		return err
	}
	summary.print(cmd.OutOrStdout())
	return nil
}

func overrideConfig(cmd *cobra.Command, conf *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed(flagStatusAddr) {
		addr, err := flags.GetString(flagStatusAddr)
		if err != nil {
			return errors.Trace(err)
		}
		conf.Status.StatusAddr = addr
		conf.Status.ReportStatus = addr != ""
	}
	if flags.Changed(flagLogLevel) {
		level, err := flags.GetString(flagLogLevel)
		if err != nil {
			return errors.Trace(err)
		}
		conf.Log.Level = level
	}
	if flags.Changed(flagBufferSize) {
		s, err := flags.GetString(flagBufferSize)
		if err != nil {
			return errors.Trace(err)
		}
		if err := conf.WriteBuffer.BufferSize.UnmarshalText([]byte(s)); err != nil {
			return errors.Annotatef(err, "invalid --%s", flagBufferSize)
		}
	}
	if flags.Changed(flagAllowStall) {
		allow, err := flags.GetBool(flagAllowStall)
		if err != nil {
			return errors.Trace(err)
		}
		conf.WriteBuffer.AllowStall = allow
	}
	return nil
}

func simOptionsFromFlags(cmd *cobra.Command) (simOptions, error) {
	flags := cmd.Flags()
	var (
		opts simOptions
		err  error
	)
	if opts.instances, err = flags.GetInt(flagInstances); err != nil {
		return opts, errors.Trace(err)
	}
	if opts.writers, err = flags.GetInt(flagWriters); err != nil {
		return opts, errors.Trace(err)
	}
	if opts.duration, err = flags.GetDuration(flagDuration); err != nil {
		return opts, errors.Trace(err)
	}
	if opts.rate, err = flags.GetFloat64(flagRate); err != nil {
		return opts, errors.Trace(err)
	}
	valueSize, err := flags.GetString(flagValueSize)
	if err != nil {
		return opts, errors.Trace(err)
	}
	if opts.valueSize, err = units.RAMInBytes(valueSize); err != nil {
		return opts, errors.Annotatef(err, "invalid --%s", flagValueSize)
	}
	return opts, opts.valid()
}
