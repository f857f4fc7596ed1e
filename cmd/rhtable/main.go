// Copyright 2024 The Cockroach Authors
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

// rhtable exercises robinhood tables from the command line. It runs
// randomized workloads against a table held in a heap memory service,
// optionally persisting the heap to a snapshot directory, and inspects
// snapshots written by earlier runs.
package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/cockroachdb/robinhood"
	"github.com/cockroachdb/robinhood/internal/log"
	"github.com/cockroachdb/robinhood/mem"
	"github.com/dustin/go-humanize"
	"github.com/kr/pretty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/exp/rand"
)

func main() {
	os.Exit(runMain(vfs.Default, os.Stdout, os.Stderr, os.Args[1:]))
}

// runMain executes the command line and returns the process exit status.
// Table invariant violations panic through the fatal log path and are
// reported with status 2.
func runMain(fs vfs.FS, stdout, stderr io.Writer, args []string) (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(stderr, "fatal: %v\n", r)
			code = 2
		}
	}()
	cmd := makeRootCommand(fs, stdout)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func makeRootCommand(fs vfs.FS, out io.Writer) *cobra.Command {
	var verbosity int32
	command := &cobra.Command{
		Use:   "rhtable [command] (flags)",
		Short: "rhtable runs workloads against robin hood hash tables and inspects buffer snapshots.",
		Long: `rhtable runs workloads against robin hood hash tables and inspects buffer snapshots.

Typical usage:
    rhtable workload --ops 1000000 --capacity 16 --dir snap
        Run a random workload, cross-check it against a builtin map and
        persist the resulting buffers to snap.

    rhtable dump --dir snap --cells
        Print the table persisted by the previous command cell by cell.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbosity <= 0 {
				return
			}
			l, err := zap.NewDevelopment()
			if err == nil {
				log.SetLogger(l)
			}
			log.SetVerbosity(verbosity)
		},
	}
	command.PersistentFlags().Int32VarP(&verbosity, "verbosity", "v", 0, "log verbosity; resizes are logged at 1")

	command.AddCommand(makeWorkloadCommand(fs, out))
	command.AddCommand(makeDumpCommand(fs, out))
	command.AddCommand(makeBuffersCommand(fs, out))
	return command
}

func registerDirFlag(flags *pflag.FlagSet, dir *string, usage string) {
	flags.StringVar(dir, "dir", *dir, usage)
}

// countingService is a heap that counts resizes.
type countingService struct {
	*mem.Heap
	resizes int
}

func (s *countingService) Resize(b *mem.Buffer, newSize uint64) (uint64, error) {
	s.resizes++
	return s.Heap.Resize(b, newSize)
}

type workloadConfig struct {
	name       string
	dir        string
	capacity   uint64
	ops        int
	keys       uint64
	seed       uint64
	eraseRatio float64
	limit      uint64
}

func defaultWorkloadConfig() workloadConfig {
	return workloadConfig{
		name:       "workload",
		capacity:   16,
		ops:        100000,
		keys:       10000,
		seed:       1,
		eraseRatio: 0.2,
	}
}

func makeWorkloadCommand(fs vfs.FS, out io.Writer) *cobra.Command {
	config := defaultWorkloadConfig()
	cmd := &cobra.Command{
		Use:   "workload",
		Short: "Run a random workload against a table and cross-check it against a builtin map.",
		Long: `Run a random mix of set, get and erase operations against a Table[uint64,uint64].

Every operation is mirrored in a builtin map and the table contents are
compared with the map at the end of the run. When --dir is given, the heap is
restored from the directory before the run and snapshotted to it afterwards,
so successive runs keep working on the same table.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkload(fs, out, config)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&config.name, "name", config.name, "buffer name of the table")
	registerDirFlag(flags, &config.dir, "snapshot directory to restore from and save to")
	flags.Uint64Var(&config.capacity, "capacity", config.capacity, "initial capacity of a new table")
	flags.IntVar(&config.ops, "ops", config.ops, "number of operations")
	flags.Uint64Var(&config.keys, "keys", config.keys, "size of the key space")
	flags.Uint64Var(&config.seed, "seed", config.seed, "random seed for the operation mix")
	flags.Float64Var(&config.eraseRatio, "erase-ratio", config.eraseRatio, "fraction of operations that erase")
	flags.Var(newBytesValue(&config.limit), "limit", "heap limit, e.g. 64MiB; 0 means unlimited")
	return cmd
}

func runWorkload(fs vfs.FS, out io.Writer, config workloadConfig) error {
	if config.keys == 0 {
		return errors.New("--keys must be positive")
	}
	if config.eraseRatio < 0 || config.eraseRatio > 1 {
		return errors.Newf("--erase-ratio %v not in [0, 1]", config.eraseRatio)
	}
	var opts []mem.HeapOption
	if config.limit > 0 {
		opts = append(opts, mem.WithLimit(config.limit))
	}
	svc := &countingService{Heap: mem.NewHeap(opts...)}
	if config.dir != "" {
		if err := mem.Restore(fs, config.dir, svc.Heap); err != nil {
			return err
		}
	}

	t, err := robinhood.New[uint64, uint64](config.name, config.capacity,
		robinhood.WithService[uint64, uint64](svc))
	if err != nil {
		return err
	}
	expected := make(map[uint64]uint64, t.Len())
	t.All(func(k, v uint64) bool {
		expected[k] = v
		return true
	})

	rng := rand.New(rand.NewSource(config.seed))
	var sets, gets, erases int
	getRatio := config.eraseRatio + (1-config.eraseRatio)/2
	for i := 0; i < config.ops; i++ {
		k := rng.Uint64n(config.keys)
		switch p := rng.Float64(); {
		case p < config.eraseRatio:
			erases++
			_, want := expected[k]
			if got := t.Erase(k); got != want {
				return errors.Newf("op %d: erase(%d) = %t, expected %t", i, k, got, want)
			}
			delete(expected, k)
		case p < getRatio:
			gets++
			v, ok := t.Get(k)
			if ev, eok := expected[k]; v != ev || ok != eok {
				return errors.Newf("op %d: get(%d) = (%d, %t), expected (%d, %t)", i, k, v, ok, ev, eok)
			}
		default:
			sets++
			v := rng.Uint64()
			t.Set(k, v)
			expected[k] = v
		}
	}

	if t.Len() != len(expected) {
		return errors.Newf("table holds %d entries, expected %d", t.Len(), len(expected))
	}
	for k, ev := range expected {
		if v, ok := t.Get(k); !ok || v != ev {
			return errors.Newf("get(%d) = (%d, %t), expected (%d, true)", k, v, ok, ev)
		}
	}

	fmt.Fprintf(out, "%s\n", t)
	fmt.Fprintf(out, "ops=%d sets=%d gets=%d erases=%d resizes=%d\n",
		config.ops, sets, gets, erases, svc.resizes)
	stats := svc.Stats()
	if stats.Limit > 0 {
		fmt.Fprintf(out, "heap: %d buffers, %s of %s\n",
			stats.Buffers, humanize.IBytes(stats.Bytes), humanize.IBytes(stats.Limit))
	} else {
		fmt.Fprintf(out, "heap: %d buffers, %s\n", stats.Buffers, humanize.IBytes(stats.Bytes))
	}

	if config.dir != "" {
		if err := mem.Snapshot(fs, config.dir, svc.Heap); err != nil {
			return err
		}
		fmt.Fprintf(out, "snapshot written to %s\n", config.dir)
	}
	return nil
}

type dumpConfig struct {
	name   string
	dir    string
	pretty bool
	cells  bool
}

func makeDumpCommand(fs vfs.FS, out io.Writer) *cobra.Command {
	config := dumpConfig{name: "workload"}
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print a table restored from a snapshot directory.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(fs, out, config)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&config.name, "name", config.name, "buffer name of the table")
	registerDirFlag(flags, &config.dir, "snapshot directory")
	flags.BoolVar(&config.cells, "cells", config.cells, "print every physical cell")
	flags.BoolVar(&config.pretty, "pretty", config.pretty, "pretty-print occupied cells")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}

func runDump(fs vfs.FS, out io.Writer, config dumpConfig) error {
	h := mem.NewHeap()
	if err := mem.Restore(fs, config.dir, h); err != nil {
		return err
	}
	if _, ok := h.Find(config.name); !ok {
		return errors.Newf("no buffer %q in %s", config.name, config.dir)
	}
	t, err := robinhood.New[uint64, uint64](config.name, 0,
		robinhood.WithService[uint64, uint64](h))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\n", t)
	fmt.Fprintf(out, "buffer: %s\n", t.Buffer())
	if !config.cells && !config.pretty {
		return nil
	}
	t.Cells(func(i int, c robinhood.Cell[uint64, uint64]) bool {
		switch {
		case c.Empty():
			if config.cells {
				fmt.Fprintf(out, "  %d: empty\n", i)
			}
		case config.pretty:
			fmt.Fprintf(out, "  %d: %s\n", i, pretty.Sprintf("%# v", c))
		default:
			fmt.Fprintf(out, "  %d: %d=%d d=%d\n", i, c.Key, c.Value, c.Distance)
		}
		return true
	})
	return nil
}

func makeBuffersCommand(fs vfs.FS, out io.Writer) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "buffers",
		Short: "List the buffers held in a snapshot directory.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuffers(fs, out, dir)
		},
	}
	registerDirFlag(cmd.Flags(), &dir, "snapshot directory")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}

func runBuffers(fs vfs.FS, out io.Writer, dir string) error {
	h := mem.NewHeap()
	if err := mem.Restore(fs, dir, h); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 2, 1, 2, ' ', 0)
	fmt.Fprintf(tw, "name\tkind\tsize\n")
	for _, name := range h.Names() {
		b, _ := h.Find(name)
		fmt.Fprintf(tw, "%s\t%s\t%s\n", name, b.Kind, humanize.IBytes(b.Size()))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	stats := h.Stats()
	fmt.Fprintf(out, "%d buffers, %s\n", stats.Buffers, humanize.IBytes(stats.Bytes))
	return nil
}
