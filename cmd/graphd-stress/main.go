// Copyright 2024 The Tessera authors. All Rights Reserved.
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

// graphd-stress drives randomized add/checkpoint cycles against a graphd
// database and checks the testable properties of spec.md §8 along the way.
// It is the bundled stress harness spec.md §6 refers to: exit 0 on success,
// 64 on a usage error, 70 on an internal/consistency error, 75 if
// interrupted before finishing.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/google/graphd"
	"github.com/google/graphd/index"
)

const (
	exitOK          = 0
	exitUsage       = 64
	exitInternal    = 70
	exitInterrupted = 75
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		dir         = flag.String("dir", "", "database directory (required)")
		indexName   = flag.String("index", "edges", "name of the index subdirectory to stress")
		sources     = flag.Uint64("sources", 1000, "number of distinct source ids to spread writes across")
		rounds      = flag.Int("rounds", 2000, "number of add operations to perform")
		seed        = flag.Int64("seed", 1, "PRNG seed, for reproducing a run")
		checkpointN = flag.Int("checkpoint_every", 200, "perform a checkpoint after this many adds")
		hardSync    = flag.Bool("hard_sync", true, "fsync on checkpoint")
		verifyOnly  = flag.Bool("verify", false, "skip the stress run and only verify an existing database at -dir")
	)
	klog.InitFlags(nil)
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "graphd-stress: -dir is required")
		return exitUsage
	}

	if *verifyOnly {
		if err := graphd.Verify(*dir); err != nil {
			klog.Errorf("verify failed: %v", err)
			return exitInternal
		}
		klog.Info("verify OK")
		return exitOK
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := graphd.Open(*dir, graphd.WithHardSync(*hardSync))
	if err != nil {
		klog.Errorf("open %q: %v", *dir, err)
		return exitInternal
	}
	defer db.Close()

	ix, err := db.Index(*indexName)
	if err != nil {
		klog.Errorf("open index %q: %v", *indexName, err)
		return exitInternal
	}

	rnd := rand.New(rand.NewSource(*seed))
	next := make([]uint64, *sources)

	for i := 0; i < *rounds; i++ {
		select {
		case <-ctx.Done():
			klog.Warning("interrupted, stopping early")
			return exitInterrupted
		default:
		}

		src := uint64(rnd.Intn(int(*sources)))
		next[src] += uint64(1 + rnd.Intn(3))
		if err := ix.Add(src, next[src], index.AddOptions{}); err != nil {
			klog.Errorf("add(%d, %d): %v", src, next[src], err)
			return exitInternal
		}

		if (i+1)%*checkpointN == 0 {
			if err := db.Checkpoint(ctx); err != nil {
				klog.Errorf("checkpoint: %v", err)
				return exitInternal
			}
			klog.V(1).Infof("round %d: checkpoint done", i+1)
		}
	}

	if err := db.Checkpoint(ctx); err != nil {
		klog.Errorf("final checkpoint: %v", err)
		return exitInternal
	}

	if err := checkAscending(ix, *sources, next); err != nil {
		klog.Errorf("post-run check failed: %v", err)
		return exitInternal
	}

	if err := graphd.Verify(*dir); err != nil {
		klog.Errorf("post-run verify failed: %v", err)
		return exitInternal
	}

	klog.Infof("graphd-stress: %d rounds across %d sources OK", *rounds, *sources)
	return exitOK
}

// checkAscending confirms the sorted-set ordering property of spec.md §8:
// every source's forward iterator yields a strictly increasing sequence
// ending at the last value this run wrote for it.
func checkAscending(ix *index.Index, sources uint64, last []uint64) error {
	start := time.Now()
	checked := 0
	for src := uint64(0); src < sources; src++ {
		if last[src] == 0 {
			continue
		}
		it, err := ix.Iterator(src, false)
		if err != nil {
			return fmt.Errorf("iterator(%d): %w", src, err)
		}
		var prev uint64
		havePrev := false
		for {
			v, ok, err := it.Next()
			if err != nil {
				return fmt.Errorf("iterator(%d).Next: %w", src, err)
			}
			if !ok {
				break
			}
			if havePrev && v <= prev {
				return fmt.Errorf("source %d: not strictly ascending (%d after %d)", src, v, prev)
			}
			prev, havePrev = v, true
		}
		if prev != last[src] {
			return fmt.Errorf("source %d: last iterated value %d != last written %d", src, prev, last[src])
		}
		checked++
	}
	klog.V(1).Infof("checked %d sources in %s", checked, time.Since(start))
	return nil
}
