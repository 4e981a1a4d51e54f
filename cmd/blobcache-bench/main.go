// Package main provides blobcache-bench, a benchmark tool for
// pkg/blobcache: it seeds a store with a configurable number of
// entries of a configurable size and reports set/get throughput.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/calvinalkan/blobcache/pkg/blobcache"
)

// Config holds all benchmark configuration.
type Config struct {
	Dir       string
	Count     int
	ValueSize int
	TTL       time.Duration
	Vacuum    bool
}

func main() {
	cfg := Config{}

	flag.StringVar(&cfg.Dir, "dir", filepath.Join(os.TempDir(), "blobcache-bench"), "Directory for the benchmark store")
	flag.IntVar(&cfg.Count, "count", 100_000, "Number of entries to set and get")
	flag.IntVar(&cfg.ValueSize, "value-size", 5_000, "Size in bytes of each value")
	flag.DurationVar(&cfg.TTL, "ttl", 0, "TTL for seeded entries, 0 = never expires")
	flag.BoolVar(&cfg.Vacuum, "vacuum", false, "Vacuum after seeding and report the new fragmentation ratio")

	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: blobcache-bench [flags]\n\n")
		fmt.Fprint(os.Stderr, "Benchmarks pkg/blobcache: seeds -count entries of -value-size bytes,\n")
		fmt.Fprint(os.Stderr, "times Set and Get passes, and reports ops/sec.\n\n")
		fmt.Fprint(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "blobcache-bench: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg Config) error {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create bench dir: %w", err)
	}

	path := filepath.Join(cfg.Dir, "bench")

	store, err := blobcache.Open(blobcache.Options{Path: path})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close() //nolint:errcheck // best-effort cleanup after reporting

	fmt.Printf("seeding %d entries of %d bytes into %s\n", cfg.Count, cfg.ValueSize, path)

	keys := make([]string, cfg.Count)
	values := make([][]byte, cfg.Count)

	src := rand.New(rand.NewSource(1)) //nolint:gosec // benchmark data, not security-sensitive

	for i := range cfg.Count {
		keys[i] = fmt.Sprintf("%06d", i)
		values[i] = randomBytes(src, cfg.ValueSize)
	}

	setStart := time.Now()

	for i := range cfg.Count {
		if err := store.Set(keys[i], values[i], cfg.TTL); err != nil {
			return fmt.Errorf("set %q: %w", keys[i], err)
		}
	}

	setElapsed := time.Since(setStart)

	getStart := time.Now()

	for _, key := range keys {
		if _, err := store.Get(key, nil, 0); err != nil {
			return fmt.Errorf("get %q: %w", key, err)
		}
	}

	getElapsed := time.Since(getStart)

	fmt.Printf("set: %s (%.0f ops/sec)\n", setElapsed, opsPerSec(cfg.Count, setElapsed))
	fmt.Printf("get: %s (%.0f ops/sec)\n", getElapsed, opsPerSec(cfg.Count, getElapsed))

	ratio, err := store.FragmentationRatio()
	if err != nil {
		return fmt.Errorf("fragmentation ratio: %w", err)
	}

	fmt.Printf("fragmentation ratio: %.3f\n", ratio)

	if cfg.Vacuum {
		vacuumStart := time.Now()

		if err := store.Vacuum(); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}

		ratio, err = store.FragmentationRatio()
		if err != nil {
			return fmt.Errorf("fragmentation ratio after vacuum: %w", err)
		}

		fmt.Printf("vacuum: %s, fragmentation ratio now %.3f\n", time.Since(vacuumStart), ratio)
	}

	return nil
}

func opsPerSec(count int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}

	return float64(count) / elapsed.Seconds()
}

func randomBytes(src *rand.Rand, size int) []byte {
	buf := make([]byte, size)

	_, _ = src.Read(buf)

	return buf
}
