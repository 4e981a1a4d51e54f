package blobcache

import "go.uber.org/zap"

// defaultAutoVacuumThreshold is used when Options.AutoVacuumThreshold is
// left at its zero value.
const defaultAutoVacuumThreshold = 0.5

// Options configures Open.
type Options struct {
	// Path is the base path for the store's three files: Path+".data.bin",
	// Path+".index.bin", Path+".wal.bin". Required.
	Path string

	// AutoVacuumThreshold is the fragmentation ratio above which Close
	// triggers a Vacuum. Must be in [0,1]. Zero means "use the default"
	// (0.5).
	AutoVacuumThreshold float64

	// Logger receives debug-level operational logging. Optional; a
	// no-op logger is installed when nil.
	Logger *zap.SugaredLogger
}

func (o Options) validate() error {
	if o.Path == "" {
		return wrapInvalid("path must not be empty")
	}

	if o.AutoVacuumThreshold < 0 || o.AutoVacuumThreshold > 1 {
		return wrapInvalid("auto vacuum threshold must be in [0,1]")
	}

	return nil
}

func (o Options) withDefaults() Options {
	if o.AutoVacuumThreshold == 0 {
		o.AutoVacuumThreshold = defaultAutoVacuumThreshold
	}

	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}

	return o
}

// indexEntry is the in-memory locator for one key.
type indexEntry struct {
	start   uint64
	length  uint32
	expires uint32 // 0 means "never expires"
}

// Stats is a point-in-time snapshot of store counters, returned by
// Store.Stats.
type Stats struct {
	Hits               int64
	Sets               int64
	Deletes            int64
	Misses             int64
	Refreshes          int64
	FragmentationRatio float64
	TotalKeys          int
	DataFileSizeBytes  int64
}
