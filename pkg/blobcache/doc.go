// Package blobcache provides a single-process, append-only,
// crash-recoverable persistent key-value store.
//
// Values are compressed and concatenated into one append-only data
// file; keys and their locators live in an in-memory index backed by a
// snapshot file; every mutation is journaled to a write-ahead log (WAL)
// before being considered applied. On Open, the index snapshot is
// loaded and the WAL is replayed on top of it to reconstruct the
// authoritative key map.
//
// This overcomes the per-object file explosion a naive "one file per
// cache entry" layout suffers on conventional filesystems (inode
// exhaustion, directory lookup cost, metadata overhead), at the cost of
// allowing only one process to hold a given store open at a time.
//
// # Basic usage
//
//	store, err := blobcache.Open(blobcache.Options{Path: "/var/cache/app"})
//	if err != nil {
//	    // ErrBusy: another process holds this store open.
//	}
//	defer store.Close()
//
//	err = store.Set("k", []byte("v"), 0)
//	v, err := store.Get("k", nil, 0)
//
// # Concurrency
//
// Store is safe for concurrent use by multiple goroutines within one
// process: all public operations serialize on one internal mutex. Only
// one OS process may hold a given Path open; a second Open fails with
// ErrBusy.
//
// # Fragmentation and vacuum
//
// The data file only ever grows by appending; overwritten and deleted
// values leave dead bytes behind. Call Vacuum to rewrite the data file
// so it contains only bytes reachable from the current index, or rely
// on Close's auto-vacuum once FragmentationRatio exceeds
// Options.AutoVacuumThreshold.
package blobcache
