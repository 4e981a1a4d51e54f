package blobcache

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Store is a handle to an open key-value store. All public methods are
// safe for concurrent use by multiple goroutines in this process; they
// serialize on one internal mutex, per spec.md §5. Only one process may
// hold a given Options.Path open at a time — a second Open fails with
// ErrBusy.
type Store struct {
	mu sync.Mutex

	opts  Options
	files *fileSet
	index map[string]indexEntry
	log   *zap.SugaredLogger

	hits, sets, deletes, misses, refreshes int64

	closed bool
}

// Open opens or creates the store at opts.Path, recovering its index
// from the index-file snapshot and WAL if present. It fails with
// ErrBusy if another process already holds the store open.
func Open(opts Options) (*Store, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	opts = opts.withDefaults()

	dataPath := opts.Path + ".data.bin"
	indexPath := opts.Path + ".index.bin"
	walPath := opts.Path + ".wal.bin"

	files, err := openFileSet(dataPath, walPath, opts.Logger)
	if err != nil {
		return nil, err
	}

	index, err := loadIndex(indexPath, walPath, nowUnix(), opts.Logger)
	if err != nil {
		files.closeBestEffort()
		return nil, err
	}

	if err := files.openWALAppend(); err != nil {
		files.closeBestEffort()
		return nil, err
	}

	return &Store{opts: opts, files: files, index: index, log: opts.Logger}, nil
}

// Set stores value under key with an optional ttl (a duration from
// now, stored as a whole-second Unix timestamp rounded down; ttl <= 0
// means "never expires"). value must be raw bytes or one of
// the structured shapes accepted by classify.
func (s *Store) Set(key string, value any, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.setLocked(key, value, ttl)
}

func (s *Store) setLocked(key string, value any, ttl time.Duration) error {
	if s.closed {
		return ErrClosed
	}

	isRaw, normalized, err := classify(value)
	if err != nil {
		return err
	}

	var raw []byte

	if isRaw {
		raw = normalized.([]byte)
	} else {
		raw, err = encodeStructured(normalized)
		if err != nil {
			return err
		}
	}

	compressed, err := compress(raw)
	if err != nil {
		return err
	}

	encoded := encodeFrame(isRaw, compressed)

	start, length, err := s.files.appendFrame(encoded)
	if err != nil {
		return err
	}

	expires := expiresAt(ttl)

	entry := indexEntry{start: start, length: length, expires: expires}

	if err := s.files.appendWAL(encodeWALPut(key, entry)); err != nil {
		return err
	}

	s.index[key] = entry
	s.sets++

	return nil
}

// SetOnMiss stores value under key only if key is not currently
// observable (absent or expired). It does not increment the sets
// counter when key already exists.
func (s *Store) SetOnMiss(key string, value any, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if s.hasLocked(key) {
		return nil
	}

	return s.setLocked(key, value, ttl)
}

// Get retrieves the value stored under key.
//
// If key is absent or expired and refresh is non-nil, refresh is
// invoked with key, its return value is stored with newTTL, and that
// value is returned. Without refresh, a missing or expired key returns
// ErrNotFound.
func (s *Store) Get(key string, refresh func(key string) (any, error), newTTL time.Duration) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	if s.hasLocked(key) {
		s.hits++

		entry := s.index[key]

		return s.readValueLocked(entry)
	}

	s.misses++

	if refresh == nil {
		return nil, ErrNotFound
	}

	s.refreshes++

	value, err := refresh(key)
	if err != nil {
		return nil, fmt.Errorf("blobcache: refresh callback: %w", err)
	}

	if err := s.setLocked(key, value, newTTL); err != nil {
		return nil, err
	}

	return value, nil
}

func (s *Store) readValueLocked(entry indexEntry) (any, error) {
	fr, err := s.files.readFrameAt(entry.start)
	if err != nil {
		return nil, err
	}

	raw, err := decompress(fr.compressed)
	if err != nil {
		return nil, err
	}

	if fr.isRaw {
		return raw, nil
	}

	return decodeStructured(raw)
}

// Has reports whether key is present in the index and not expired.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	return s.hasLocked(key)
}

func (s *Store) hasLocked(key string) bool {
	entry, ok := s.index[key]
	if !ok {
		return false
	}

	return entry.expires == 0 || entry.expires > nowUnix()
}

// Delete removes key from the store. A missing key is a no-op, not an
// error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.deleteLocked(key)
}

func (s *Store) deleteLocked(key string) error {
	if s.closed {
		return ErrClosed
	}

	if _, ok := s.index[key]; !ok {
		return nil
	}

	if err := s.files.appendWAL(encodeWALDelete(key)); err != nil {
		return err
	}

	delete(s.index, key)
	s.deletes++

	return nil
}

// DeleteStartsWith removes every key whose UTF-8 bytes begin with
// prefix's UTF-8 bytes.
func (s *Store) DeleteStartsWith(prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	var matching []string

	for key := range s.index {
		if strings.HasPrefix(key, prefix) {
			matching = append(matching, key)
		}
	}

	for _, key := range matching {
		if err := s.deleteLocked(key); err != nil {
			return err
		}
	}

	return nil
}

// WhenExpired returns key's absolute expiration timestamp, or (if
// relative is true) the number of seconds remaining until expiration
// (negative if already expired). It fails with ErrNotFound only if key
// is absent from the index; a key whose expiry has passed but is still
// indexed is reported like any other.
func (s *Store) WhenExpired(key string, relative bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	entry, ok := s.index[key]
	if !ok {
		return 0, ErrNotFound
	}

	if relative {
		return int64(entry.expires) - int64(nowUnix()), nil
	}

	return int64(entry.expires), nil
}

// Stats returns a snapshot of the store's counters.
func (s *Store) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Stats{}, ErrClosed
	}

	return s.statsLocked()
}

func (s *Store) statsLocked() (Stats, error) {
	ratio, err := s.fragmentationRatioLocked()
	if err != nil {
		return Stats{}, err
	}

	size, err := s.files.dataFileSize()
	if err != nil {
		return Stats{}, err
	}

	return Stats{
		Hits:               s.hits,
		Sets:               s.sets,
		Deletes:            s.deletes,
		Misses:             s.misses,
		Refreshes:          s.refreshes,
		FragmentationRatio: ratio,
		TotalKeys:          len(s.index),
		DataFileSizeBytes:  size,
	}, nil
}

// FragmentationRatio returns the fraction of the data file's
// non-header bytes that are not reachable from the current index.
func (s *Store) FragmentationRatio() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	return s.fragmentationRatioLocked()
}

func (s *Store) fragmentationRatioLocked() (float64, error) {
	size, err := s.files.dataFileSize()
	if err != nil {
		return 0, err
	}

	dataSize := size - int64(len(dataFileMagic))
	if dataSize <= 0 {
		return 0, nil
	}

	var liveBytes int64
	for _, entry := range s.index {
		liveBytes += int64(entry.length)
	}

	return 1 - (float64(liveBytes) / float64(dataSize)), nil
}

// Vacuum rebuilds the data file so it contains only bytes reachable
// from the current index, then persists the rebuilt index and removes
// the WAL.
func (s *Store) Vacuum() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.vacuumLocked()
}

func (s *Store) vacuumLocked() error {
	if s.closed {
		return ErrClosed
	}

	s.log.Debugw("vacuuming data file", "path", s.files.dataPath)

	var buf strings.Builder
	buf.WriteString(dataFileMagic)

	newIndex := make(map[string]indexEntry, len(s.index))

	offset := uint64(len(dataFileMagic))

	for key, entry := range s.index {
		raw, err := s.files.readRawAt(entry.start, entry.length)
		if err != nil {
			return err
		}

		buf.Write(raw)

		newIndex[key] = indexEntry{start: offset, length: entry.length, expires: entry.expires}
		offset += uint64(entry.length)
	}

	if err := s.files.replaceDataFile(strings.NewReader(buf.String())); err != nil {
		return err
	}

	s.index = newIndex

	indexPath := s.opts.Path + ".index.bin"
	walPath := s.opts.Path + ".wal.bin"

	if err := saveIndex(indexPath, walPath, s.index); err != nil {
		return err
	}

	// saveIndex removed the WAL file; reopen the append handle so later
	// mutations are journaled to a file recovery will find.
	_ = s.files.walAppend.Close()

	return s.files.openWALAppend()
}

// Close computes final stats, auto-vacuums if the fragmentation ratio
// exceeds Options.AutoVacuumThreshold, closes the file descriptors
// (lock released before the append descriptor closes), and persists
// the index. Calling Close twice returns ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	stats, err := s.statsLocked()
	if err != nil {
		return err
	}

	if stats.FragmentationRatio > s.opts.AutoVacuumThreshold {
		s.log.Debugw("auto vacuum triggered", "ratio", stats.FragmentationRatio, "threshold", s.opts.AutoVacuumThreshold)

		if err := s.vacuumLocked(); err != nil {
			return err
		}
	}

	if err := s.files.close(); err != nil {
		return err
	}

	indexPath := s.opts.Path + ".index.bin"
	walPath := s.opts.Path + ".wal.bin"

	if err := saveIndex(indexPath, walPath, s.index); err != nil {
		return err
	}

	s.closed = true

	s.log.Debugw("cache closed", "stats", stats)

	return nil
}

func nowUnix() uint32 {
	return uint32(time.Now().Unix())
}

func expiresAt(ttl time.Duration) uint32 {
	if ttl <= 0 {
		return 0
	}

	return uint32(time.Now().Add(ttl).Unix())
}
