package blobcache

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
	"go.uber.org/zap"
)

// loadIndex rebuilds the in-memory index from the index-file snapshot
// (if any) and the WAL (if any), applying the same expiry filter to
// both, per spec.md §4.4.
//
// Unlike the original source, the merged index is persisted before the
// WAL is removed (spec.md §9's hardened ordering): a crash between
// those two steps now leaves the WAL in place to be replayed again on
// the next Open, rather than silently losing WAL-only writes.
func loadIndex(indexPath, walPath string, nowUnix uint32, log *zap.SugaredLogger) (map[string]indexEntry, error) {
	index := map[string]indexEntry{}

	if err := loadIndexFile(indexPath, nowUnix, index); err != nil {
		return nil, err
	}

	walExists, err := fileExists(walPath)
	if err != nil {
		return nil, err
	}

	if !walExists {
		return index, nil
	}

	log.Debugw("replaying wal", "path", walPath)

	if err := replayWAL(walPath, nowUnix, index); err != nil {
		return nil, err
	}

	if err := saveIndex(indexPath, walPath, index); err != nil {
		return nil, fmt.Errorf("blobcache: persist recovered index: %w", err)
	}

	return index, nil
}

func loadIndexFile(path string, nowUnix uint32, index map[string]indexEntry) error {
	exists, err := fileExists(path)
	if err != nil {
		return err
	}

	if !exists {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("blobcache: open index file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	for {
		rec, err := decodeIndexRecord(r)
		if err != nil {
			if errors.Is(err, errTruncated) {
				return nil
			}

			return fmt.Errorf("blobcache: load index file: %w", err)
		}

		if rec.expires == 0 || rec.expires > nowUnix {
			index[rec.key] = indexEntry{start: rec.start, length: rec.length, expires: rec.expires}
		}
	}
}

func replayWAL(path string, nowUnix uint32, index map[string]indexEntry) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("blobcache: open wal file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	for {
		rec, err := decodeWALRecord(r)
		if err != nil {
			if errors.Is(err, errTruncated) {
				return nil
			}

			return fmt.Errorf("blobcache: replay wal: %w", err)
		}

		if rec.delete {
			delete(index, rec.key)
			continue
		}

		if rec.entry.expires == 0 || rec.entry.expires > nowUnix {
			index[rec.key] = indexEntry{
				start:   rec.entry.start,
				length:  rec.entry.length,
				expires: rec.entry.expires,
			}
		} else {
			delete(index, rec.key)
		}
	}
}

// saveIndex writes the index-file snapshot atomically, then removes
// the WAL file if present — the WAL it supersedes is only ever deleted
// once its replacement is durably on disk.
func saveIndex(indexPath, walPath string, index map[string]indexEntry) error {
	var buf bytes.Buffer

	for key, entry := range index {
		buf.Write(encodeIndexRecord(key, entry))
	}

	if err := atomic.WriteFile(indexPath, &buf); err != nil {
		return fmt.Errorf("blobcache: save index file: %w", err)
	}

	exists, err := fileExists(walPath)
	if err != nil {
		return err
	}

	if exists {
		if err := os.Remove(walPath); err != nil {
			return fmt.Errorf("blobcache: remove wal file: %w", err)
		}
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}

	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	return false, fmt.Errorf("blobcache: stat %q: %w", path, err)
}
