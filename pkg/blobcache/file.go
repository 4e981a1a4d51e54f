package blobcache

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/natefinch/atomic"
	"go.uber.org/zap"
)

// fileSet owns the three live file descriptors a store holds open:
// the append handle and lock owner for the data file, the read handle
// for the data file, and the append handle for the WAL. It also owns
// the advisory exclusive lock taken on the data file's append
// descriptor.
type fileSet struct {
	dataPath string
	walPath  string

	dataAppend *os.File
	dataRead   *os.File
	walAppend  *os.File

	locked bool
}

// openFileSet opens (creating if necessary) the data file for append,
// takes the exclusive advisory lock, writes the magic header if the
// file is new or verifies it if not, then opens the data-read handle.
//
// The WAL-append handle is deliberately not opened here: recovery must
// read and potentially remove the existing WAL file before a fresh
// append handle is opened on it (openWALAppend, called after
// loadIndex), mirroring the source's "load index (which consumes and
// removes the WAL), then open the WAL file" ordering.
func openFileSet(dataPath, walPath string, log *zap.SugaredLogger) (*fileSet, error) {
	dataAppend, err := os.OpenFile(dataPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blobcache: open data file: %w", err)
	}

	if err := acquireExclusiveLock(dataAppend.Fd()); err != nil {
		_ = dataAppend.Close()
		return nil, err
	}

	fs := &fileSet{dataPath: dataPath, walPath: walPath, dataAppend: dataAppend, locked: true}

	if err := fs.ensureHeader(log); err != nil {
		fs.closeBestEffort()
		return nil, err
	}

	dataRead, err := os.Open(dataPath)
	if err != nil {
		fs.closeBestEffort()
		return nil, fmt.Errorf("blobcache: open data file for read: %w", err)
	}

	fs.dataRead = dataRead

	return fs, nil
}

// openWALAppend opens the WAL-append handle. Called once recovery has
// finished reading (and, on success, removing) any pre-existing WAL.
func (fs *fileSet) openWALAppend() error {
	walAppend, err := os.OpenFile(fs.walPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("blobcache: open wal file: %w", err)
	}

	fs.walAppend = walAppend

	return nil
}

// ensureHeader writes the magic header on a freshly created data file,
// or verifies it on an existing one, logging the existing size at
// debug (spec.md §4.3).
func (fs *fileSet) ensureHeader(log *zap.SugaredLogger) error {
	info, err := fs.dataAppend.Stat()
	if err != nil {
		return fmt.Errorf("blobcache: stat data file: %w", err)
	}

	if info.Size() == 0 {
		if _, err := fs.dataAppend.Write([]byte(dataFileMagic)); err != nil {
			return fmt.Errorf("blobcache: write header: %w", err)
		}

		return nil
	}

	log.Debugw("existing data file found", "path", fs.dataPath, "size", info.Size())

	if info.Size() < int64(len(dataFileMagic)) {
		return fmt.Errorf("%w: data file smaller than header", ErrCorruptRecord)
	}

	header := make([]byte, len(dataFileMagic))

	if _, err := io.ReadFull(io.NewSectionReader(fs.dataAppend, 0, int64(len(dataFileMagic))), header); err != nil {
		return fmt.Errorf("blobcache: read header: %w", err)
	}

	if !bytes.Equal(header, []byte(dataFileMagic)) {
		return fmt.Errorf("%w: data file header mismatch", ErrCorruptRecord)
	}

	return nil
}

// appendFrame appends a frame to the data file and flushes it,
// returning the frame's start offset and total on-disk length (the
// interpretation vacuum relies on: length covers the whole frame).
func (fs *fileSet) appendFrame(encoded []byte) (start uint64, length uint32, err error) {
	info, err := fs.dataAppend.Stat()
	if err != nil {
		return 0, 0, fmt.Errorf("blobcache: stat data file: %w", err)
	}

	start = uint64(info.Size())

	n, err := fs.dataAppend.Write(encoded)
	if err != nil {
		return 0, 0, fmt.Errorf("blobcache: append frame: %w", err)
	}

	if err := fs.dataAppend.Sync(); err != nil {
		return 0, 0, fmt.Errorf("blobcache: flush data file: %w", err)
	}

	return start, uint32(n), nil
}

// readFrameAt seeks the read descriptor to start and decodes exactly
// one frame. Callers must not assume the read descriptor's position is
// preserved across calls.
func (fs *fileSet) readFrameAt(start uint64) (frame, error) {
	if _, err := fs.dataRead.Seek(int64(start), io.SeekStart); err != nil {
		return frame{}, fmt.Errorf("blobcache: seek data file: %w", err)
	}

	return decodeFrame(fs.dataRead)
}

// readRawAt reads exactly length raw bytes starting at start from the
// read descriptor, used by vacuum to copy whole frames verbatim.
func (fs *fileSet) readRawAt(start uint64, length uint32) ([]byte, error) {
	buf := make([]byte, length)

	_, err := fs.dataRead.ReadAt(buf, int64(start))
	if err != nil {
		return nil, fmt.Errorf("blobcache: read frame bytes: %w", err)
	}

	return buf, nil
}

// appendWAL appends a pre-encoded WAL record and flushes it.
func (fs *fileSet) appendWAL(encoded []byte) error {
	if _, err := fs.walAppend.Write(encoded); err != nil {
		return fmt.Errorf("blobcache: append wal: %w", err)
	}

	if err := fs.walAppend.Sync(); err != nil {
		return fmt.Errorf("blobcache: flush wal: %w", err)
	}

	return nil
}

// dataFileSize reports the current size of the data file.
func (fs *fileSet) dataFileSize() (int64, error) {
	info, err := fs.dataAppend.Stat()
	if err != nil {
		return 0, fmt.Errorf("blobcache: stat data file: %w", err)
	}

	return info.Size(), nil
}

// replaceDataFile atomically replaces the data file's contents with
// the bytes read from r, then reopens the append and read descriptors
// against the new file. flock follows the inode, and the rename puts a
// new inode at dataPath, so the lock is acquired on the new append
// descriptor before the old one is unlocked and closed. The new file is
// unlocked between the rename and that acquisition.
func (fs *fileSet) replaceDataFile(r io.Reader) error {
	if err := atomic.WriteFile(fs.dataPath, r); err != nil {
		return fmt.Errorf("blobcache: replace data file: %w", err)
	}

	newAppend, err := os.OpenFile(fs.dataPath, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("blobcache: reopen data file: %w", err)
	}

	if err := acquireExclusiveLock(newAppend.Fd()); err != nil {
		_ = newAppend.Close()
		return err
	}

	newRead, err := os.Open(fs.dataPath)
	if err != nil {
		_ = releaseExclusiveLock(newAppend.Fd())
		_ = newAppend.Close()
		return fmt.Errorf("blobcache: reopen data file for read: %w", err)
	}

	_ = releaseExclusiveLock(fs.dataAppend.Fd())
	_ = fs.dataAppend.Close()
	_ = fs.dataRead.Close()

	fs.dataAppend = newAppend
	fs.dataRead = newRead

	return nil
}

// closeBestEffort closes whichever descriptors are non-nil, releasing
// the lock before closing the append handle, and swallows errors. Used
// only on the open-time failure path, where the caller is already
// returning an error and has nothing useful to do with a second one.
func (fs *fileSet) closeBestEffort() {
	if fs.locked {
		_ = releaseExclusiveLock(fs.dataAppend.Fd())
	}

	if fs.dataRead != nil {
		_ = fs.dataRead.Close()
	}

	if fs.walAppend != nil {
		_ = fs.walAppend.Close()
	}

	if fs.dataAppend != nil {
		_ = fs.dataAppend.Close()
	}
}

// close closes all three descriptors in the order spec.md §4.5
// requires: read, then WAL, then the lock-holding append descriptor
// (lock released before that close).
func (fs *fileSet) close() error {
	var errs []string

	if err := fs.dataRead.Close(); err != nil {
		errs = append(errs, err.Error())
	}

	if err := fs.walAppend.Close(); err != nil {
		errs = append(errs, err.Error())
	}

	if err := releaseExclusiveLock(fs.dataAppend.Fd()); err != nil {
		errs = append(errs, err.Error())
	}

	if err := fs.dataAppend.Close(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("blobcache: close: %s", strings.Join(errs, "; "))
	}

	return nil
}
