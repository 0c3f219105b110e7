package fs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrAtomicWriteDirSync indicates the parent directory could not be synced after rename.
//
// When returned, the new file is in place but durability is not guaranteed.
// Callers can detect this with errors.Is(err, ErrAtomicWriteDirSync).
var ErrAtomicWriteDirSync = errors.New("dir sync")

// ErrAtomicWriteVerify indicates the temp file did not pass the caller's
// verification after being written. The target path was not touched.
var ErrAtomicWriteVerify = errors.New("verify temp file")

// TempSuffix is appended to the target path to form the temp file path.
const TempSuffix = ".tmp"

// AtomicWriter writes files atomically using rename.
//
// The temp file is always the sibling path+[TempSuffix]. Callers that write
// the same path from several goroutines must serialize those writes.
type AtomicWriter struct {
	fs FS
}

// NewAtomicWriter creates an AtomicWriter that uses the given filesystem.
// Panics if fs is nil.
func NewAtomicWriter(fs FS) *AtomicWriter {
	if fs == nil {
		panic("fs is nil")
	}

	return &AtomicWriter{fs: fs}
}

// AtomicWriteOptions configures Write behavior.
type AtomicWriteOptions struct {
	// SyncDir controls whether the parent directory is synced after rename.
	// Default: true.
	SyncDir bool

	// Perm specifies the file permissions. Must be non-zero.
	Perm os.FileMode

	// Verify, if set, is called with the re-read content of the temp file
	// before it replaces the target. A non-nil error aborts the write.
	Verify func(data []byte) error
}

// Write writes data from r to path atomically and durably.
//
// It writes path+".tmp", syncs and closes it, re-reads it and runs
// opts.Verify, renames it over path, then syncs the parent directory
// (if opts.SyncDir is true). On any failure before the rename the temp file
// is removed and path is left untouched.
//
// If the directory sync step fails, the returned error satisfies
// errors.Is(err, ErrAtomicWriteDirSync).
func (w *AtomicWriter) Write(path string, reader io.Reader, opts AtomicWriteOptions) error {
	if reader == nil {
		panic("reader is nil")
	}

	if path == "" {
		return errors.New("path is empty")
	}

	if opts.Perm == 0 {
		return errors.New("opts.Perm must be non-zero")
	}

	dir, base := filepath.Split(path)
	if base == "" || base == string(os.PathSeparator) || base == "." {
		return fmt.Errorf("path is invalid: %q", path)
	}

	if dir == "" {
		dir = "."
	}

	dir = filepath.Clean(dir)
	tmpPath := path + TempSuffix

	tmpFile, err := w.fs.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, opts.Perm)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	writeErr := writeAndSyncTempFile(tmpFile, tmpPath, reader)

	closeErr := closeTmpFile(tmpPath, tmpFile)
	if writeErr != nil || closeErr != nil {
		return errors.Join(writeErr, closeErr, removeTempFile(w.fs, tmpPath))
	}

	if opts.Verify != nil {
		data, readErr := w.fs.ReadFile(tmpPath)
		if readErr != nil {
			return errors.Join(
				fmt.Errorf("re-read temp file %q: %w", tmpPath, readErr),
				removeTempFile(w.fs, tmpPath),
			)
		}

		verifyErr := opts.Verify(data)
		if verifyErr != nil {
			return errors.Join(
				fmt.Errorf("%w %q: %w", ErrAtomicWriteVerify, tmpPath, verifyErr),
				removeTempFile(w.fs, tmpPath),
			)
		}
	}

	renameErr := w.fs.Rename(tmpPath, path)
	if renameErr != nil {
		return errors.Join(
			fmt.Errorf("rename: %w", renameErr),
			removeTempFile(w.fs, tmpPath),
		)
	}

	if opts.SyncDir {
		return fsyncDir(w.fs, dir)
	}

	return nil
}

// WriteWithDefaults writes content atomically using default options.
func (w *AtomicWriter) WriteWithDefaults(path string, r io.Reader) error {
	return w.Write(path, r, w.DefaultOptions())
}

// DefaultOptions returns the default atomic write options.
func (*AtomicWriter) DefaultOptions() AtomicWriteOptions {
	return AtomicWriteOptions{
		SyncDir: true,
		Perm:    0o644,
	}
}

func writeAndSyncTempFile(file File, path string, r io.Reader) error {
	_, copyErr := io.Copy(file, r)
	if copyErr != nil {
		return fmt.Errorf("write temp file %q: %w", path, copyErr)
	}

	err := file.Sync()
	if err != nil {
		return fmt.Errorf("sync temp file %q: %w", path, err)
	}

	return nil
}

func fsyncDir(fs FS, dirPath string) error {
	dirFd, err := fs.Open(dirPath)
	if err != nil {
		return errors.Join(ErrAtomicWriteDirSync, fmt.Errorf("open dir %q: %w", dirPath, err))
	}

	syncErr := dirFd.Sync()
	if syncErr == nil {
		return closeDir(dirPath, dirFd)
	}

	return errors.Join(
		ErrAtomicWriteDirSync,
		fmt.Errorf("%q: %w", dirPath, syncErr),
		closeDir(dirPath, dirFd),
	)
}

func closeDir(dir string, file File) error {
	err := file.Close()
	if err == nil {
		return nil
	}

	return fmt.Errorf("close dir %q: %w", dir, err)
}

func closeTmpFile(path string, file File) error {
	err := file.Close()
	if err == nil {
		return nil
	}

	return fmt.Errorf("close temp file %q: %w", path, err)
}

func removeTempFile(fs FS, path string) error {
	err := fs.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove temp file %q: %w", path, err)
	}

	return nil
}
