package fs

import (
	"errors"
	iofs "io/fs"
	"os"
	"strings"
	"sync"
	"syscall"
)

// Op names an [FS] or [File] operation that [Faulty] can fail.
type Op string

// Operations understood by [Faulty].
const (
	OpOpen      Op = "open"
	OpOpenFile  Op = "openfile"
	OpReadFile  Op = "readfile"
	OpWriteFile Op = "writefile"
	OpReadDir   Op = "readdir"
	OpMkdirAll  Op = "mkdirall"
	OpStat      Op = "stat"
	OpRemove    Op = "remove"
	OpRename    Op = "rename"
	OpFileWrite Op = "file.write"
	OpFileSync  Op = "file.sync"
)

// InjectedError marks an error as intentionally injected by [Faulty].
//
// It wraps the underlying error so errors.Is/As continue to work; injected
// errno values are real [syscall.Errno] inside an [*iofs.PathError] or
// [*os.LinkError], like the errors [os] returns.
type InjectedError struct {
	Err error
}

// Error returns the underlying error's message. Panics if e or e.Err is nil.
func (e *InjectedError) Error() string {
	return "injected: " + e.Err.Error()
}

// Unwrap returns the underlying error. Panics if e is nil.
func (e *InjectedError) Unwrap() error {
	return e.Err
}

// IsInjected reports whether err (or any wrapped error) was injected by [Faulty].
func IsInjected(err error) bool {
	var injected *InjectedError

	return errors.As(err, &injected)
}

// Faulty wraps an [FS] and fails selected operations on demand.
//
// Unlike a random chaos wrapper, Faulty is deterministic: a test arms a
// rule for an operation and a path suffix, and every matching call fails
// until the rule's budget is spent. Unmatched calls pass through.
//
// Faulty is safe for concurrent use.
type Faulty struct {
	fs FS

	mu    sync.Mutex
	rules []*faultRule
	calls map[Op]int
}

type faultRule struct {
	op        Op
	suffix    string
	remaining int // <0 means unlimited
	errno     syscall.Errno
}

// NewFaulty wraps underlying. Panics if underlying is nil.
func NewFaulty(underlying FS) *Faulty {
	if underlying == nil {
		panic("underlying fs is nil")
	}

	return &Faulty{fs: underlying, calls: make(map[Op]int)}
}

// Fail arms a rule: the next times calls of op on a path ending in suffix
// fail with errno. times <= 0 fails every matching call until [Faulty.Reset].
// An empty suffix matches every path.
func (f *Faulty) Fail(op Op, suffix string, times int, errno syscall.Errno) {
	remaining := times
	if times <= 0 {
		remaining = -1
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.rules = append(f.rules, &faultRule{op: op, suffix: suffix, remaining: remaining, errno: errno})
}

// Reset removes all armed rules. Call counters are kept.
func (f *Faulty) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rules = nil
}

// Calls returns how many times op was invoked, including failed calls.
func (f *Faulty) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[op]
}

func (f *Faulty) Open(path string) (File, error) {
	if errno, ok := f.check(OpOpen, path); ok {
		return nil, pathError("open", path, errno)
	}

	file, err := f.fs.Open(path)
	if err != nil {
		return nil, err
	}

	return &faultyFile{f: file, faulty: f, path: path}, nil
}

func (f *Faulty) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if errno, ok := f.check(OpOpenFile, path); ok {
		return nil, pathError("open", path, errno)
	}

	file, err := f.fs.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &faultyFile{f: file, faulty: f, path: path}, nil
}

func (f *Faulty) ReadFile(path string) ([]byte, error) {
	if errno, ok := f.check(OpReadFile, path); ok {
		return nil, pathError("read", path, errno)
	}

	return f.fs.ReadFile(path)
}

func (f *Faulty) WriteFile(path string, data []byte, perm os.FileMode) error {
	if errno, ok := f.check(OpWriteFile, path); ok {
		return pathError("write", path, errno)
	}

	return f.fs.WriteFile(path, data, perm)
}

func (f *Faulty) ReadDir(path string) ([]os.DirEntry, error) {
	if errno, ok := f.check(OpReadDir, path); ok {
		return nil, pathError("readdirent", path, errno)
	}

	return f.fs.ReadDir(path)
}

func (f *Faulty) MkdirAll(path string, perm os.FileMode) error {
	if errno, ok := f.check(OpMkdirAll, path); ok {
		return pathError("mkdir", path, errno)
	}

	return f.fs.MkdirAll(path, perm)
}

func (f *Faulty) Stat(path string) (os.FileInfo, error) {
	if errno, ok := f.check(OpStat, path); ok {
		return nil, pathError("stat", path, errno)
	}

	return f.fs.Stat(path)
}

func (f *Faulty) Exists(path string) (bool, error) {
	if errno, ok := f.check(OpStat, path); ok {
		return false, pathError("stat", path, errno)
	}

	return f.fs.Exists(path)
}

func (f *Faulty) Remove(path string) error {
	if errno, ok := f.check(OpRemove, path); ok {
		return pathError("remove", path, errno)
	}

	return f.fs.Remove(path)
}

func (f *Faulty) Rename(oldpath, newpath string) error {
	// Rules match the destination, which is the path callers care about.
	if errno, ok := f.check(OpRename, newpath); ok {
		return &InjectedError{Err: &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: errno}}
	}

	return f.fs.Rename(oldpath, newpath)
}

func (f *Faulty) check(op Op, path string) (syscall.Errno, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[op]++

	for _, rule := range f.rules {
		if rule.op != op || rule.remaining == 0 {
			continue
		}

		if !strings.HasSuffix(path, rule.suffix) {
			continue
		}

		if rule.remaining > 0 {
			rule.remaining--
		}

		return rule.errno, true
	}

	return 0, false
}

func pathError(op, path string, errno syscall.Errno) error {
	return &InjectedError{Err: &iofs.PathError{Op: op, Path: path, Err: errno}}
}

// faultyFile wraps a [File] and fails Write/Sync according to the owner's rules.
type faultyFile struct {
	f      File
	faulty *Faulty
	path   string
}

var _ File = (*faultyFile)(nil)

func (ff *faultyFile) Read(buf []byte) (int, error) { return ff.f.Read(buf) }

func (ff *faultyFile) Write(data []byte) (int, error) {
	if errno, ok := ff.faulty.check(OpFileWrite, ff.path); ok {
		return 0, pathError("write", ff.path, errno)
	}

	return ff.f.Write(data)
}

func (ff *faultyFile) Close() error { return ff.f.Close() }

func (ff *faultyFile) Seek(offset int64, whence int) (int64, error) {
	return ff.f.Seek(offset, whence)
}

func (ff *faultyFile) Stat() (os.FileInfo, error) { return ff.f.Stat() }

func (ff *faultyFile) Sync() error {
	if errno, ok := ff.faulty.check(OpFileSync, ff.path); ok {
		return pathError("sync", ff.path, errno)
	}

	return ff.f.Sync()
}

// Compile-time interface check.
var _ FS = (*Faulty)(nil)
