// Package backup keeps a bounded chain of prior versions of the primary file
// next to it, plus named manual copies.
//
// Layout for primary "todos.json" with depth 5:
//
//	todos.json.backup      previous version (newest)
//	todos.json.backup.1
//	...
//	todos.json.backup.5    oldest kept version
//	todos.json.<name>      manual backups, never rotated
package backup

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/calvinalkan/taskvault/pkg/fs"
)

// ErrInvalidName is returned by [Rotator.CreateManual] for unusable names.
var ErrInvalidName = errors.New("invalid backup name")

// Suffix is appended to the primary path for the newest rotated backup.
const Suffix = ".backup"

// CorruptPrefix names preserved copies of a primary that failed to parse.
const CorruptPrefix = "corrupt_"

// reserved are suffixes owned by the engine; manual backups may not use them.
var reserved = []string{"tmp", "recovery", "recovery.corrupt", "migration_backup", "backup", "lock"}

// Info describes one backup file.
type Info struct {
	Path    string
	ModTime time.Time
	Size    int64
	Manual  bool

	rank int
}

// Rotator manages the backup files of one primary path.
type Rotator struct {
	fs     fs.FS
	writer *fs.AtomicWriter
	path   string
	depth  int
}

// New returns a rotator for primary path keeping depth numbered backups in
// addition to the unnumbered newest one. Negative depth is treated as 0.
func New(fsys fs.FS, path string, depth int) *Rotator {
	if fsys == nil {
		panic("backup: fs is nil")
	}

	return &Rotator{
		fs:     fsys,
		writer: fs.NewAtomicWriter(fsys),
		path:   path,
		depth:  max(depth, 0),
	}
}

// Depth returns the number of numbered backups kept.
func (r *Rotator) Depth() int { return r.depth }

// Chain returns the rotated backup paths, newest first.
func (r *Rotator) Chain() []string {
	chain := make([]string, 0, r.depth+1)
	chain = append(chain, r.path+Suffix)

	for i := 1; i <= r.depth; i++ {
		chain = append(chain, r.numbered(i))
	}

	return chain
}

// Rotate shifts the chain down by one, dropping the oldest entry, and stores
// snapshot (the content the primary had before the latest successful write)
// as the newest backup. A nil snapshot means there was no previous primary
// and nothing is rotated.
//
// Rotate must only be called after the primary write succeeded.
func (r *Rotator) Rotate(snapshot []byte) error {
	if snapshot == nil {
		return nil
	}

	chain := r.Chain()

	var errs []error

	headFree := true

	for i := len(chain) - 1; i > 0; i-- {
		err := r.fs.Rename(chain[i-1], chain[i])
		if err == nil || errors.Is(err, os.ErrNotExist) {
			continue
		}

		errs = append(errs, fmt.Errorf("shift %s: %w", filepath.Base(chain[i-1]), err))

		if i == 1 {
			headFree = false
		}
	}

	// The newest backup could not move down; overwriting it would lose it.
	if !headFree {
		return errors.Join(errs...)
	}

	err := r.writer.Write(chain[0], bytes.NewReader(snapshot), r.writer.DefaultOptions())
	if err != nil {
		errs = append(errs, fmt.Errorf("write %s: %w", filepath.Base(chain[0]), err))
	}

	return errors.Join(errs...)
}

// CreateManual copies data to "<path>.<name>" and returns the new path. An
// empty name becomes manual_<YYYYMMDD_HHMMSS> from now.
func (r *Rotator) CreateManual(name string, data []byte, now time.Time) (string, error) {
	if name == "" {
		name = "manual_" + now.Format("20060102_150405")
	}

	if err := ValidateName(name); err != nil {
		return "", err
	}

	target := r.path + "." + name

	err := r.writer.Write(target, bytes.NewReader(data), r.writer.DefaultOptions())
	if err != nil {
		return "", fmt.Errorf("write backup %s: %w", name, err)
	}

	return target, nil
}

// ValidateName rejects manual backup names that could escape the directory
// or clash with files the engine manages.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, os.PathSeparator):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidName, name)
	case strings.HasSuffix(name, fs.TempSuffix):
		return fmt.Errorf("%w: %q ends in %q", ErrInvalidName, name, fs.TempSuffix)
	case strings.HasPrefix(name, CorruptPrefix):
		return fmt.Errorf("%w: %q uses the reserved prefix %q", ErrInvalidName, name, CorruptPrefix)
	case slices.Contains(reserved, name) || isNumbered(name):
		return fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	}

	return nil
}

// List returns all rotated and manual backups, newest first by modification
// time. Equal times keep chain order, then name order.
func (r *Rotator) List() ([]Info, error) {
	dir := filepath.Dir(r.path)
	base := filepath.Base(r.path)

	entries, err := r.fs.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("list backups: %w", err)
	}

	var out []Info

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, base+".") {
			continue
		}

		suffix := strings.TrimPrefix(name, base+".")

		rank, rotated := r.chainRank(suffix)
		if !rotated && ValidateName(suffix) != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}

			return nil, fmt.Errorf("list backups: %w", err)
		}

		if !rotated {
			rank = r.depth + 1
		}

		out = append(out, Info{
			Path:    filepath.Join(dir, name),
			ModTime: info.ModTime(),
			Size:    info.Size(),
			Manual:  !rotated,
			rank:    rank,
		})
	}

	slices.SortStableFunc(out, func(a, b Info) int {
		if c := b.ModTime.Compare(a.ModTime); c != 0 {
			return c
		}

		return a.rank - b.rank
	})

	return out, nil
}

// IsRotated reports whether path is part of this rotator's chain.
func (r *Rotator) IsRotated(path string) bool {
	return slices.Contains(r.Chain(), path)
}

func (r *Rotator) numbered(i int) string {
	return r.path + Suffix + "." + strconv.Itoa(i)
}

func (r *Rotator) chainRank(suffix string) (int, bool) {
	if suffix == "backup" {
		return 0, true
	}

	n, ok := numberedIndex(suffix)
	if !ok || n < 1 || n > r.depth {
		return 0, false
	}

	return n, true
}

func isNumbered(name string) bool {
	_, ok := numberedIndex(name)

	return ok
}

func numberedIndex(suffix string) (int, bool) {
	rest, ok := strings.CutPrefix(suffix, "backup.")
	if !ok || rest == "" {
		return 0, false
	}

	n, err := strconv.Atoi(rest)
	if err != nil || strconv.Itoa(n) != rest {
		return 0, false
	}

	return n, true
}
