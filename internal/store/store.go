// Package store is the persistence engine for the task document.
//
// A [Store] owns one primary file and the side files next to it: the backup
// chain, manual backups, the recovery journal and the pre-migration copy.
// Every change to the primary goes through one path:
//
//	Repair -> Journal -> AtomicWriter -> Backup rotation -> Journal delete
//
// so a crash at any point leaves either the old primary, the new primary, or
// a journal from which the new primary can be rebuilt at the next [Open].
//
// A Store is safe for concurrent use. It assumes a single process owns the
// file; there is no cross-process locking.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/calvinalkan/taskvault/internal/backup"
	"github.com/calvinalkan/taskvault/internal/document"
	"github.com/calvinalkan/taskvault/internal/integrity"
	"github.com/calvinalkan/taskvault/internal/journal"
	"github.com/calvinalkan/taskvault/pkg/fs"
)

// MigrationBackupSuffix names the copy of the primary taken before a
// migration is written.
const MigrationBackupSuffix = ".migration_backup"

// Store is an open task document.
type Store struct {
	cfg     Config
	path    string
	fs      fs.FS
	writer  *fs.AtomicWriter
	rotator *backup.Rotator
	journal *journal.Journal
	log     *log.Logger

	mu        sync.Mutex
	doc       *document.Document
	armed     bool
	savedHash string
	closed    bool
	report    LoadReport
	onSave    []func(SaveEvent)

	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error
}

// SaveEvent describes a successful write of the primary file.
type SaveEvent struct {
	Path     string
	Tasks    int
	Subtasks int
	SavedAt  time.Time
}

// Open prepares the store for cfg.Path: it settles any leftover recovery
// journal, loads the document (falling back through backups if needed) and
// starts the auto-save scheduler.
//
// Corrupt or missing files yield a usable, possibly empty, document; see
// [Store.LastLoadReport] for what happened. Open fails only when the
// directory or the primary cannot be accessed at all (errors wrap [ErrIO]).
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if ctx == nil {
		return nil, errors.New("open store: context is nil")
	}

	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, fmt.Errorf("open store: %w: %w", ErrValidation, err)
	}

	path := filepath.Clean(cfg.Path)

	err = cfg.FS.MkdirAll(filepath.Dir(path), 0o750)
	if err != nil {
		return nil, fmt.Errorf("open store: %w: create directory: %w", ErrIO, err)
	}

	s := &Store{
		cfg:     cfg,
		path:    path,
		fs:      cfg.FS,
		writer:  fs.NewAtomicWriter(cfg.FS),
		rotator: backup.New(cfg.FS, path, cfg.BackupCount),
		journal: journal.New(cfg.FS, path),
		log:     cfg.Logger.With("file", filepath.Base(path)),
	}

	s.mu.Lock()

	s.removeStaleTempsLocked()

	action, err := s.recoverJournalLocked()
	if err != nil {
		s.mu.Unlock()

		return nil, fmt.Errorf("open store: %w", err)
	}

	loadErr := s.loadLocked()
	s.report.JournalAction = action

	s.mu.Unlock()

	switch {
	case errors.Is(loadErr, ErrMigration):
		s.log.Error("migration not persisted, will retry on next save", "err", loadErr)
	case loadErr != nil:
		return nil, fmt.Errorf("open store: %w", loadErr)
	}

	if cfg.AutoSaveInterval > 0 {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.cancel = cancel

		s.wg.Add(1)

		go s.autoSave(runCtx, cfg.AutoSaveInterval)
	}

	return s, nil
}

// Path returns the primary file path.
func (s *Store) Path() string { return s.path }

// Load re-reads the document from disk, replacing the in-memory copy, and
// returns its tasks. Unsaved changes are discarded.
//
// A corrupt primary is not an error: the newest readable backup is used, or
// an empty document if none is. If a migration could not be written the
// error wraps [ErrMigration] and the tasks are still the migrated ones. An
// unreadable primary returns an error wrapping [ErrIO] and keeps the
// in-memory document.
func (s *Store) Load() ([]document.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	err := s.loadLocked()

	return document.CloneTasks(s.doc.Todos), err
}

// Save replaces the tasks and writes the document. Settings and counters
// are kept from the in-memory document.
func (s *Store) Save(tasks []document.Task) error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return ErrClosed
	}

	doc := s.doc.Clone()
	doc.Todos = document.CloneTasks(tasks)

	if doc.Todos == nil {
		doc.Todos = []document.Task{}
	}

	event, err := s.saveLocked(doc)

	s.mu.Unlock()

	if err != nil {
		return err
	}

	s.notify(event)

	return nil
}

// Records returns a copy of the in-memory tasks.
func (s *Store) Records() []document.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	return document.CloneTasks(s.doc.Todos)
}

// Document returns a copy of the whole in-memory document.
func (s *Store) Document() *document.Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.doc.Clone()
}

// Update applies fn to a copy of the document. If fn succeeds the copy
// replaces the in-memory document and the auto-save is armed.
func (s *Store) Update(fn func(doc *document.Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	work := s.doc.Clone()

	err := fn(work)
	if err != nil {
		return err
	}

	s.doc = work
	s.armed = true

	return nil
}

// OnSave registers fn to be called after every successful save. Callbacks
// run on the saving goroutine after the store lock is released.
func (s *Store) OnSave(fn func(SaveEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.onSave = append(s.onSave, fn)
}

// LastLoadReport describes the most recent load.
func (s *Store) LastLoadReport() LoadReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.report.clone()
}

func (s *Store) notify(event SaveEvent) {
	s.mu.Lock()
	callbacks := append([]func(SaveEvent){}, s.onSave...)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(event)
	}
}

// saveLocked repairs doc and writes it with retries. On success doc becomes
// the in-memory document.
func (s *Store) saveLocked(doc *document.Document) (SaveEvent, error) {
	err := checkWritable(doc)
	if err != nil {
		return SaveEvent{}, fmt.Errorf("save %s: %w", s.path, err)
	}

	repair := integrity.Repair(doc, s.cfg.Now())
	repair.Log(s.log)

	doc.Version = max(doc.Version, document.CurrentVersion)

	var (
		lastErr   error
		journaled bool
	)

	for attempt := 1; attempt <= s.cfg.RetryAttempts; attempt++ {
		if attempt > 1 {
			delay := s.cfg.RetryDelay * time.Duration(attempt-1)
			s.log.Warn("retrying save", "attempt", attempt, "delay", delay, "err", lastErr)
			time.Sleep(delay)
		}

		if !journaled {
			_, err := s.journal.Write(doc, s.cfg.Now())
			if err != nil {
				lastErr = fmt.Errorf("%w: %w", ErrIO, err)

				continue
			}

			journaled = true
		}

		lastErr = s.publishLocked(doc)
		if lastErr == nil {
			break
		}
	}

	if lastErr != nil {
		s.log.Error("save failed", "attempts", s.cfg.RetryAttempts, "err", lastErr)

		return SaveEvent{}, fmt.Errorf("save %s: %w", s.path, lastErr)
	}

	err = s.journal.Remove()
	if err != nil {
		s.log.Warn("journal not removed", "err", err)
	}

	s.doc = doc
	s.armed = false
	s.savedHash, _ = document.Hash(doc)

	return SaveEvent{
		Path:     s.path,
		Tasks:    len(doc.Todos),
		Subtasks: doc.SubtaskCount(),
		SavedAt:  doc.LastSavedAt.Time(),
	}, nil
}

// checkWritable refuses documents from a newer schema. Encoding one would
// drop every field this build does not know while keeping its version tag.
func checkWritable(doc *document.Document) error {
	if doc.Version > document.CurrentVersion {
		return fmt.Errorf("%w: document version %d is newer than supported version %d, refusing to overwrite",
			ErrValidation, doc.Version, document.CurrentVersion)
	}

	return nil
}

// publishLocked writes doc over the primary and then rotates the previous
// primary into the backup chain. It is the only code that rotates backups.
// A failed write leaves the primary and the chain untouched.
func (s *Store) publishLocked(doc *document.Document) error {
	previousSave := doc.LastSavedAt
	doc.LastSavedAt = document.At(s.cfg.Now())

	data, err := document.Encode(doc)
	if err != nil {
		doc.LastSavedAt = previousSave

		return err
	}

	snapshot := s.snapshotLocked()
	want := len(doc.Todos)

	opts := s.writer.DefaultOptions()
	opts.Verify = func(written []byte) error {
		got, err := document.CountRecords(written)
		if err != nil {
			return err
		}

		if got != want {
			return fmt.Errorf("wrote %d tasks, want %d", got, want)
		}

		return nil
	}

	err = s.writer.Write(s.path, bytes.NewReader(data), opts)
	if err != nil {
		doc.LastSavedAt = previousSave

		return fmt.Errorf("%w: write primary: %w", ErrIO, err)
	}

	err = s.rotator.Rotate(snapshot)
	if err != nil {
		s.log.Warn("backup rotation incomplete", "err", err)
	}

	return nil
}

// snapshotLocked returns the current primary bytes if they are worth
// keeping as a backup: present, non-empty and parseable.
func (s *Store) snapshotLocked() []byte {
	data, err := s.fs.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("previous version not readable, skipping rotation", "err", err)
		}

		return nil
	}

	if len(data) == 0 || int64(len(data)) > s.cfg.MaxFileSize {
		return nil
	}

	if _, err := document.Parse(data); err != nil {
		return nil
	}

	return data
}

// removeStaleTempsLocked deletes temp files left by writes that were
// interrupted before their rename. The files they were meant to replace are
// untouched, so the temps carry nothing worth keeping.
func (s *Store) removeStaleTempsLocked() {
	targets := []string{s.path, s.journal.Path(), s.path + backup.Suffix, s.path + MigrationBackupSuffix}

	for _, target := range targets {
		tmp := target + fs.TempSuffix

		err := s.fs.Remove(tmp)

		switch {
		case err == nil:
			s.log.Warn("removed stale temp file", "path", tmp)
		case !errors.Is(err, os.ErrNotExist):
			s.log.Warn("stale temp file not removed", "path", tmp, "err", err)
		}
	}
}

// recoverJournalLocked settles a journal left behind by an interrupted save.
func (s *Store) recoverJournalLocked() (journal.Action, error) {
	plan, err := s.journal.Check()
	if err != nil {
		return journal.ActionNone, fmt.Errorf("%w: check journal: %w", ErrIO, err)
	}

	switch plan.Action {
	case journal.ActionNone:
		return plan.Action, nil
	case journal.ActionQuarantine:
		s.log.Error("unreadable journal moved aside", "reason", plan.Reason, "to", s.path+journal.CorruptSuffix)

		err = s.journal.Quarantine()
		if err != nil {
			return plan.Action, fmt.Errorf("%w: %w", ErrIO, err)
		}
	case journal.ActionDiscard:
		s.log.Info("discarding stale journal", "journal_id", plan.Entry.ID, "reason", plan.Reason)

		err = s.journal.Remove()
		if err != nil {
			return plan.Action, fmt.Errorf("%w: %w", ErrIO, err)
		}
	case journal.ActionReplay:
		s.log.Warn("replaying journal", "journal_id", plan.Entry.ID, "reason", plan.Reason, "tasks", len(plan.Entry.Todos))

		doc := plan.Entry.Document()
		integrity.Repair(doc, s.cfg.Now()).Log(s.log)

		err = s.publishLocked(doc)
		if err != nil {
			return plan.Action, fmt.Errorf("replay journal: %w", err)
		}

		err = s.journal.Remove()
		if err != nil {
			return plan.Action, fmt.Errorf("%w: %w", ErrIO, err)
		}
	}

	return plan.Action, nil
}
