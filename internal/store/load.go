package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/calvinalkan/taskvault/internal/backup"
	"github.com/calvinalkan/taskvault/internal/document"
	"github.com/calvinalkan/taskvault/internal/integrity"
	"github.com/calvinalkan/taskvault/internal/journal"
	"github.com/calvinalkan/taskvault/internal/migrate"
)

// LoadReport describes where the in-memory document came from and what was
// done to it on the way.
type LoadReport struct {
	// Source is the file the document was read from. Empty for a fresh document.
	Source string
	// Fresh is set when no usable file existed and an empty document was created.
	Fresh bool
	// RecoveredFrom is the backup used because the primary was unusable.
	RecoveredFrom string
	// CorruptCopy is where the unusable primary bytes were preserved.
	CorruptCopy string
	// Lost is set when the primary and every backup were unusable.
	Lost bool
	// Failures lists why each rejected candidate file was rejected.
	Failures []string

	Migration     migrate.Result
	MigrationErr  error
	Skipped       []document.Skipped
	Repairs       []integrity.Fix
	Warnings      []string
	JournalAction journal.Action
	// ReadOnly is set when the document comes from a newer schema. Saving it
	// would drop the fields this build does not know, so saves are refused.
	ReadOnly bool
}

func (r LoadReport) clone() LoadReport {
	r.Failures = slices.Clone(r.Failures)
	r.Skipped = slices.Clone(r.Skipped)
	r.Repairs = slices.Clone(r.Repairs)
	r.Warnings = slices.Clone(r.Warnings)
	r.Migration.Applied = slices.Clone(r.Migration.Applied)
	r.Migration.Notes = slices.Clone(r.Migration.Notes)

	return r
}

// loadLocked reads the primary, or the newest usable backup, into memory.
func (s *Store) loadLocked() error {
	report := LoadReport{}

	data, err := s.readCandidate(s.path)

	switch {
	case errors.Is(err, os.ErrNotExist):
		return s.startFresh(report, "no file")
	case err != nil && !errors.Is(err, ErrCorrupt):
		return fmt.Errorf("load %s: %w", s.path, err)
	case err == nil && len(data) == 0:
		return s.startFresh(report, "empty file")
	}

	var cand candidate
	if err == nil {
		cand, err = prepare(data)
	}

	if err == nil {
		report.Source = s.path

		return s.adopt(report, cand, data)
	}

	report.Failures = append(report.Failures, fmt.Sprintf("%s: %v", s.path, err))
	s.log.Error("primary unusable, trying backups", "err", err)

	report.CorruptCopy = s.preserveCorrupt()

	for _, path := range s.rotator.Chain() {
		data, err := s.readCandidate(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}

		if err == nil && len(data) == 0 {
			err = fmt.Errorf("%w: empty file", ErrCorrupt)
		}

		if err == nil {
			cand, err = prepare(data)
		}

		if err != nil {
			report.Failures = append(report.Failures, fmt.Sprintf("%s: %v", path, err))
			s.log.Warn("backup unusable", "backup", path, "err", err)

			continue
		}

		s.log.Warn("recovered from backup", "backup", path)

		report.Source = path
		report.RecoveredFrom = path

		return s.adopt(report, cand, nil)
	}

	report.Lost = true
	s.log.Error("primary and all backups unusable, starting empty", "failures", len(report.Failures))

	return s.startFresh(report, "all candidates unusable")
}

// candidate is a file's content, migrated and typed but not yet repaired.
type candidate struct {
	doc       *document.Document
	skipped   []document.Skipped
	migration migrate.Result
}

// prepare parses, migrates and decodes data. Every error wraps [ErrCorrupt].
func prepare(data []byte) (candidate, error) {
	raw, err := document.Parse(data)
	if err != nil {
		return candidate{}, err
	}

	result := migrate.Run(raw)

	doc, skipped, err := document.Decode(raw)
	if err != nil {
		return candidate{}, fmt.Errorf("decode: %w", err)
	}

	return candidate{doc: doc, skipped: skipped, migration: result}, nil
}

// readCandidate reads a file, rejecting files above the size limit as corrupt.
func (s *Store) readCandidate(path string) ([]byte, error) {
	info, err := s.fs.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}

		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	if info.Size() > s.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrCorrupt, info.Size(), s.cfg.MaxFileSize)
	}

	data, err := s.fs.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}

		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	return data, nil
}

func (s *Store) startFresh(report LoadReport, reason string) error {
	s.log.Info("starting with empty document", "reason", reason)

	report.Fresh = true

	s.doc = document.New()
	s.savedHash = ""
	s.armed = false
	s.report = report

	return nil
}

// adopt repairs a prepared candidate and installs it as the in-memory
// document. primaryData is the primary's bytes when the candidate came from
// the primary; only then is a migration written back to disk.
func (s *Store) adopt(report LoadReport, cand candidate, primaryData []byte) error {
	report.Migration = cand.migration

	for _, note := range report.Migration.Notes {
		s.log.Warn("migration note", "note", note)
	}

	if report.Migration.Newer() {
		s.log.Warn("document is newer than this build, opened read-only",
			"version", report.Migration.From, "supported", document.CurrentVersion)
	}

	doc, skipped := cand.doc, cand.skipped

	for _, skip := range skipped {
		s.log.Warn("skipped malformed task", "entry", skip.Index, "reason", skip.Reason)
	}

	repair := integrity.Repair(doc, s.cfg.Now())
	repair.Log(s.log)

	report.Skipped = skipped
	report.Repairs = repair.Fixes
	report.Warnings = repair.Warnings

	s.doc = doc
	s.savedHash, _ = document.Hash(doc)
	s.armed = report.RecoveredFrom != "" || len(skipped) > 0 || len(repair.Fixes) > 0
	report.ReadOnly = report.Migration.Newer()

	if report.ReadOnly {
		s.armed = false
	}

	if report.Migration.Changed() {
		s.log.Info("migrated document", "from", report.Migration.From, "to", report.Migration.To, "steps", report.Migration.Applied)

		if primaryData != nil {
			report.MigrationErr = s.writeMigrationLocked(doc, primaryData)
		} else {
			s.armed = true
		}
	}

	if s.armed {
		s.savedHash = ""
	}

	s.report = report

	return report.MigrationErr
}

// writeMigrationLocked persists a migrated document. The original primary is
// copied aside first and put back if the write fails.
func (s *Store) writeMigrationLocked(doc *document.Document, original []byte) error {
	backupPath := s.path + MigrationBackupSuffix

	err := s.writer.Write(backupPath, bytes.NewReader(original), s.writer.DefaultOptions())
	if err != nil {
		s.armed = true

		return fmt.Errorf("%w: %w: copy primary aside: %w", ErrMigration, ErrIO, err)
	}

	writeErr := s.publishLocked(doc)
	if writeErr != nil {
		s.armed = true

		restoreErr := s.fs.Rename(backupPath, s.path)
		if restoreErr != nil {
			restoreErr = fmt.Errorf("restore primary from %s: %w", backupPath, restoreErr)
		}

		s.log.Error("migration write failed, primary restored", "err", writeErr, "restore_err", restoreErr)

		return errors.Join(fmt.Errorf("%w: %w", ErrMigration, writeErr), restoreErr)
	}

	err = s.fs.Remove(backupPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("migration backup not removed", "path", backupPath, "err", err)
	}

	s.savedHash, _ = document.Hash(doc)
	s.armed = false

	return nil
}

// preserveCorrupt copies an unusable primary aside for inspection and
// returns where it went, or "" if it could not be kept.
func (s *Store) preserveCorrupt() string {
	target := s.path + "." + backup.CorruptPrefix + s.cfg.Now().Format("20060102_150405")

	src, err := s.fs.Open(s.path)
	if err != nil {
		s.log.Error("could not preserve corrupt primary", "err", err)

		return ""
	}

	defer func() { _ = src.Close() }()

	err = s.writer.Write(target, src, s.writer.DefaultOptions())
	if err != nil {
		s.log.Error("could not preserve corrupt primary", "err", err)

		return ""
	}

	s.log.Warn("corrupt primary preserved", "copy", target)

	return target
}
