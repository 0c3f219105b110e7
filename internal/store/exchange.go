package store

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/calvinalkan/taskvault/internal/document"
	"github.com/calvinalkan/taskvault/internal/exchange"
	"github.com/calvinalkan/taskvault/internal/integrity"
	"github.com/calvinalkan/taskvault/internal/migrate"
)

// ExportTo writes tasks, with the store's settings and counters, to path in
// the format its extension names (.json, .yaml, .yml, .toml). A nil tasks
// slice exports the in-memory tasks. The store itself is not modified, and
// the primary and its side files are refused as targets ([ErrValidation]).
func (s *Store) ExportTo(path string, tasks []document.Task) error {
	if s.ownsPath(path) {
		return fmt.Errorf("export: %w: %s is managed by the store", ErrValidation, path)
	}

	format, err := exchange.FormatFor(path)
	if err != nil {
		return fmt.Errorf("export: %w: %w", ErrValidation, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	doc := s.doc.Clone()
	if tasks != nil {
		doc.Todos = document.CloneTasks(tasks)
	}

	integrity.Repair(doc, s.cfg.Now()).Log(s.log)

	data, err := exchange.Encode(doc, format, s.cfg.Now())
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}

	err = s.writer.Write(path, bytes.NewReader(data), s.writer.DefaultOptions())
	if err != nil {
		return fmt.Errorf("export: %w: %w", ErrIO, err)
	}

	s.log.Info("exported", "path", path, "format", format, "tasks", len(doc.Todos))

	return nil
}

// ImportFrom reads an export or plain document from path and returns its
// tasks, migrated and repaired. The store is not modified; pass the tasks
// to [Store.Save] to adopt them.
func (s *Store) ImportFrom(path string) ([]document.Task, error) {
	doc, err := s.ImportDocument(path)
	if err != nil {
		return nil, err
	}

	return doc.Todos, nil
}

// ImportDocument is [Store.ImportFrom] returning the whole document,
// including settings and counters.
func (s *Store) ImportDocument(path string) (*document.Document, error) {
	format, err := exchange.FormatFor(path)
	if err != nil {
		return nil, fmt.Errorf("import: %w: %w", ErrValidation, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	data, err := s.readCandidate(path)
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", path, err)
	}

	raw, info, err := exchange.Decode(data, format)
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", path, err)
	}

	res := migrate.Run(raw)

	doc, skipped, err := document.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", path, err)
	}

	for _, skip := range skipped {
		s.log.Warn("import skipped malformed task", "entry", skip.Index, "reason", skip.Reason)
	}

	integrity.Repair(doc, s.cfg.Now()).Log(s.log)

	logArgs := []any{"path", path, "tasks", len(doc.Todos), "migrated", res.Applied}
	if info != nil {
		logArgs = append(logArgs, "exported_at", info.ExportDate)
	}

	s.log.Info("imported", logArgs...)

	return doc, nil
}

// ownsPath reports whether path is the primary or one of the files named
// after it: backups, the journal, temp files and corrupt copies.
func (s *Store) ownsPath(path string) bool {
	target, err := filepath.Abs(path)
	if err != nil {
		target = filepath.Clean(path)
	}

	primary, err := filepath.Abs(s.path)
	if err != nil {
		primary = s.path
	}

	if target == primary {
		return true
	}

	return filepath.Dir(target) == filepath.Dir(primary) &&
		strings.HasPrefix(filepath.Base(target), filepath.Base(primary)+".")
}
