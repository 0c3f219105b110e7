package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/calvinalkan/taskvault/internal/backup"
	"github.com/calvinalkan/taskvault/internal/document"
	"github.com/calvinalkan/taskvault/internal/integrity"
	"github.com/calvinalkan/taskvault/internal/migrate"
)

// CreateBackup writes the in-memory document to "<path>.<name>" and returns
// the backup path. Manual backups are never rotated away. An empty name is
// replaced by manual_<YYYYMMDD_HHMMSS>.
func (s *Store) CreateBackup(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}

	if name != "" {
		err := backup.ValidateName(name)
		if err != nil {
			return "", fmt.Errorf("create backup: %w: %w", ErrValidation, err)
		}
	}

	err := checkWritable(s.doc)
	if err != nil {
		return "", fmt.Errorf("create backup: %w", err)
	}

	doc := s.doc.Clone()
	integrity.Repair(doc, s.cfg.Now())

	data, err := document.Encode(doc)
	if err != nil {
		return "", fmt.Errorf("create backup: %w", err)
	}

	target, err := s.rotator.CreateManual(name, data, s.cfg.Now())
	if err != nil {
		if errors.Is(err, backup.ErrInvalidName) {
			return "", fmt.Errorf("create backup: %w: %w", ErrValidation, err)
		}

		return "", fmt.Errorf("create backup: %w: %w", ErrIO, err)
	}

	s.log.Info("backup created", "path", target, "tasks", len(doc.Todos))

	return target, nil
}

// ListBackups returns rotated and manual backup paths, newest first.
func (s *Store) ListBackups() ([]string, error) {
	infos, err := s.BackupInfos()
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(infos))
	for _, info := range infos {
		paths = append(paths, info.Path)
	}

	return paths, nil
}

// BackupInfos is [Store.ListBackups] with size and modification time.
func (s *Store) BackupInfos() ([]backup.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	infos, err := s.rotator.List()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	return infos, nil
}

// RestoreFromBackup replaces the document with the content of a backup and
// saves it. The current primary moves into the backup chain like on any
// save, so a restore can itself be undone. path may be a full path or just
// the backup's file name.
func (s *Store) RestoreFromBackup(path string) error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return ErrClosed
	}

	event, err := s.restoreLocked(path)

	s.mu.Unlock()

	if err != nil {
		return err
	}

	s.notify(event)

	return nil
}

func (s *Store) restoreLocked(path string) (SaveEvent, error) {
	resolved, err := s.resolveBackup(path)
	if err != nil {
		return SaveEvent{}, err
	}

	data, err := s.readCandidate(resolved)
	if err != nil {
		return SaveEvent{}, fmt.Errorf("restore %s: %w", filepath.Base(resolved), err)
	}

	raw, err := document.Parse(data)
	if err != nil {
		return SaveEvent{}, fmt.Errorf("restore %s: %w", filepath.Base(resolved), err)
	}

	res := migrate.Run(raw)

	doc, skipped, err := document.Decode(raw)
	if err != nil {
		return SaveEvent{}, fmt.Errorf("restore %s: %w", filepath.Base(resolved), err)
	}

	s.log.Warn("restoring from backup", "backup", resolved, "tasks", len(doc.Todos),
		"skipped", len(skipped), "migrated", res.Applied)

	return s.saveLocked(doc)
}

// resolveBackup checks that path names one of this store's backups.
func (s *Store) resolveBackup(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("restore: %w: empty backup path", ErrValidation)
	}

	if !strings.ContainsRune(path, filepath.Separator) {
		path = filepath.Join(filepath.Dir(s.path), path)
	}

	path = filepath.Clean(path)

	base := filepath.Base(s.path) + "."
	name := filepath.Base(path)

	if filepath.Dir(path) != filepath.Dir(s.path) || !strings.HasPrefix(name, base) {
		return "", fmt.Errorf("restore: %w: %s is not a backup of %s", ErrValidation, path, s.path)
	}

	suffix := strings.TrimPrefix(name, base)
	if s.rotator.IsRotated(path) || backup.ValidateName(suffix) == nil {
		return path, nil
	}

	return "", fmt.Errorf("restore: %w: %s is not a backup of %s", ErrValidation, path, s.path)
}
