package store

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/calvinalkan/taskvault/internal/document"
	"github.com/calvinalkan/taskvault/internal/integrity"
)

// IntegrityStatus is a read-only health report of the store.
type IntegrityStatus struct {
	Path        string
	FileExists  bool
	FileSize    int64
	FileModTime time.Time

	// Report validates the in-memory document without changing it.
	Report integrity.Report

	Backups        int
	JournalPending bool
	Dirty          bool
	LastSavedAt    *document.Timestamp
	Load           LoadReport

	// Errors lists checks that could not be performed.
	Errors []string
}

// Healthy reports whether the document is valid and every check ran.
func (st IntegrityStatus) Healthy() bool {
	return st.Report.Valid && len(st.Errors) == 0
}

// GetIntegrityStatus validates the in-memory document and inspects the
// files on disk. It never writes.
func (s *Store) GetIntegrityStatus() IntegrityStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := IntegrityStatus{
		Path:        s.path,
		Report:      integrity.Validate(s.doc, s.cfg.Now()),
		Dirty:       s.armed,
		LastSavedAt: s.doc.Clone().LastSavedAt,
		Load:        s.report.clone(),
	}

	info, err := s.fs.Stat(s.path)

	switch {
	case err == nil:
		status.FileExists = true
		status.FileSize = info.Size()
		status.FileModTime = info.ModTime()
	case !errors.Is(err, os.ErrNotExist):
		status.Errors = append(status.Errors, fmt.Sprintf("stat primary: %v", err))
	}

	backups, err := s.rotator.List()
	if err != nil {
		status.Errors = append(status.Errors, err.Error())
	}

	status.Backups = len(backups)

	pending, err := s.journal.Pending()
	if err != nil {
		status.Errors = append(status.Errors, err.Error())
	}

	status.JournalPending = pending

	return status
}
