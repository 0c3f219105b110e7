package store

import (
	"errors"

	"github.com/calvinalkan/taskvault/internal/document"
	"github.com/calvinalkan/taskvault/internal/integrity"
)

// ErrIO reports a filesystem failure: disk full, permission denied, missing
// directory. Callers should use errors.Is(err, ErrIO).
var ErrIO = errors.New("io error")

// ErrCorrupt reports bytes that are not a parseable document.
var ErrCorrupt = document.ErrCorrupt

// ErrValidation reports input the store refuses, or rule violations that
// have no safe automatic repair.
var ErrValidation = integrity.ErrValidation

// ErrMigration reports a failed schema migration write. The primary file
// has been restored from the pre-migration copy.
var ErrMigration = errors.New("migration failed")

// ErrClosed is returned by every mutating call after [Store.Shutdown].
var ErrClosed = errors.New("store closed")
