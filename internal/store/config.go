package store

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/calvinalkan/taskvault/pkg/fs"
)

// Defaults used when the corresponding [Config] field is zero.
const (
	DefaultBackupCount      = 5
	DefaultAutoSaveInterval = 5 * time.Second
	DefaultRetryAttempts    = 3
	DefaultRetryDelay       = 500 * time.Millisecond
	DefaultMaxFileSize      = 100 << 20
)

// Config holds every tunable of a [Store]. The zero value of each field
// selects its default, except Path which is required.
type Config struct {
	// Path is the primary document file.
	Path string

	// BackupCount is the number of numbered backups kept besides the newest
	// one. Negative disables numbered backups.
	BackupCount int

	// AutoSaveInterval is how often pending changes are flushed. Negative
	// disables the background scheduler.
	AutoSaveInterval time.Duration

	// RetryAttempts is how many times a save is tried before failing.
	RetryAttempts int

	// RetryDelay is multiplied by the attempt number between attempts.
	RetryDelay time.Duration

	// MaxFileSize is the largest document accepted; larger files are corrupt.
	MaxFileSize int64

	// FS is the filesystem. Defaults to [fs.NewReal].
	FS fs.FS

	// Logger receives diagnostics. Defaults to a discarding logger.
	Logger *log.Logger

	// Now is the clock. Defaults to [time.Now].
	Now func() time.Time
}

func (c Config) withDefaults() (Config, error) {
	if c.Path == "" {
		return c, errors.New("path is empty")
	}

	if c.BackupCount == 0 {
		c.BackupCount = DefaultBackupCount
	}

	if c.AutoSaveInterval == 0 {
		c.AutoSaveInterval = DefaultAutoSaveInterval
	}

	if c.RetryAttempts == 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}

	if c.RetryAttempts < 0 {
		return c, fmt.Errorf("retry attempts %d is negative", c.RetryAttempts)
	}

	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}

	if c.RetryDelay < 0 {
		return c, fmt.Errorf("retry delay %s is negative", c.RetryDelay)
	}

	if c.MaxFileSize <= 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}

	if c.FS == nil {
		c.FS = fs.NewReal()
	}

	if c.Logger == nil {
		c.Logger = log.New(io.Discard)
	}

	if c.Now == nil {
		c.Now = time.Now
	}

	return c, nil
}
