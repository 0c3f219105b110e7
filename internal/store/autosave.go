package store

import (
	"context"
	"errors"
	"time"

	"github.com/calvinalkan/taskvault/internal/document"
)

// MarkChanged arms the auto-save: the next tick writes the document unless
// its content hash equals the last saved one.
func (s *Store) MarkChanged() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.armed = true
}

// Dirty reports whether changes are waiting for the auto-save.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.armed
}

// ForceSave writes the in-memory document now, whether or not it changed.
func (s *Store) ForceSave() error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return ErrClosed
	}

	event, err := s.saveLocked(s.doc.Clone())

	s.mu.Unlock()

	if err != nil {
		return err
	}

	s.notify(event)

	return nil
}

// Flush saves pending changes now. It does nothing when the auto-save is
// not armed or the content is unchanged since the last save.
func (s *Store) Flush() error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return ErrClosed
	}

	event, saved, err := s.flushLocked()

	s.mu.Unlock()

	if saved {
		s.notify(event)
	}

	return err
}

func (s *Store) autoSave(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.Flush()
			if err != nil && !errors.Is(err, ErrClosed) {
				s.log.Error("auto-save failed, will retry", "err", err)
			}
		}
	}
}

// flushLocked is one auto-save step. A failed save stays armed.
func (s *Store) flushLocked() (SaveEvent, bool, error) {
	if !s.armed {
		return SaveEvent{}, false, nil
	}

	hash, err := document.Hash(s.doc)
	if err == nil && hash == s.savedHash {
		s.armed = false

		return SaveEvent{}, false, nil
	}

	event, err := s.saveLocked(s.doc.Clone())
	if err != nil {
		s.armed = true

		return SaveEvent{}, false, err
	}

	return event, true, nil
}

// Shutdown stops the auto-save, waits for a save in progress, writes any
// pending changes once and closes the store. Later calls return the first
// call's result. After Shutdown every mutating method returns [ErrClosed].
func (s *Store) Shutdown() error {
	return s.shutdown(true)
}

// Close is [Shutdown] without the final write: pending changes, including
// repairs made while loading, are discarded.
func (s *Store) Close() error {
	return s.shutdown(false)
}

func (s *Store) shutdown(flush bool) error {
	s.shutdownOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}

		s.wg.Wait()

		s.mu.Lock()

		var (
			event SaveEvent
			saved bool
			err   error
		)

		if flush {
			event, saved, err = s.flushLocked()
		} else if s.armed {
			s.log.Info("closing with unsaved changes")
		}

		s.closed = true

		s.mu.Unlock()

		if saved {
			s.notify(event)
		}

		if err != nil {
			s.log.Error("final save failed", "err", err)
		}

		s.shutdownErr = err
	})

	return s.shutdownErr
}
