// Package appstate holds process-wide status shared between the sync
// engine, the scheduler and status readers.
package appstate

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bernsteinhq/bernstein/internal/integrity"
)

// DefaultSyncIntervalSecs is the default background sync interval.
const DefaultSyncIntervalSecs = 15 * 60

// SyncStatus is the last known sync outcome for status displays.
type SyncStatus struct {
	SyncInProgress bool   `json:"sync_in_progress"`
	LastSyncAt     string `json:"last_sync_at,omitempty"`
	LastSyncStatus string `json:"last_sync_status"`
}

// State is passed explicitly to every component that needs shared
// status — it is constructed once in main, not reached through globals.
type State struct {
	// syncLock serializes sync operations process-wide. Manual runs and
	// background cycles contend for the same slot.
	syncLock chan struct{}

	syncInProgress   atomic.Bool
	syncIntervalSecs atomic.Int64

	mu              sync.Mutex
	lastSync        SyncStatus
	integrityStatus *integrity.Status
}

// New creates the shared state
func New() *State {
	s := &State{
		syncLock: make(chan struct{}, 1),
		lastSync: SyncStatus{LastSyncStatus: "never"},
	}
	s.syncIntervalSecs.Store(DefaultSyncIntervalSecs)
	return s
}

// AcquireSyncLock blocks until the exclusive sync slot is free or the
// context is cancelled. The returned release function must be called
// when the operation completes.
func (s *State) AcquireSyncLock(ctx context.Context) (release func(), err error) {
	select {
	case s.syncLock <- struct{}{}:
		s.syncInProgress.Store(true)
		return func() {
			s.syncInProgress.Store(false)
			<-s.syncLock
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SyncInProgress reports whether a sync currently holds the lock,
// without contending for it.
func (s *State) SyncInProgress() bool {
	return s.syncInProgress.Load()
}

// SyncIntervalSecs returns the background sync interval in seconds.
func (s *State) SyncIntervalSecs() int64 {
	return s.syncIntervalSecs.Load()
}

// SetSyncIntervalSecs updates the background sync interval.
func (s *State) SetSyncIntervalSecs(secs int64) {
	s.syncIntervalSecs.Store(secs)
}

// LastSync returns the last known sync status.
func (s *State) LastSync() SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := s.lastSync
	status.SyncInProgress = s.SyncInProgress()
	return status
}

// SetLastSync records the outcome of a sync run.
func (s *State) SetLastSync(at, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSync.LastSyncAt = at
	s.lastSync.LastSyncStatus = status
}

// IntegrityStatus returns the most recent verification result, or nil.
func (s *State) IntegrityStatus() *integrity.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.integrityStatus
}

// SetIntegrityStatus stores the most recent verification result.
func (s *State) SetIntegrityStatus(status *integrity.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.integrityStatus = status
}
