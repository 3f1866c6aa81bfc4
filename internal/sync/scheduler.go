package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/bernsteinhq/bernstein/internal/appstate"
	"github.com/bernsteinhq/bernstein/internal/audit"
	"github.com/bernsteinhq/bernstein/internal/integrity"
	"github.com/bernsteinhq/bernstein/internal/logging"
	"github.com/rs/zerolog"
)

const (
	// initialDelay gives the process a moment to settle before the
	// first background cycle.
	initialDelay = 60 * time.Second

	// pollNotConfigured is the retry interval while no account exists.
	pollNotConfigured = 60 * time.Second

	// fullVerificationEveryNCycles runs the full chain walk every Nth
	// cycle; the other cycles only compare the root hash checkpoint.
	fullVerificationEveryNCycles = 10
)

// Scheduler runs periodic background sync cycles with integrity checks.
type Scheduler struct {
	engine    *Engine
	integrity *integrity.Engine
	state     *appstate.State
	log       zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        gosync.WaitGroup
	running   bool
	runningMu gosync.Mutex
}

// NewScheduler creates a new background sync scheduler
func NewScheduler(engine *Engine, integrityEngine *integrity.Engine, state *appstate.State) *Scheduler {
	return &Scheduler{
		engine:    engine,
		integrity: integrityEngine,
		state:     state,
		log:       logging.WithComponent("sync-scheduler"),
	}
}

// Start starts the background sync scheduler
func (s *Scheduler) Start(ctx context.Context) {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()

	if s.running {
		s.log.Warn().Msg("Scheduler already running")
		return
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.wg.Add(1)
	go s.run()

	s.log.Info().Msg("Background sync scheduler started")
}

// Stop stops the background sync scheduler
func (s *Scheduler) Stop() {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()

	if !s.running {
		return
	}

	s.cancel()
	s.wg.Wait()
	s.running = false

	s.log.Info().Msg("Background sync scheduler stopped")
}

// run is the main scheduler loop. Sleep time is interval minus the time
// the cycle itself took, to compensate for timer drift.
func (s *Scheduler) run() {
	defer s.wg.Done()

	select {
	case <-time.After(initialDelay):
	case <-s.ctx.Done():
		return
	}

	var cycleCount uint64

	for {
		start := time.Now()
		synced, err := s.runCycle()
		elapsed := time.Since(start)

		target := time.Duration(s.state.SyncIntervalSecs()) * time.Second
		if err == nil && !synced {
			// Nothing configured yet; poll more often.
			target = pollNotConfigured
		}

		if err == nil && synced {
			cycleCount++
			runFull := cycleCount%fullVerificationEveryNCycles == 0
			s.runIntegrityCheck(runFull)
		}

		sleepFor := target - elapsed
		if sleepFor < 0 {
			sleepFor = 0
		}

		select {
		case <-time.After(sleepFor):
		case <-s.ctx.Done():
			return
		}
	}
}

// runCycle syncs all enabled accounts under the exclusive sync lock.
// Returns false when no account is configured.
func (s *Scheduler) runCycle() (bool, error) {
	release, err := s.state.AcquireSyncLock(s.ctx)
	if err != nil {
		return false, err
	}
	defer release()

	summary, err := s.engine.SyncAll(s.ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Background sync cycle failed")
		s.state.SetLastSync(audit.NowRFC3339(), "error")
		return false, err
	}

	if summary.AccountsSeen == 0 {
		s.state.SetLastSync("", "not configured")
		return false, nil
	}

	status := "ok"
	if len(summary.Errors) > 0 {
		status = "partial"
	}
	s.state.SetLastSync(audit.NowRFC3339(), status)

	s.log.Info().
		Int("accounts", summary.AccountsSeen).
		Int("synced", summary.AccountsSynced).
		Int64("imported", summary.MessagesImported).
		Msg("Background sync cycle complete")

	return true, nil
}

// runIntegrityCheck runs the periodic verification: a quick root-hash
// comparison every cycle, the full chain walk every tenth.
func (s *Scheduler) runIntegrityCheck(runFull bool) {
	var (
		status *integrity.Status
		err    error
	)
	checkKind := "quick"
	if runFull {
		checkKind = "full"
		status, err = s.integrity.VerifyIntegrity()
	} else {
		status, err = s.integrity.VerifyRootHashOnly()
	}
	if err != nil {
		s.log.Error().Err(err).Msg("Periodic integrity check failed to run")
		return
	}

	s.state.SetIntegrityStatus(status)

	if err := s.integrity.RecordResult(status, checkKind); err != nil {
		s.log.Error().Err(err).Msg("Failed to record integrity result")
	}
}

// RunStartupChecks records an app_started event, detects coverage gaps
// and runs a full integrity verification. Called once at process start.
func (s *Scheduler) RunStartupChecks() {
	RecordStartupAndDetectGaps(s.engine.events, s.log)

	status, err := s.integrity.VerifyIntegrity()
	if err != nil {
		s.log.Error().Err(err).Msg("Startup integrity verification failed to run")
		return
	}
	s.state.SetIntegrityStatus(status)
	if err := s.integrity.RecordResult(status, "full"); err != nil {
		s.log.Error().Err(err).Msg("Failed to record startup integrity result")
	}
}
