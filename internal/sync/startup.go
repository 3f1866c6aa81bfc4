package sync

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bernsteinhq/bernstein/internal/audit"
	"github.com/rs/zerolog"
)

// gapThreshold is the minimum uncovered period worth recording. Shorter
// gaps are normal restarts, not archival coverage holes.
const gapThreshold = 30 * time.Minute

// RecordStartupAndDetectGaps appends an app_started event and, when the
// last heartbeat (sync_finished, falling back to app_started) is far
// enough in the past, one coverage_gap event describing the period the
// computer was on without the archiver running.
func RecordStartupAndDetectGaps(events *audit.Store, log zerolog.Logger) {
	now := time.Now().UTC()
	bootTime := systemBootTime()

	var bootTimeRFC string
	if !bootTime.IsZero() {
		bootTimeRFC = bootTime.UTC().Format(time.RFC3339)
	}

	if _, err := events.Append(&audit.Input{
		OccurredAt: now.Format(time.RFC3339),
		Kind:       audit.KindAppStarted,
		Detail:     fmt.Sprintf(`{"v":1,"system_boot_time":%q}`, bootTimeRFC),
	}); err != nil {
		log.Error().Err(err).Msg("Failed to record app_started event")
		return
	}

	lastHeartbeat, err := events.LastEventTimeByKind(audit.KindSyncFinished)
	if err != nil {
		log.Error().Err(err).Msg("Failed to query last heartbeat")
		return
	}
	if lastHeartbeat == "" {
		// The newest app_started is the one just recorded; use the one before it.
		previous, err := events.ListRecent(audit.KindAppStarted, 1, 1)
		if err != nil {
			log.Error().Err(err).Msg("Failed to query last app_started")
			return
		}
		if len(previous) > 0 {
			lastHeartbeat = previous[0].OccurredAt
		}
	}
	if lastHeartbeat == "" {
		// First run ever — no gap to report.
		return
	}

	lastHB, err := time.Parse(time.RFC3339, lastHeartbeat)
	if err != nil {
		return
	}

	// If the system booted after the last heartbeat, the computer was off
	// for part of the period; only boot→now is uncovered.
	gapStart := lastHB
	if !bootTime.IsZero() && bootTime.After(lastHB) {
		gapStart = bootTime
	}

	gap := now.Sub(gapStart)
	if gap <= gapThreshold {
		return
	}

	log.Warn().
		Dur("gap", gap).
		Str("since", gapStart.UTC().Format(time.RFC3339)).
		Msg("Coverage gap detected")

	if _, err := events.Append(&audit.Input{
		OccurredAt: time.Now().UTC().Format(time.RFC3339),
		Kind:       audit.KindCoverageGap,
		Detail: fmt.Sprintf(`{"v":1,"gap_start":%q,"gap_end_approx":%q,"gap_seconds":%d,"last_heartbeat":%q,"system_boot_time":%q}`,
			gapStart.UTC().Format(time.RFC3339), now.Format(time.RFC3339),
			int64(gap.Seconds()), lastHeartbeat, bootTimeRFC),
	}); err != nil {
		log.Error().Err(err).Msg("Failed to record coverage_gap event")
	}
}

// systemBootTime reads the boot time from /proc/uptime. Returns the zero
// time on platforms or errors where it cannot be determined; callers
// treat that as "unknown".
func systemBootTime() time.Time {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return time.Time{}
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return time.Time{}
	}
	uptime, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return time.Time{}
	}
	return time.Now().Add(-time.Duration(uptime * float64(time.Second)))
}
