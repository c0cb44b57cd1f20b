// internal/assessment/resume.go
package assessment

import (
	"context"
	"log/slog"
	"time"

	"github.com/user/wealthflow/internal/types"
)

// DefaultResumeTimeout bounds the history lookup on a cold session.
const DefaultResumeTimeout = 3 * time.Second

// ResumeChecker decides, for a returning user still at NotStarted, whether a
// previously completed session should be resumed instead of starting fresh.
// The lookup races a fixed timeout; a slow lookup means "no history".
type ResumeChecker struct {
	client  types.AssessmentClient
	timeout time.Duration
}

func NewResumeChecker(client types.AssessmentClient, timeout time.Duration) *ResumeChecker {
	if timeout <= 0 {
		timeout = DefaultResumeTimeout
	}
	return &ResumeChecker{client: client, timeout: timeout}
}

// Check runs the history lookup for the controller's user and records a
// redirect target on a positive result. The user can advance while the
// lookup is in flight, so the abort signal is re-validated immediately
// before the redirecting side effect, not only at the start.
func (r *ResumeChecker) Check(ctx context.Context, ctrl *Controller) *types.HistoryEntry {
	if ctrl.Advanced() {
		return nil
	}

	lctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type lookup struct {
		entries []*types.HistoryEntry
		err     error
	}
	ch := make(chan lookup, 1)
	go func() {
		entries, err := r.client.History(lctx, ctrl.userID, ctrl.email)
		ch <- lookup{entries: entries, err: err}
	}()

	select {
	case <-lctx.Done():
		// Timed out or cancelled; the stale result is discarded when it
		// eventually arrives.
		slog.Info("history lookup timed out, treating as no history", "key", string(ctrl.key))
		return nil
	case res := <-ch:
		if res.err != nil {
			slog.Warn("history lookup failed, treating as no history",
				"key", string(ctrl.key), "error", res.err)
			return nil
		}
		entry := latestCompleted(res.entries)
		if entry == nil {
			return nil
		}
		if ctrl.Advanced() {
			// The user moved on while the call was in flight.
			slog.Info("resume suppressed, user already advanced", "key", string(ctrl.key))
			return nil
		}
		ctrl.setResumeTarget(entry)
		slog.Info("prior completed session found",
			"key", string(ctrl.key), "session_id", string(entry.SessionID))
		return entry
	}
}

// latestCompleted returns the first completed entry of the ordered history,
// preferring one with a report reference.
func latestCompleted(entries []*types.HistoryEntry) *types.HistoryEntry {
	var fallback *types.HistoryEntry
	for _, e := range entries {
		if e.Status != "complete" && e.Status != "completed" {
			continue
		}
		if e.ReportRef != "" {
			return e
		}
		if fallback == nil {
			fallback = e
		}
	}
	return fallback
}
