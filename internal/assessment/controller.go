// internal/assessment/controller.go
package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/wealthflow/internal/types"
)

// Controller drives one user's assessment through its stages. It is the only
// component permitted to mutate the stage, progress, or answers: every write,
// whether user-triggered or pushed from the event stream, funnels through a
// single command loop, so no locks guard the session state.
//
// The snapshot store is read exactly once at construction and written on
// every stage transition.
type Controller struct {
	key    types.UserKey
	userID string
	email  string

	stage Stage
	state *SessionState
	guard StartGuard

	snapshots types.SnapshotStore
	client    types.AssessmentClient
	retry     *RetryPolicy

	// stageIdx mirrors the stage's order index for lock-free reads from
	// outside the command loop (Finished, the resume checker's abort check).
	stageIdx atomic.Int32
	advanced atomic.Bool
	resume   atomic.Pointer[types.HistoryEntry]

	onSessionActive func(types.SessionID)

	cmds chan command
	done chan struct{}
	sem  *semaphore.Weighted
}

type command struct {
	name string
	fn   func(ctx context.Context)
}

// ControllerOption configures optional behavior on a Controller.
type ControllerOption func(*Controller)

// WithRetryPolicy overrides the completion retry policy.
func WithRetryPolicy(p *RetryPolicy) ControllerOption {
	return func(c *Controller) { c.retry = p }
}

// WithSemaphore bounds command execution across controllers sharing the
// weighted semaphore.
func WithSemaphore(sem *semaphore.Weighted) ControllerOption {
	return func(c *Controller) { c.sem = sem }
}

// WithOnSessionActive sets a callback invoked whenever the controller holds a
// live session worth a push subscription (start success or snapshot restore).
// The callback must not block.
func WithOnSessionActive(fn func(types.SessionID)) ControllerOption {
	return func(c *Controller) { c.onSessionActive = fn }
}

// NewController builds a per-session controller, reading the durable snapshot
// once. A missing or corrupt snapshot means a cold NotStarted session.
func NewController(ctx context.Context, userID, email string, snapshots types.SnapshotStore, client types.AssessmentClient, opts ...ControllerOption) *Controller {
	c := &Controller{
		key:       types.NewUserKey(userID, email),
		userID:    userID,
		email:     email,
		stage:     StageNotStarted,
		state:     NewSessionState(),
		snapshots: snapshots,
		client:    client,
		retry:     DefaultRetryPolicy(),
		cmds:      make(chan command, 16),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	snap, err := snapshots.Load(ctx, c.key)
	if err != nil {
		slog.Warn("snapshot load failed, starting cold", "key", string(c.key), "error", err)
	}
	if snap != nil {
		if stage, ok := ParseStage(snap.Stage); ok {
			c.stage = stage
			c.stageIdx.Store(int32(stage.Index()))
			if snap.SessionID != "" {
				c.state.RestoreSession(snap.SessionID)
			}
			if stage.Index() > StageNotStarted.Index() {
				c.advanced.Store(true)
			}
			if stage.Index() >= StageInProgress.Index() {
				// The start ticket belongs to the restored session.
				c.guard.TryAcquire()
			}
			slog.Info("session restored from snapshot",
				"key", string(c.key), "stage", string(stage), "session_id", string(snap.SessionID))
		}
	}
	return c
}

// Run drains the command queue until ctx is cancelled. It blocks; callers
// start it on its own goroutine.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case cmd := <-c.cmds:
			if c.sem != nil {
				if err := c.sem.Acquire(ctx, 1); err != nil {
					return
				}
			}
			cmd.fn(ctx)
			if c.sem != nil {
				c.sem.Release(1)
			}
		case <-ctx.Done():
			return
		}
	}
}

// do enqueues fn on the command loop and waits for its result.
func (c *Controller) do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	errc := make(chan error, 1)
	cmd := command{name: name, fn: func(loopCtx context.Context) {
		errc <- fn(loopCtx)
	}}
	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("controller stopped")
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("controller stopped")
	}
}

// Finished reports whether the session reached its terminal stage. Safe from
// any goroutine.
func (c *Controller) Finished() bool {
	return int(c.stageIdx.Load()) >= StageComplete.Index()
}

// Advanced reports whether the user has taken any forward action. This is
// the resume checker's abort signal.
func (c *Controller) Advanced() bool {
	return c.advanced.Load()
}

func (c *Controller) setResumeTarget(entry *types.HistoryEntry) {
	c.resume.Store(entry)
}

// setStage applies a forward transition and persists it. Regressions are
// rejected: the last forward stage is re-asserted, including its snapshot.
// A Complete session is frozen.
func (c *Controller) setStage(ctx context.Context, next Stage) {
	if c.stage == StageComplete {
		return
	}
	if next.Index() < c.stage.Index() {
		slog.Warn("rejecting stage regression",
			"key", string(c.key), "from", string(c.stage), "to", string(next))
		c.persist(ctx)
		return
	}
	if next == c.stage {
		return
	}
	c.stage = next
	c.stageIdx.Store(int32(next.Index()))
	if next.Index() > StageNotStarted.Index() {
		c.advanced.Store(true)
	}
	slog.Info("stage transition", "key", string(c.key), "stage", string(next))
	if next == StageComplete {
		if err := c.snapshots.Clear(ctx, c.key); err != nil {
			slog.Warn("snapshot clear failed", "key", string(c.key), "error", err)
		}
		return
	}
	c.persist(ctx)
}

// persist writes the durable snapshot after the in-memory transition. A
// failed write degrades durability but never blocks the flow.
func (c *Controller) persist(ctx context.Context) {
	snap := &types.Snapshot{Stage: string(c.stage), SavedAt: time.Now()}
	if sess := c.state.Session(); sess != nil {
		snap.SessionID = sess.ID
	}
	if err := c.snapshots.Save(ctx, c.key, snap); err != nil {
		slog.Warn("snapshot save failed", "key", string(c.key), "error", err)
	}
}

// Begin confirms the introduction: NotStarted moves to Introduction. Any
// later stage is left as is.
func (c *Controller) Begin(ctx context.Context) (*StateView, error) {
	var view *StateView
	err := c.do(ctx, "begin", func(ctx context.Context) error {
		if c.stage == StageNotStarted {
			c.setStage(ctx, StageIntroduction)
		}
		view = c.view()
		return nil
	})
	return view, err
}

// Start creates the upstream session and sources the question set. The guard
// grants a single ticket, so re-entrant initialization produces exactly one
// upstream call; a denied ticket is swallowed and the current state returned.
func (c *Controller) Start(ctx context.Context) (*StateView, error) {
	var view *StateView
	err := c.do(ctx, "start", func(ctx context.Context) error {
		if c.stage.Index() >= StageInProgress.Index() {
			view = c.view()
			return nil
		}
		if c.stage == StageNotStarted {
			return ErrIntroductionPending
		}
		if !c.guard.TryAcquire() {
			// Duplicate start from re-entrant initialization; never surfaced.
			slog.Debug("start ticket already granted", "key", string(c.key))
			view = c.view()
			return nil
		}

		result, err := c.client.Start(ctx, c.userID, c.email)
		if err != nil {
			// No session came to exist; the failed attempt voids its ticket
			// so an explicit user retry can start.
			c.guard.Reset()
			var retake *RetakeNotAllowedError
			if errors.As(err, &retake) {
				return retake
			}
			return fmt.Errorf("start session: %w", err)
		}

		c.state.SetSession(result.SessionID, time.Now())
		c.state.SetQuestions(normalizeQuestions(result.Questions))
		c.setStage(ctx, StageInProgress)
		if c.onSessionActive != nil {
			c.onSessionActive(result.SessionID)
		}
		view = c.view()
		return nil
	})
	return view, err
}

// SubmitView is the result of an answer submission.
type SubmitView struct {
	State         *StateView
	Insight       string
	TierSignal    string
	Opportunities []string
}

// SubmitAnswer validates and forwards an answer, then advances progress.
// Progress precedence: the collaborator's authoritative pair when reported,
// otherwise the locally derived index. Either the server's completion signal
// or the local last-question signal alone is sufficient to finish.
func (c *Controller) SubmitAnswer(ctx context.Context, questionID types.QuestionID, choiceID types.ChoiceID, responseTime time.Duration) (*SubmitView, error) {
	var out *SubmitView
	err := c.do(ctx, "submit_answer", func(ctx context.Context) error {
		if c.stage != StageInProgress {
			return ErrSessionNotActive
		}
		sess := c.state.Session()
		if sess == nil {
			return ErrSessionNotActive
		}
		if _, ok := c.state.Question(questionID); !ok {
			return ErrUnknownQuestion
		}

		result, err := c.client.SubmitAnswer(ctx, sess.ID, questionID, choiceID, responseTime)
		if err != nil {
			return &SubmissionError{Err: err}
		}

		c.state.RecordAnswer(questionID, choiceID, responseTime)
		c.state.SetInsights(result.Insight, result.TierSignal, result.Opportunities)

		total := c.state.Progress().Total
		serverComplete := false
		var next int
		if result.Progress != nil {
			// Authoritative path.
			serverComplete = result.Progress.IsComplete
			if result.Progress.TotalQuestions > 0 {
				total = result.Progress.TotalQuestions
			}
			if serverComplete {
				next = total
			} else {
				next = min(result.Progress.AnswersSubmitted+1, total)
			}
		} else {
			// The backend contract is not guaranteed complete; derive locally.
			next = min(c.state.Progress().Current+1, total)
		}
		c.state.SetProgress(next, total, false)

		// Either signal alone finishes the assessment.
		if serverComplete || next >= total {
			c.finish(ctx)
		}

		insight, tier, opps := c.state.Insights()
		out = &SubmitView{
			State:         c.view(),
			Insight:       insight,
			TierSignal:    tier,
			Opportunities: opps,
		}
		return nil
	})
	return out, err
}

// Complete explicitly finishes the assessment. Already-finished sessions are
// a no-op.
func (c *Controller) Complete(ctx context.Context) (*StateView, error) {
	var view *StateView
	err := c.do(ctx, "complete", func(ctx context.Context) error {
		if c.stage == StageInProgress {
			c.finish(ctx)
		}
		view = c.view()
		return nil
	})
	return view, err
}

// finish runs the completion call and advances to AwaitingReport. The stage
// moves regardless of the call's outcome: the backend is trusted to produce
// the report independently, so a failed acknowledgment degrades into a
// warning rather than blocking the user.
func (c *Controller) finish(ctx context.Context) {
	sess := c.state.Session()
	if sess != nil {
		err := c.retry.Execute(ctx, func() error {
			return c.client.Complete(ctx, sess.ID)
		})
		if err != nil {
			code := WarnCompletionFailed
			var incomplete *IncompleteAnswersError
			if errors.As(err, &incomplete) {
				code = WarnIncompleteAnswers
			}
			c.state.AddWarning(code, err.Error())
			slog.Warn("completion call failed, proceeding",
				"key", string(c.key), "session_id", string(sess.ID), "error", err)
		}
	}

	p := c.state.Progress()
	c.state.SetProgress(p.Current, p.Total, true)
	c.setStage(ctx, StageAwaitingReport)
}

// ApplyStreamEvent merges one server-pushed event. The transport is
// at-least-once, so merges are idempotent by event identity rather than by
// trusting exactly-once delivery.
func (c *Controller) ApplyStreamEvent(ctx context.Context, ev types.StreamEvent) error {
	return c.do(ctx, "stream_event", func(ctx context.Context) error {
		switch ev.Type {
		case types.StreamCalibrationUpdate:
			var payload types.CalibrationPayload
			if err := json.Unmarshal(ev.Payload, &payload); err != nil {
				return fmt.Errorf("decode calibration event: %w", err)
			}
			if payload.DeltaCount < 0 {
				slog.Warn("ignoring negative calibration delta",
					"key", string(c.key), "event_id", string(ev.ID), "delta", payload.DeltaCount)
				return nil
			}
			if !c.state.ApplyCalibration(ev.ID, payload.DeltaCount, payload.Message) {
				slog.Debug("duplicate calibration event ignored",
					"key", string(c.key), "event_id", string(ev.ID))
			}
			return nil

		case types.StreamReportReady:
			var report types.ReportResult
			if err := json.Unmarshal(ev.Payload, &report); err != nil {
				return fmt.Errorf("decode report event: %w", err)
			}
			if c.stage == StageComplete {
				return nil
			}
			if c.stage.Before(StageAwaitingReport) {
				p := c.state.Progress()
				c.state.SetProgress(p.Current, p.Total, true)
				c.setStage(ctx, StageAwaitingReport)
			}
			c.state.SetReport(&report)
			c.setStage(ctx, StageComplete)
			return nil

		case types.StreamError:
			var payload types.StreamErrorPayload
			if err := json.Unmarshal(ev.Payload, &payload); err != nil {
				return fmt.Errorf("decode error event: %w", err)
			}
			c.state.AddWarning(WarnStreamError, payload.Message)
			slog.Warn("stream error event", "key", string(c.key), "message", payload.Message)
			return nil

		default:
			slog.Debug("ignoring unknown stream event type", "type", ev.Type)
			return nil
		}
	})
}

// StateView is a read-only projection of the session for callers outside the
// command loop.
type StateView struct {
	Stage            Stage
	Session          *types.Session
	Progress         types.Progress
	CurrentQuestion  *types.Question
	CalibrationCount int64
	CalibrationNote  string
	Insight          string
	TierSignal       string
	Opportunities    []string
	Warnings         []Warning
	Report           *types.ReportResult
	Redirect         *types.HistoryEntry
}

// View returns the current projection through the command loop.
func (c *Controller) View(ctx context.Context) (*StateView, error) {
	var view *StateView
	err := c.do(ctx, "view", func(ctx context.Context) error {
		view = c.view()
		return nil
	})
	return view, err
}

// view builds the projection. Caller must be on the command loop.
func (c *Controller) view() *StateView {
	count, note := c.state.Calibration()
	insight, tier, opps := c.state.Insights()
	v := &StateView{
		Stage:            c.stage,
		Session:          c.state.Session(),
		Progress:         c.state.Progress(),
		CalibrationCount: count,
		CalibrationNote:  note,
		Insight:          insight,
		TierSignal:       tier,
		Opportunities:    opps,
		Warnings:         c.state.Warnings(),
		Report:           c.state.Report(),
		Redirect:         c.resume.Load(),
	}
	if c.stage == StageInProgress {
		v.CurrentQuestion = c.state.QuestionAt(v.Progress.Current)
	}
	return v
}

// normalizeQuestions resolves question identifiers from the upstream fallback
// chain (id, question_id, key); questions with no resolvable ID are dropped.
func normalizeQuestions(payloads []types.QuestionPayload) []types.Question {
	out := make([]types.Question, 0, len(payloads))
	for _, p := range payloads {
		id := p.ID
		if id == "" {
			id = p.QuestionID
		}
		if id == "" {
			id = p.Key
		}
		if id == "" {
			slog.Warn("dropping question without identifier", "prompt", p.Prompt)
			continue
		}
		out = append(out, types.Question{
			ID:      types.QuestionID(id),
			Prompt:  p.Prompt,
			Choices: p.Choices,
		})
	}
	return out
}
