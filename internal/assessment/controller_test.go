// internal/assessment/controller_test.go
package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/wealthflow/internal/types"
)

// fakeClient implements types.AssessmentClient with overridable behavior and
// call counters.
type fakeClient struct {
	startCalls    atomic.Int64
	submitCalls   atomic.Int64
	completeCalls atomic.Int64
	historyCalls  atomic.Int64

	startFn    func(ctx context.Context, userID, email string) (*types.StartResult, error)
	submitFn   func(ctx context.Context, sessionID types.SessionID, questionID types.QuestionID, choiceID types.ChoiceID, responseTime time.Duration) (*types.SubmitResult, error)
	completeFn func(ctx context.Context, sessionID types.SessionID) error
	historyFn  func(ctx context.Context, userID, email string) ([]*types.HistoryEntry, error)
}

func defaultQuestions() []types.QuestionPayload {
	return []types.QuestionPayload{
		{ID: "q1", Prompt: "Question one", Choices: []types.Choice{{ID: "a", Label: "A"}, {ID: "b", Label: "B"}}},
		{QuestionID: "q2", Prompt: "Question two", Choices: []types.Choice{{ID: "a", Label: "A"}}},
		{Key: "q3", Prompt: "Question three", Choices: []types.Choice{{ID: "a", Label: "A"}}},
	}
}

func (f *fakeClient) Start(ctx context.Context, userID, email string) (*types.StartResult, error) {
	f.startCalls.Add(1)
	if f.startFn != nil {
		return f.startFn(ctx, userID, email)
	}
	return &types.StartResult{SessionID: "sess-1", Questions: defaultQuestions()}, nil
}

func (f *fakeClient) SubmitAnswer(ctx context.Context, sessionID types.SessionID, questionID types.QuestionID, choiceID types.ChoiceID, responseTime time.Duration) (*types.SubmitResult, error) {
	f.submitCalls.Add(1)
	if f.submitFn != nil {
		return f.submitFn(ctx, sessionID, questionID, choiceID, responseTime)
	}
	return &types.SubmitResult{}, nil
}

func (f *fakeClient) Complete(ctx context.Context, sessionID types.SessionID) error {
	f.completeCalls.Add(1)
	if f.completeFn != nil {
		return f.completeFn(ctx, sessionID)
	}
	return nil
}

func (f *fakeClient) History(ctx context.Context, userID, email string) ([]*types.HistoryEntry, error) {
	f.historyCalls.Add(1)
	if f.historyFn != nil {
		return f.historyFn(ctx, userID, email)
	}
	return nil, nil
}

// memStore implements types.SnapshotStore in memory.
type memStore struct {
	mu     sync.Mutex
	snaps  map[types.UserKey]*types.Snapshot
	saves  int
	clears int
	// saveErr, when set, makes every Save fail.
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{snaps: make(map[types.UserKey]*types.Snapshot)}
}

func (m *memStore) Load(ctx context.Context, key types.UserKey) (*types.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[key]
	if !ok {
		return nil, nil
	}
	cp := *snap
	return &cp, nil
}

func (m *memStore) Save(ctx context.Context, key types.UserKey, snap *types.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	cp := *snap
	m.snaps[key] = &cp
	m.saves++
	return nil
}

func (m *memStore) Clear(ctx context.Context, key types.UserKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, key)
	m.clears++
	return nil
}

func (m *memStore) get(key types.UserKey) *types.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snaps[key]
}

// fastRetry keeps completion retries from slowing tests down.
func fastRetry() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 2.0, MaxDelay: 5 * time.Millisecond}
}

// startController builds a controller over the given fakes and runs its
// command loop until the test ends.
func startController(t *testing.T, store types.SnapshotStore, client types.AssessmentClient, opts ...ControllerOption) *Controller {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	opts = append([]ControllerOption{WithRetryPolicy(fastRetry())}, opts...)
	ctrl := NewController(ctx, "user-1", "user@example.com", store, client, opts...)
	go ctrl.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-ctrl.done
	})
	return ctrl
}

func mustStart(t *testing.T, ctrl *Controller) *StateView {
	t.Helper()
	ctx := context.Background()
	if _, err := ctrl.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	view, err := ctrl.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return view
}

func TestBeginMovesToIntroductionOnce(t *testing.T) {
	ctrl := startController(t, newMemStore(), &fakeClient{})
	ctx := context.Background()

	view, err := ctrl.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if view.Stage != StageIntroduction {
		t.Errorf("stage = %s, want %s", view.Stage, StageIntroduction)
	}
	if !ctrl.Advanced() {
		t.Error("Advanced() = false after Begin")
	}

	// A second Begin is a no-op.
	view, err = ctrl.Begin(ctx)
	if err != nil {
		t.Fatalf("second Begin: %v", err)
	}
	if view.Stage != StageIntroduction {
		t.Errorf("stage after second Begin = %s, want %s", view.Stage, StageIntroduction)
	}
}

func TestStartRequiresIntroduction(t *testing.T) {
	client := &fakeClient{}
	ctrl := startController(t, newMemStore(), client)

	_, err := ctrl.Start(context.Background())
	if !errors.Is(err, ErrIntroductionPending) {
		t.Fatalf("Start before Begin: err = %v, want ErrIntroductionPending", err)
	}
	if n := client.startCalls.Load(); n != 0 {
		t.Errorf("upstream start calls = %d, want 0", n)
	}
}

func TestStartCreatesSessionAndQuestions(t *testing.T) {
	client := &fakeClient{}
	store := newMemStore()
	ctrl := startController(t, store, client)

	view := mustStart(t, ctrl)
	if view.Stage != StageInProgress {
		t.Fatalf("stage = %s, want %s", view.Stage, StageInProgress)
	}
	if view.Session == nil || view.Session.ID != "sess-1" {
		t.Fatalf("session = %+v, want ID sess-1", view.Session)
	}
	if view.Progress.Total != 3 {
		t.Errorf("total questions = %d, want 3", view.Progress.Total)
	}
	if view.CurrentQuestion == nil || view.CurrentQuestion.ID != "q1" {
		t.Errorf("current question = %+v, want q1", view.CurrentQuestion)
	}

	snap := store.get(types.NewUserKey("user-1", "user@example.com"))
	if snap == nil {
		t.Fatal("no snapshot persisted after start")
	}
	if snap.Stage != string(StageInProgress) || snap.SessionID != "sess-1" {
		t.Errorf("snapshot = %+v, want in_progress/sess-1", snap)
	}
}

func TestStartExactlyOnceUnderConcurrency(t *testing.T) {
	client := &fakeClient{
		startFn: func(ctx context.Context, userID, email string) (*types.StartResult, error) {
			time.Sleep(10 * time.Millisecond)
			return &types.StartResult{SessionID: "sess-1", Questions: defaultQuestions()}, nil
		},
	}
	ctrl := startController(t, newMemStore(), client)
	ctx := context.Background()

	if _, err := ctrl.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ctrl.Start(ctx)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent Start returned error: %v", err)
		}
	}
	if n := client.startCalls.Load(); n != 1 {
		t.Errorf("upstream start calls = %d, want exactly 1", n)
	}
}

func TestStartFailureVoidsTicket(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	client := &fakeClient{
		startFn: func(ctx context.Context, userID, email string) (*types.StartResult, error) {
			if fail.Load() {
				return nil, fmt.Errorf("upstream unavailable")
			}
			return &types.StartResult{SessionID: "sess-2", Questions: defaultQuestions()}, nil
		},
	}
	ctrl := startController(t, newMemStore(), client)
	ctx := context.Background()

	if _, err := ctrl.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := ctrl.Start(ctx); err == nil {
		t.Fatal("Start succeeded, want error")
	}

	// The failed attempt voided its ticket; an explicit retry reaches upstream.
	fail.Store(false)
	view, err := ctrl.Start(ctx)
	if err != nil {
		t.Fatalf("retry Start: %v", err)
	}
	if view.Stage != StageInProgress {
		t.Errorf("stage after retry = %s, want %s", view.Stage, StageInProgress)
	}
	if n := client.startCalls.Load(); n != 2 {
		t.Errorf("upstream start calls = %d, want 2", n)
	}
}

func TestStartRetakeNotAllowedPassthrough(t *testing.T) {
	client := &fakeClient{
		startFn: func(ctx context.Context, userID, email string) (*types.StartResult, error) {
			return nil, &RetakeNotAllowedError{Message: "come back in 30 days"}
		},
	}
	ctrl := startController(t, newMemStore(), client)
	ctx := context.Background()

	if _, err := ctrl.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	_, err := ctrl.Start(ctx)
	var retake *RetakeNotAllowedError
	if !errors.As(err, &retake) {
		t.Fatalf("err = %v, want RetakeNotAllowedError", err)
	}
	if retake.Message != "come back in 30 days" {
		t.Errorf("message = %q, want upstream message verbatim", retake.Message)
	}

	view, err := ctrl.View(ctx)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if view.Stage != StageIntroduction {
		t.Errorf("stage = %s, want unchanged %s", view.Stage, StageIntroduction)
	}
}

func TestSubmitAnswerLocalDerivation(t *testing.T) {
	client := &fakeClient{}
	ctrl := startController(t, newMemStore(), client)
	ctx := context.Background()
	mustStart(t, ctrl)

	out, err := ctrl.SubmitAnswer(ctx, "q1", "a", 2*time.Second)
	if err != nil {
		t.Fatalf("SubmitAnswer: %v", err)
	}
	if out.State.Progress.Current != 1 {
		t.Errorf("progress = %d, want 1", out.State.Progress.Current)
	}
	if out.State.CurrentQuestion == nil || out.State.CurrentQuestion.ID != "q2" {
		t.Errorf("current question = %+v, want q2", out.State.CurrentQuestion)
	}

	if _, err := ctrl.SubmitAnswer(ctx, "q2", "a", time.Second); err != nil {
		t.Fatalf("SubmitAnswer q2: %v", err)
	}
	out, err = ctrl.SubmitAnswer(ctx, "q3", "a", time.Second)
	if err != nil {
		t.Fatalf("SubmitAnswer q3: %v", err)
	}
	if out.State.Stage != StageAwaitingReport {
		t.Errorf("stage after last answer = %s, want %s", out.State.Stage, StageAwaitingReport)
	}
	if !out.State.Progress.Completed {
		t.Error("progress.Completed = false after last answer")
	}
	if n := client.completeCalls.Load(); n != 1 {
		t.Errorf("upstream complete calls = %d, want 1", n)
	}
}

func TestSubmitAnswerServerProgressAuthoritative(t *testing.T) {
	client := &fakeClient{
		submitFn: func(ctx context.Context, sessionID types.SessionID, questionID types.QuestionID, choiceID types.ChoiceID, responseTime time.Duration) (*types.SubmitResult, error) {
			return &types.SubmitResult{
				Progress: &types.ServerProgress{AnswersSubmitted: 2, TotalQuestions: 3},
			}, nil
		},
	}
	ctrl := startController(t, newMemStore(), client)
	ctx := context.Background()
	mustStart(t, ctrl)

	// Server already saw two answers; its pair wins over the local index.
	out, err := ctrl.SubmitAnswer(ctx, "q1", "a", time.Second)
	if err != nil {
		t.Fatalf("SubmitAnswer: %v", err)
	}
	if out.State.Progress.Current != 3 {
		t.Errorf("progress = %d, want server-derived 3", out.State.Progress.Current)
	}
	// next >= total means the local completion signal fires too.
	if out.State.Stage != StageAwaitingReport {
		t.Errorf("stage = %s, want %s", out.State.Stage, StageAwaitingReport)
	}
}

func TestSubmitAnswerServerCompleteSignal(t *testing.T) {
	client := &fakeClient{
		submitFn: func(ctx context.Context, sessionID types.SessionID, questionID types.QuestionID, choiceID types.ChoiceID, responseTime time.Duration) (*types.SubmitResult, error) {
			// Server says complete even though locally only one answer landed.
			return &types.SubmitResult{
				Progress: &types.ServerProgress{AnswersSubmitted: 1, TotalQuestions: 3, IsComplete: true},
			}, nil
		},
	}
	ctrl := startController(t, newMemStore(), client)
	ctx := context.Background()
	mustStart(t, ctrl)

	out, err := ctrl.SubmitAnswer(ctx, "q1", "a", time.Second)
	if err != nil {
		t.Fatalf("SubmitAnswer: %v", err)
	}
	if out.State.Stage != StageAwaitingReport {
		t.Errorf("stage = %s, want %s on server complete signal", out.State.Stage, StageAwaitingReport)
	}
}

func TestSubmitAnswerFailureLeavesStateUntouched(t *testing.T) {
	client := &fakeClient{
		submitFn: func(ctx context.Context, sessionID types.SessionID, questionID types.QuestionID, choiceID types.ChoiceID, responseTime time.Duration) (*types.SubmitResult, error) {
			return nil, fmt.Errorf("connection reset")
		},
	}
	ctrl := startController(t, newMemStore(), client)
	ctx := context.Background()
	mustStart(t, ctrl)

	_, err := ctrl.SubmitAnswer(ctx, "q1", "a", time.Second)
	var submission *SubmissionError
	if !errors.As(err, &submission) {
		t.Fatalf("err = %v, want SubmissionError", err)
	}

	view, err := ctrl.View(ctx)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if view.Progress.Current != 0 {
		t.Errorf("progress advanced to %d on failed submit, want 0", view.Progress.Current)
	}
	if view.CurrentQuestion == nil || view.CurrentQuestion.ID != "q1" {
		t.Errorf("current question = %+v, want q1 still presented", view.CurrentQuestion)
	}
}

func TestSubmitAnswerValidation(t *testing.T) {
	client := &fakeClient{}
	ctrl := startController(t, newMemStore(), client)
	ctx := context.Background()

	// Before any session exists.
	if _, err := ctrl.SubmitAnswer(ctx, "q1", "a", time.Second); !errors.Is(err, ErrSessionNotActive) {
		t.Errorf("submit without session: err = %v, want ErrSessionNotActive", err)
	}

	mustStart(t, ctrl)
	if _, err := ctrl.SubmitAnswer(ctx, "nope", "a", time.Second); !errors.Is(err, ErrUnknownQuestion) {
		t.Errorf("unknown question: err = %v, want ErrUnknownQuestion", err)
	}
	if n := client.submitCalls.Load(); n != 0 {
		t.Errorf("upstream submit calls = %d, want 0 for rejected answers", n)
	}
}

func TestCompletionFailureDegradesToWarning(t *testing.T) {
	client := &fakeClient{
		completeFn: func(ctx context.Context, sessionID types.SessionID) error {
			return fmt.Errorf("timeout talking to upstream")
		},
	}
	ctrl := startController(t, newMemStore(), client)
	ctx := context.Background()
	mustStart(t, ctrl)

	view, err := ctrl.Complete(ctx)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if view.Stage != StageAwaitingReport {
		t.Errorf("stage = %s, want %s despite failed completion call", view.Stage, StageAwaitingReport)
	}
	if len(view.Warnings) != 1 || view.Warnings[0].Code != WarnCompletionFailed {
		t.Errorf("warnings = %+v, want one %s warning", view.Warnings, WarnCompletionFailed)
	}
	// Retryable error, fast policy with 2 attempts.
	if n := client.completeCalls.Load(); n != 2 {
		t.Errorf("complete attempts = %d, want 2", n)
	}
}

func TestCompletionIncompleteAnswersNotRetried(t *testing.T) {
	client := &fakeClient{
		completeFn: func(ctx context.Context, sessionID types.SessionID) error {
			return &IncompleteAnswersError{Message: "2 answers missing"}
		},
	}
	ctrl := startController(t, newMemStore(), client)
	ctx := context.Background()
	mustStart(t, ctrl)

	view, err := ctrl.Complete(ctx)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if view.Stage != StageAwaitingReport {
		t.Errorf("stage = %s, want %s", view.Stage, StageAwaitingReport)
	}
	if len(view.Warnings) != 1 || view.Warnings[0].Code != WarnIncompleteAnswers {
		t.Errorf("warnings = %+v, want one %s warning", view.Warnings, WarnIncompleteAnswers)
	}
	if n := client.completeCalls.Load(); n != 1 {
		t.Errorf("complete attempts = %d, want 1 (business rejection not retried)", n)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	client := &fakeClient{}
	ctrl := startController(t, newMemStore(), client)
	ctx := context.Background()
	mustStart(t, ctrl)

	if _, err := ctrl.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := ctrl.Complete(ctx); err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	if n := client.completeCalls.Load(); n != 1 {
		t.Errorf("upstream complete calls = %d, want 1", n)
	}
}

func calibrationEvent(id types.EventID, delta int64, msg string) types.StreamEvent {
	payload, _ := json.Marshal(types.CalibrationPayload{DeltaCount: delta, Message: msg})
	return types.StreamEvent{ID: id, Type: types.StreamCalibrationUpdate, Payload: payload}
}

func TestCalibrationEventsMergeIdempotently(t *testing.T) {
	ctrl := startController(t, newMemStore(), &fakeClient{})
	ctx := context.Background()
	mustStart(t, ctrl)

	ev := calibrationEvent("ev-1", 3, "3 peers joined")
	if err := ctrl.ApplyStreamEvent(ctx, ev); err != nil {
		t.Fatalf("ApplyStreamEvent: %v", err)
	}
	// At-least-once transport redelivers the same event.
	if err := ctrl.ApplyStreamEvent(ctx, ev); err != nil {
		t.Fatalf("redelivered ApplyStreamEvent: %v", err)
	}
	if err := ctrl.ApplyStreamEvent(ctx, calibrationEvent("ev-2", 2, "2 more")); err != nil {
		t.Fatalf("ApplyStreamEvent ev-2: %v", err)
	}

	view, err := ctrl.View(ctx)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if view.CalibrationCount != 5 {
		t.Errorf("calibration count = %d, want 5", view.CalibrationCount)
	}
	if view.CalibrationNote != "2 more" {
		t.Errorf("calibration note = %q, want latest message", view.CalibrationNote)
	}
}

func TestNegativeCalibrationDeltaIgnored(t *testing.T) {
	ctrl := startController(t, newMemStore(), &fakeClient{})
	ctx := context.Background()
	mustStart(t, ctrl)

	if err := ctrl.ApplyStreamEvent(ctx, calibrationEvent("ev-1", 4, "")); err != nil {
		t.Fatalf("ApplyStreamEvent: %v", err)
	}
	if err := ctrl.ApplyStreamEvent(ctx, calibrationEvent("ev-neg", -2, "")); err != nil {
		t.Fatalf("ApplyStreamEvent negative: %v", err)
	}

	view, err := ctrl.View(ctx)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if view.CalibrationCount != 4 {
		t.Errorf("calibration count = %d, want 4 (negative delta dropped)", view.CalibrationCount)
	}
}

func TestReportReadyCompletesSession(t *testing.T) {
	store := newMemStore()
	ctrl := startController(t, store, &fakeClient{})
	ctx := context.Background()
	mustStart(t, ctrl)
	if _, err := ctrl.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	payload, _ := json.Marshal(types.ReportResult{Outcome: "builder", Narrative: "...", ReportRef: "rep-9"})
	ev := types.StreamEvent{ID: "ev-report", Type: types.StreamReportReady, Payload: payload}
	if err := ctrl.ApplyStreamEvent(ctx, ev); err != nil {
		t.Fatalf("ApplyStreamEvent: %v", err)
	}

	view, err := ctrl.View(ctx)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if view.Stage != StageComplete {
		t.Errorf("stage = %s, want %s", view.Stage, StageComplete)
	}
	if view.Report == nil || view.Report.ReportRef != "rep-9" {
		t.Errorf("report = %+v, want rep-9", view.Report)
	}
	if !ctrl.Finished() {
		t.Error("Finished() = false after report")
	}
	if snap := store.get(types.NewUserKey("user-1", "user@example.com")); snap != nil {
		t.Errorf("snapshot still present after completion: %+v", snap)
	}
}

func TestReportReadyBeforeExplicitCompletion(t *testing.T) {
	// The report can outrun the user's own completion path.
	ctrl := startController(t, newMemStore(), &fakeClient{})
	ctx := context.Background()
	mustStart(t, ctrl)

	payload, _ := json.Marshal(types.ReportResult{Outcome: "saver", ReportRef: "rep-1"})
	ev := types.StreamEvent{ID: "ev-report", Type: types.StreamReportReady, Payload: payload}
	if err := ctrl.ApplyStreamEvent(ctx, ev); err != nil {
		t.Fatalf("ApplyStreamEvent: %v", err)
	}

	view, err := ctrl.View(ctx)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if view.Stage != StageComplete {
		t.Errorf("stage = %s, want %s", view.Stage, StageComplete)
	}
	if !view.Progress.Completed {
		t.Error("progress not marked completed")
	}
}

func TestStreamErrorBecomesWarning(t *testing.T) {
	ctrl := startController(t, newMemStore(), &fakeClient{})
	ctx := context.Background()
	mustStart(t, ctrl)

	payload, _ := json.Marshal(types.StreamErrorPayload{Message: "channel degraded"})
	ev := types.StreamEvent{ID: "ev-err", Type: types.StreamError, Payload: payload}
	if err := ctrl.ApplyStreamEvent(ctx, ev); err != nil {
		t.Fatalf("ApplyStreamEvent: %v", err)
	}

	view, err := ctrl.View(ctx)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if len(view.Warnings) != 1 || view.Warnings[0].Code != WarnStreamError {
		t.Errorf("warnings = %+v, want one %s warning", view.Warnings, WarnStreamError)
	}
	if view.Stage != StageInProgress {
		t.Errorf("stage = %s, want unchanged %s", view.Stage, StageInProgress)
	}
}

func TestCompleteSessionIsFrozen(t *testing.T) {
	ctrl := startController(t, newMemStore(), &fakeClient{})
	ctx := context.Background()
	mustStart(t, ctrl)

	payload, _ := json.Marshal(types.ReportResult{Outcome: "x", ReportRef: "rep-1"})
	if err := ctrl.ApplyStreamEvent(ctx, types.StreamEvent{ID: "ev-r1", Type: types.StreamReportReady, Payload: payload}); err != nil {
		t.Fatalf("ApplyStreamEvent: %v", err)
	}

	// A second report for a frozen session changes nothing.
	payload2, _ := json.Marshal(types.ReportResult{Outcome: "y", ReportRef: "rep-2"})
	if err := ctrl.ApplyStreamEvent(ctx, types.StreamEvent{ID: "ev-r2", Type: types.StreamReportReady, Payload: payload2}); err != nil {
		t.Fatalf("second ApplyStreamEvent: %v", err)
	}

	view, err := ctrl.View(ctx)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if view.Report == nil || view.Report.ReportRef != "rep-1" {
		t.Errorf("report = %+v, want first report retained", view.Report)
	}
}

func TestSnapshotRestoreMidSession(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{}

	ctrl := startController(t, store, client)
	mustStart(t, ctrl)

	// A fresh controller over the same store picks up where the first left off.
	restored := startController(t, store, client)
	view, err := restored.View(context.Background())
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if view.Stage != StageInProgress {
		t.Errorf("restored stage = %s, want %s", view.Stage, StageInProgress)
	}
	if view.Session == nil || view.Session.ID != "sess-1" {
		t.Errorf("restored session = %+v, want sess-1", view.Session)
	}
	if !restored.Advanced() {
		t.Error("restored controller Advanced() = false")
	}

	// The restored session owns the start ticket; Start must not create a
	// second upstream session.
	if _, err := restored.Start(context.Background()); err != nil {
		t.Fatalf("Start on restored controller: %v", err)
	}
	if n := client.startCalls.Load(); n != 1 {
		t.Errorf("upstream start calls = %d, want 1 across restore", n)
	}
}

func TestSnapshotSaveFailureDoesNotBlockFlow(t *testing.T) {
	store := newMemStore()
	store.saveErr = fmt.Errorf("disk full")
	ctrl := startController(t, store, &fakeClient{})

	view := mustStart(t, ctrl)
	if view.Stage != StageInProgress {
		t.Errorf("stage = %s, want %s despite persistence failure", view.Stage, StageInProgress)
	}
}

func TestNormalizeQuestionsFallbackChain(t *testing.T) {
	payloads := []types.QuestionPayload{
		{ID: "q1", QuestionID: "alt", Key: "k", Prompt: "p1"},
		{QuestionID: "q2", Key: "k2", Prompt: "p2"},
		{Key: "q3", Prompt: "p3"},
		{Prompt: "orphan"},
	}
	got := normalizeQuestions(payloads)
	if len(got) != 3 {
		t.Fatalf("normalized %d questions, want 3 (orphan dropped)", len(got))
	}
	want := []types.QuestionID{"q1", "q2", "q3"}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("question[%d].ID = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestOnSessionActiveFiresOnStart(t *testing.T) {
	got := make(chan types.SessionID, 1)
	ctrl := startController(t, newMemStore(), &fakeClient{},
		WithOnSessionActive(func(id types.SessionID) { got <- id }))
	mustStart(t, ctrl)

	select {
	case id := <-got:
		if id != "sess-1" {
			t.Errorf("session id = %s, want sess-1", id)
		}
	case <-time.After(time.Second):
		t.Fatal("onSessionActive never fired")
	}
}
