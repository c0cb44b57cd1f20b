// internal/assessment/store.go
package assessment

import (
	"time"

	"github.com/user/wealthflow/internal/types"
)

// SessionState is the in-memory authoritative record for one session: stage
// collaborators aside, it holds the questions, answers, progress, the
// cumulative calibration projection, and any soft warnings.
//
// Invariant: only the controller's command loop touches a SessionState, so no
// locking happens here.
type SessionState struct {
	session   *types.Session
	questions []types.Question
	index     map[types.QuestionID]int
	answers   map[types.QuestionID]types.Answer
	progress  types.Progress

	// Calibration events are ephemeral; only the cumulative projection and
	// the identities of applied events are retained.
	applied     map[types.EventID]struct{}
	cumulative  int64
	lastMessage string

	insight       string
	tierSignal    string
	opportunities []string

	report   *types.ReportResult
	warnings []Warning
}

func NewSessionState() *SessionState {
	return &SessionState{
		index:   make(map[types.QuestionID]int),
		answers: make(map[types.QuestionID]types.Answer),
		applied: make(map[types.EventID]struct{}),
	}
}

// SetSession records the newly created session. Immutable once assigned.
func (s *SessionState) SetSession(id types.SessionID, createdAt time.Time) {
	s.session = &types.Session{ID: id, CreatedAt: createdAt}
}

// RestoreSession reattaches a session recovered from a snapshot. The
// question set is not durable and stays empty until re-sourced.
func (s *SessionState) RestoreSession(id types.SessionID) {
	s.session = &types.Session{ID: id}
}

func (s *SessionState) Session() *types.Session {
	return s.session
}

// SetQuestions installs the question set sourced once at session start.
func (s *SessionState) SetQuestions(questions []types.Question) {
	s.questions = questions
	s.index = make(map[types.QuestionID]int, len(questions))
	for i, q := range questions {
		s.index[q.ID] = i
	}
	s.progress = types.Progress{Current: 0, Total: len(questions)}
}

func (s *SessionState) Question(id types.QuestionID) (*types.Question, bool) {
	i, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return &s.questions[i], true
}

// QuestionAt returns the question at the given position, or nil when out of
// range (including a restored session with no question set).
func (s *SessionState) QuestionAt(i int) *types.Question {
	if i < 0 || i >= len(s.questions) {
		return nil
	}
	return &s.questions[i]
}

func (s *SessionState) QuestionCount() int {
	return len(s.questions)
}

// RecordAnswer stores an answer keyed by question. One answer per question;
// a retried submission overwrites the earlier one.
func (s *SessionState) RecordAnswer(questionID types.QuestionID, choiceID types.ChoiceID, responseTime time.Duration) {
	s.answers[questionID] = types.Answer{
		QuestionID:   questionID,
		ChoiceID:     choiceID,
		ResponseTime: responseTime,
		SubmittedAt:  time.Now(),
	}
}

func (s *SessionState) Answer(questionID types.QuestionID) (types.Answer, bool) {
	a, ok := s.answers[questionID]
	return a, ok
}

func (s *SessionState) AnswerCount() int {
	return len(s.answers)
}

func (s *SessionState) Progress() types.Progress {
	return s.progress
}

// SetProgress updates progress, clamping current into [0, total].
func (s *SessionState) SetProgress(current, total int, completed bool) {
	if total < 0 {
		total = 0
	}
	if current < 0 {
		current = 0
	}
	if current > total {
		current = total
	}
	s.progress = types.Progress{Current: current, Total: total, Completed: completed}
}

// ApplyCalibration folds a calibration delta into the cumulative projection.
// Duplicate deliveries of an already-applied event are ignored; the return
// value reports whether the event was applied.
func (s *SessionState) ApplyCalibration(id types.EventID, delta int64, message string) bool {
	if _, seen := s.applied[id]; seen {
		return false
	}
	s.applied[id] = struct{}{}
	s.cumulative += delta
	if message != "" {
		s.lastMessage = message
	}
	return true
}

// Calibration returns the cumulative count and the latest message.
func (s *SessionState) Calibration() (int64, string) {
	return s.cumulative, s.lastMessage
}

// SetInsights records the optional enrichment fields a submit response may carry.
func (s *SessionState) SetInsights(insight, tierSignal string, opportunities []string) {
	if insight != "" {
		s.insight = insight
	}
	if tierSignal != "" {
		s.tierSignal = tierSignal
	}
	if len(opportunities) > 0 {
		s.opportunities = opportunities
	}
}

func (s *SessionState) Insights() (string, string, []string) {
	return s.insight, s.tierSignal, s.opportunities
}

func (s *SessionState) SetReport(report *types.ReportResult) {
	s.report = report
}

func (s *SessionState) Report() *types.ReportResult {
	return s.report
}

func (s *SessionState) AddWarning(code, message string) {
	s.warnings = append(s.warnings, Warning{Code: code, Message: message, At: time.Now()})
}

func (s *SessionState) Warnings() []Warning {
	out := make([]Warning, len(s.warnings))
	copy(out, s.warnings)
	return out
}
