// internal/assessment/errors.go
package assessment

import (
	"errors"
	"fmt"
	"time"
)

// ErrIntroductionPending is returned when a start is attempted before the
// user has confirmed the introduction.
var ErrIntroductionPending = errors.New("introduction not confirmed")

// ErrSessionNotActive is returned for answer submissions outside the
// in-progress stage.
var ErrSessionNotActive = errors.New("no active assessment session")

// ErrUnknownQuestion is returned when an answer addresses a question the
// session does not hold.
var ErrUnknownQuestion = errors.New("unknown question")

// RetakeNotAllowedError is the upstream cooldown-policy rejection of a start
// call. It is surfaced to the user verbatim and leaves the stage unchanged.
type RetakeNotAllowedError struct {
	Message string
}

func (e *RetakeNotAllowedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "retake not allowed"
}

// IncompleteAnswersError is the upstream rejection of a complete call when
// answers are missing. It is non-retryable and degrades into a warning.
type IncompleteAnswersError struct {
	Message string
}

func (e *IncompleteAnswersError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "incomplete answers"
}

// SubmissionError wraps a transient answer-submission failure. The current
// question stays presented and the user may retry; no state was touched.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit answer: %v", e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// Warning codes for non-fatal conditions retained on the session state.
const (
	WarnCompletionFailed  = "completion_failed"
	WarnIncompleteAnswers = "incomplete_answers"
	WarnStreamError       = "stream_error"
)

// Warning is a soft failure surfaced as a non-blocking notice. It never
// stalls the flow.
type Warning struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}
