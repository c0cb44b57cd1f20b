// internal/types/models.go
package types

import (
	"encoding/json"
	"time"
)

// Session is one instance of a user undertaking the assessment. The ID is
// assigned by the upstream platform and immutable once set.
type Session struct {
	ID        SessionID `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

type Choice struct {
	ID    ChoiceID `json:"id"`
	Label string   `json:"label"`
}

type Question struct {
	ID      QuestionID `json:"id"`
	Prompt  string     `json:"prompt"`
	Choices []Choice   `json:"choices"`
}

// QuestionPayload is a question as the upstream start call delivers it.
// Upstream data is not uniform: the identifier may arrive under "id",
// "question_id", or "key". The flow controller normalizes this.
type QuestionPayload struct {
	ID         string   `json:"id"`
	QuestionID string   `json:"question_id"`
	Key        string   `json:"key"`
	Prompt     string   `json:"prompt"`
	Choices    []Choice `json:"choices"`
}

type Answer struct {
	QuestionID   QuestionID    `json:"question_id"`
	ChoiceID     ChoiceID      `json:"choice_id"`
	ResponseTime time.Duration `json:"response_time"`
	SubmittedAt  time.Time     `json:"submitted_at"`
}

type Progress struct {
	Current   int  `json:"current"`
	Total     int  `json:"total"`
	Completed bool `json:"completed"`
}

// ServerProgress is the authoritative progress pair the submit call may
// report. Its presence is optional; the backend contract is not guaranteed
// to be complete.
type ServerProgress struct {
	AnswersSubmitted int  `json:"answers_submitted"`
	TotalQuestions   int  `json:"total_questions"`
	IsComplete       bool `json:"is_complete"`
}

type StartResult struct {
	SessionID SessionID         `json:"session_id"`
	Questions []QuestionPayload `json:"questions"`
}

type SubmitResult struct {
	Progress      *ServerProgress `json:"progress,omitempty"`
	Insight       string          `json:"insight,omitempty"`
	TierSignal    string          `json:"tier_signal,omitempty"`
	Opportunities []string        `json:"opportunities,omitempty"`
}

type ReportResult struct {
	Outcome   string `json:"outcome"`
	Narrative string `json:"narrative"`
	ReportRef string `json:"report_ref"`
}

type HistoryEntry struct {
	SessionID SessionID `json:"session_id"`
	Status    string    `json:"status"`
	ReportRef string    `json:"report_ref,omitempty"`
}

// Snapshot is the durable record surviving process restarts: the stage paired
// with its session ID, written on every stage transition.
type Snapshot struct {
	Stage     string    `json:"stage"`
	SessionID SessionID `json:"session_id"`
	SavedAt   time.Time `json:"saved_at"`
}

// Stream event types pushed on the per-session channel.
const (
	StreamCalibrationUpdate = "calibration_update"
	StreamReportReady       = "report_ready"
	StreamError             = "error"
)

// StreamEvent is a single server-pushed event. Delivery is at-least-once;
// consumers dedupe by ID.
type StreamEvent struct {
	ID      EventID         `json:"id"`
	Seq     int64           `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// CalibrationPayload is the payload of a calibration_update event.
type CalibrationPayload struct {
	Message         string `json:"message"`
	DeltaCount      int64  `json:"delta_count"`
	CumulativeCount int64  `json:"cumulative_count"`
}

// StreamErrorPayload is the payload of an error event.
type StreamErrorPayload struct {
	Message string `json:"message"`
}
