// internal/assessment/stage.go
package assessment

// Stage is the controller's position in the assessment lifecycle. Stages are
// totally ordered; a session never moves backwards and is frozen once complete.
type Stage string

const (
	StageNotStarted     Stage = "not_started"
	StageIntroduction   Stage = "introduction"
	StageInProgress     Stage = "in_progress"
	StageAwaitingReport Stage = "awaiting_report"
	StageComplete       Stage = "complete"
)

var stageOrder = map[Stage]int{
	StageNotStarted:     0,
	StageIntroduction:   1,
	StageInProgress:     2,
	StageAwaitingReport: 3,
	StageComplete:       4,
}

// Index returns the stage's position in the lifecycle order. Unknown stages
// map to NotStarted.
func (s Stage) Index() int {
	return stageOrder[s]
}

// Before reports whether s precedes other in the lifecycle order.
func (s Stage) Before(other Stage) bool {
	return s.Index() < other.Index()
}

// ParseStage maps a persisted stage string back to a Stage. Unknown strings
// are rejected so corrupt snapshots fall back to a cold start.
func ParseStage(raw string) (Stage, bool) {
	s := Stage(raw)
	_, ok := stageOrder[s]
	if raw == "" {
		ok = false
	}
	return s, ok
}
