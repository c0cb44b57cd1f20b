// internal/types/interfaces.go
package types

import (
	"context"
	"time"
)

// SnapshotStore persists the per-user {stage, session_id} snapshot.
// Load returns (nil, nil) for missing or corrupt records so callers treat
// them as a cold start.
type SnapshotStore interface {
	Load(ctx context.Context, key UserKey) (*Snapshot, error)
	Save(ctx context.Context, key UserKey, snap *Snapshot) error
	Clear(ctx context.Context, key UserKey) error
}

// AssessmentClient is the outbound contract against the upstream platform.
type AssessmentClient interface {
	Start(ctx context.Context, userID, email string) (*StartResult, error)
	SubmitAnswer(ctx context.Context, sessionID SessionID, questionID QuestionID, choiceID ChoiceID, responseTime time.Duration) (*SubmitResult, error)
	Complete(ctx context.Context, sessionID SessionID) error
	History(ctx context.Context, userID, email string) ([]*HistoryEntry, error)
}
