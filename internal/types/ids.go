// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type UserKey string
type SessionID string
type QuestionID string
type ChoiceID string
type EventID string
type RequestID string

func NewRequestID() RequestID {
	return RequestID(uuid.New().String())
}

// NewUserKey builds the identity key the flow is scoped to. The upstream
// platform keys assessments by user ID plus email, so both go into the key.
func NewUserKey(userID, email string) UserKey {
	return UserKey(strings.Join([]string{userID, strings.ToLower(email)}, ":"))
}
