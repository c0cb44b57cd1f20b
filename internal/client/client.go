// internal/client/client.go
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/user/wealthflow/internal/assessment"
	"github.com/user/wealthflow/internal/types"
)

// Client implements the types.AssessmentClient contract against the upstream
// assessment platform's HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a new upstream client.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError is the upstream error envelope.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Upstream error codes with distinguished local representations.
const (
	codeRetakeNotAllowed  = "retake_not_allowed"
	codeIncompleteAnswers = "incomplete_answers"
)

// do sends one JSON request and decodes the response into out (when non-nil).
// Error responses are mapped to the domain's typed errors where the upstream
// code is distinguished.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Request-ID", string(types.NewRequestID()))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if err := json.Unmarshal(respBody, &apiErr); err == nil {
			switch apiErr.Error {
			case codeRetakeNotAllowed:
				return &assessment.RetakeNotAllowedError{Message: apiErr.Message}
			case codeIncompleteAnswers:
				return &assessment.IncompleteAnswersError{Message: apiErr.Message}
			}
		}
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

// startRequest is the start call body.
type startRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// Start creates a new assessment session and returns its raw question set.
func (c *Client) Start(ctx context.Context, userID, email string) (*types.StartResult, error) {
	var result types.StartResult
	err := c.do(ctx, http.MethodPost, "/v1/assessments/start", startRequest{UserID: userID, Email: email}, &result)
	if err != nil {
		return nil, err
	}
	if result.SessionID == "" {
		return nil, fmt.Errorf("start response missing session_id")
	}
	return &result, nil
}

// answerRequest is the submit call body.
type answerRequest struct {
	QuestionID     string `json:"question_id"`
	ChoiceID       string `json:"choice_id"`
	ResponseTimeMS int64  `json:"response_time_ms"`
}

// SubmitAnswer forwards one answer for the session.
func (c *Client) SubmitAnswer(ctx context.Context, sessionID types.SessionID, questionID types.QuestionID, choiceID types.ChoiceID, responseTime time.Duration) (*types.SubmitResult, error) {
	var result types.SubmitResult
	path := fmt.Sprintf("/v1/assessments/%s/answers", sessionID)
	err := c.do(ctx, http.MethodPost, path, answerRequest{
		QuestionID:     string(questionID),
		ChoiceID:       string(choiceID),
		ResponseTimeMS: responseTime.Milliseconds(),
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Complete requests report generation for the session. The acknowledgment
// body carries nothing the flow needs.
func (c *Client) Complete(ctx context.Context, sessionID types.SessionID) error {
	path := fmt.Sprintf("/v1/assessments/%s/complete", sessionID)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// historyResponse is the history call envelope.
type historyResponse struct {
	Sessions []*types.HistoryEntry `json:"sessions"`
}

// History returns the user's prior sessions, most recent first.
func (c *Client) History(ctx context.Context, userID, email string) ([]*types.HistoryEntry, error) {
	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("email", email)

	var result historyResponse
	if err := c.do(ctx, http.MethodGet, "/v1/assessments/history?"+q.Encode(), nil, &result); err != nil {
		return nil, err
	}
	return result.Sessions, nil
}

var _ types.AssessmentClient = (*Client)(nil)
