// Package submit delivers autonomous answers and status notifications to the
// agent platform's HTTP endpoints. Every call reports success as a bool and
// never returns an error or panics: a failed submission is recorded by the
// caller, not retried.
package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"trustgate/internal/logging"
)

// Client posts to {base}/response and {base}/notify.
type Client struct {
	baseURL    string
	token      string
	targetUser string
	httpClient *http.Client
}

// NewClient creates a submission client.
func NewClient(baseURL, token, targetUser string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		targetUser: targetUser,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type responseRequest struct {
	NotificationID string `json:"notification_id"`
	ResponseValue  string `json:"response_value"`
}

// NotifyRequest is a status message for a human.
type NotifyRequest struct {
	Message    string `json:"message"`
	Priority   string `json:"priority"`
	TargetUser string `json:"target_user,omitempty"`
	SenderID   string `json:"sender_id,omitempty"`
}

// Priorities understood by the notify endpoint.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Result describes one attempt.
type Result struct {
	OK     bool
	Status int
	Error  string
}

// Submit posts value as the answer to notificationID. Success iff HTTP 200.
func (c *Client) Submit(ctx context.Context, notificationID, value string) Result {
	res := c.post(ctx, "/response", responseRequest{NotificationID: notificationID, ResponseValue: value})
	if res.OK {
		logging.Submit("submitted %q for notification %s", value, notificationID)
	} else {
		logging.SubmitWarn("submission for notification %s failed: %s", notificationID, res.Error)
	}
	return res
}

// Notify sends a fire-and-forget status message.
func (c *Client) Notify(ctx context.Context, n NotifyRequest) bool {
	if n.TargetUser == "" {
		n.TargetUser = c.targetUser
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	res := c.post(ctx, "/notify", n)
	if !res.OK {
		logging.SubmitWarn("notification failed: %s", res.Error)
	}
	return res.OK
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Error: fmt.Sprintf("panic during submission: %v", r)}
		}
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Error: fmt.Sprintf("failed to marshal request: %v", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return Result{Error: fmt.Sprintf("failed to create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{Error: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusOK {
		return Result{Status: resp.StatusCode, Error: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	return Result{OK: true, Status: resp.StatusCode}
}
