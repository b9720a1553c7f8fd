package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/pkg/errors"

	"github.com/you/pollcast/internal/core"
)

const maxResponseBody = 64 << 10

// APIError is a non-2xx answer from the backend.
type APIError struct {
	Status     int
	Message    string
	RetryAfter int
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("backend: %d %s (retry after %ds)", e.Status, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("backend: %d %s", e.Status, e.Message)
}

// retryable reports whether the backend might answer differently later.
func (e *APIError) retryable() bool {
	switch e.Status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

type JoinResponse struct {
	Success        bool   `json:"success"`
	CourseID       string `json:"courseId,omitempty"`
	ActivityID     string `json:"activityId,omitempty"`
	IsNewJoin      bool   `json:"isNewJoin"`
	IsNewSession   bool   `json:"isNewSession"`
	JoinedCourse   bool   `json:"joinedCourse"`
	JoinedActivity bool   `json:"joinedActivity"`
	MemberCount    int    `json:"memberCount"`
}

type BroadcastResponse struct {
	Success    bool   `json:"success"`
	Notified   int    `json:"notified"`
	CourseID   string `json:"courseId,omitempty"`
	ActivityID string `json:"activityId,omitempty"`
	Message    string `json:"message,omitempty"`
}

type ClientOptions struct {
	HTTPClient *http.Client
	Attempts   uint
	Delay      time.Duration
}

// Client talks to the pollcast HTTP API. Transport failures and gateway
// errors are retried; every other error is returned at once.
type Client struct {
	base     string
	http     *http.Client
	attempts uint
	delay    time.Duration
}

func NewClient(base string, opts ClientOptions) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}
	if opts.Delay <= 0 {
		opts.Delay = 500 * time.Millisecond
	}
	return &Client{
		base:     strings.TrimRight(base, "/"),
		http:     opts.HTTPClient,
		attempts: opts.Attempts,
		delay:    opts.Delay,
	}
}

type request struct {
	Code       string `json:"code,omitempty"`
	UserToken  string `json:"userToken,omitempty"`
	CourseID   string `json:"courseId,omitempty"`
	ActivityID string `json:"activityId,omitempty"`
	Title      string `json:"title,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Register exchanges a registration code for a user token.
func (c *Client) Register(ctx context.Context, code string) (string, error) {
	var out struct {
		UserToken string `json:"userToken"`
	}
	if err := c.post(ctx, "/register", request{Code: code}, &out); err != nil {
		return "", err
	}
	return out.UserToken, nil
}

func (c *Client) JoinSession(ctx context.Context, token string, scope core.Scope) (JoinResponse, error) {
	var out JoinResponse
	err := c.post(ctx, "/join-session", request{UserToken: token, CourseID: scope.CourseID, ActivityID: scope.ActivityID}, &out)
	return out, err
}

func (c *Client) JoinClass(ctx context.Context, token, courseID string) (bool, error) {
	var out struct {
		IsNewJoin bool `json:"isNewJoin"`
	}
	err := c.post(ctx, "/join-class", request{UserToken: token, CourseID: courseID}, &out)
	return out.IsNewJoin, err
}

func (c *Client) Heartbeat(ctx context.Context, token string, scope core.Scope) error {
	return c.post(ctx, "/heartbeat", request{UserToken: token, CourseID: scope.CourseID, ActivityID: scope.ActivityID}, nil)
}

func (c *Client) LeaveSession(ctx context.Context, token string) error {
	return c.post(ctx, "/leave-session", request{UserToken: token}, nil)
}

func (c *Client) Broadcast(ctx context.Context, token string, scope core.Scope, title, message string) (BroadcastResponse, error) {
	var out BroadcastResponse
	err := c.post(ctx, "/broadcast", request{
		UserToken:  token,
		CourseID:   scope.CourseID,
		ActivityID: scope.ActivityID,
		Title:      title,
		Message:    message,
	}, &out)
	return out, err
}

func (c *Client) Notify(ctx context.Context, token, title, message string) error {
	return c.post(ctx, "/notify", request{UserToken: token, Title: title, Message: message}, nil)
}

// Health checks GET /health.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "health")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encode request")
	}

	var permanent error
	err = retry.New(
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		err := c.do(ctx, path, payload, out)
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.retryable() {
			permanent = err
			return nil
		}
		return err
	})
	if permanent != nil {
		return permanent
	}
	if err != nil {
		return errors.Wrapf(err, "POST %s", path)
	}
	return nil
}

func (c *Client) do(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return errors.Wrap(err, "read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var body struct {
			Error      string `json:"error"`
			RetryAfter int    `json:"retryAfter"`
		}
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			apiErr.Message = body.Error
			apiErr.RetryAfter = body.RetryAfter
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}
