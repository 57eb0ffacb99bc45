// Package client is the REST client for the notification backend. It covers
// the four server calls the sync core needs: history fetch, mark-read,
// friend-request resolution and delete.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/retry"

	"github.com/pulsegram/notifsync/internal/model"
)

var (
	// ErrNotFound marks a 404 from the backend, e.g. a notification already
	// deleted on another device.
	ErrNotFound = errors.New("not found")
)

// HTTPError is a non-2xx response that is neither retryable nor a 404.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Client talks to the backend on behalf of one authenticated user.
type Client struct {
	baseURL    string
	token      string
	userID     string
	timeout    time.Duration
	httpClient *http.Client
	strategy   retry.Strategy
}

// New creates a Client. The timeout bounds every call as a whole, retries and
// backoff waits included; the strategy drives retries on transport errors,
// 429 and 5xx.
func New(baseURL, token, userID string, timeout time.Duration, strategy retry.Strategy) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		userID:     userID,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
		strategy:   strategy,
	}
}

// historyPage is the fetch-history response envelope. Payloads stay raw so
// the normalizer owns their shape.
type historyPage struct {
	Notifications []json.RawMessage `json:"notifications"`
}

// FetchHistory returns the persisted notification payloads for the user.
func (c *Client) FetchHistory(ctx context.Context) ([]json.RawMessage, error) {
	var page historyPage
	path := fmt.Sprintf("/api/users/%s/notifications", url.PathEscape(c.userID))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	return page.Notifications, nil
}

// MarkRead marks one notification read on the server.
func (c *Client) MarkRead(ctx context.Context, id string) error {
	path := fmt.Sprintf("/api/notifications/%s/read", url.PathEscape(id))
	if err := c.doJSON(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// MarkAllRead marks every notification of the user read on the server.
func (c *Client) MarkAllRead(ctx context.Context) error {
	path := fmt.Sprintf("/api/users/%s/notifications/read_all", url.PathEscape(c.userID))
	if err := c.doJSON(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("mark all read: %w", err)
	}
	return nil
}

type resolveBody struct {
	Status model.RequestStatus `json:"status"`
}

type resolveResult struct {
	Status model.RequestStatus `json:"status"`
}

// ResolveRequest accepts or declines a friend request and returns the
// relationship status the server settled on.
func (c *Client) ResolveRequest(ctx context.Context, requestID string, status model.RequestStatus) (model.RequestStatus, error) {
	var out resolveResult
	path := fmt.Sprintf("/api/friend_requests/%s", url.PathEscape(requestID))
	if err := c.doJSON(ctx, http.MethodPost, path, resolveBody{Status: status}, &out); err != nil {
		return "", fmt.Errorf("resolve request: %w", err)
	}
	return out.Status, nil
}

// DeleteNotification removes one notification on the server.
func (c *Client) DeleteNotification(ctx context.Context, id string) error {
	path := fmt.Sprintf("/api/notifications/%s", url.PathEscape(id))
	if err := c.doJSON(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	attempts := c.strategy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := c.strategy.Delay

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := waitWithContext(ctx, delay); err != nil {
				return err
			}
			delay = time.Duration(float64(delay) * c.strategy.Backoff)
		}

		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = &HTTPError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
			if retryAfter := parseRetryAfter(resp.Header.Get("Retry-After")); retryAfter > 0 {
				delay = retryAfter
			}
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			return ErrNotFound
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
	return lastErr
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
