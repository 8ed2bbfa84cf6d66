package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/rzapply/rzapply/internal/common/logger"
	v1 "github.com/rzapply/rzapply/pkg/api/v1"
)

const (
	requestTimeout  = 20 * time.Second
	downloadTimeout = 60 * time.Second
)

// StatusError is returned for non-2xx coordinator responses
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("coordinator returned %d: %s", e.StatusCode, e.Body)
}

// Client talks to the coordinator over HTTP
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a coordinator client. Per-request deadlines come from
// the caller's context, so the http.Client itself has no timeout.
func NewClient(baseURL, token string, log *logger.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{},
		logger:     log.WithFields(zap.String("component", "coordinator-client")),
	}
}

// Register announces the agent and returns the coordinator's answer
func (c *Client) Register(ctx context.Context, req *v1.RegisterRequest) (*v1.RegisterResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var resp v1.RegisterResponse
	if err := c.doJSON(ctx, http.MethodPost, "/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RegisterWithRetry retries Register with exponential backoff. Client
// errors (4xx) are not retried. maxTries of zero retries until ctx ends.
func (c *Client) RegisterWithRetry(ctx context.Context, req *v1.RegisterRequest, maxTries uint, maxInterval time.Duration) (*v1.RegisterResponse, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	if maxInterval > 0 {
		b.MaxInterval = maxInterval
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("register failed, retrying", zap.Error(err), zap.Duration("retry_in", next))
		}),
	}
	if maxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(maxTries))
	}

	return backoff.Retry(ctx, func() (*v1.RegisterResponse, error) {
		resp, err := c.Register(ctx, req)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return resp, nil
	}, opts...)
}

// Heartbeat posts a status report
func (c *Client) Heartbeat(ctx context.Context, req *v1.HeartbeatRequest) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return c.doJSON(ctx, http.MethodPost, "/heartbeat", req, nil)
}

// FetchTask long-polls for work. It returns nil, nil when the wait expires
// without a task.
func (c *Client) FetchTask(ctx context.Context, clientID string, wait time.Duration) (*v1.Task, error) {
	// Leave headroom for the coordinator to answer 204 before we give up.
	ctx, cancel := context.WithTimeout(ctx, wait+10*time.Second)
	defer cancel()

	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("timeout", strconv.Itoa(int(wait/time.Second)))

	req, err := c.newRequest(ctx, http.MethodGet, "/task?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var task v1.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &task, nil
}

// SubmitResult posts a final task report
func (c *Client) SubmitResult(ctx context.Context, res *v1.TaskResult) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return c.doJSON(ctx, http.MethodPost, "/task_result", res, nil)
}

// DownloadArchive streams rawURL to dest. The bearer token is only sent to
// the coordinator itself.
func (c *Client) DownloadArchive(ctx context.Context, rawURL, dest string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, err
	}
	if c.token != "" && sameOrigin(c.baseURL, rawURL) {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return 0, err
	}

	f, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, resp.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("download archive: %w", err)
	}
	return n, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
}

func sameOrigin(base, raw string) bool {
	a, err := url.Parse(base)
	if err != nil {
		return false
	}
	b, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return a.Scheme == b.Scheme && a.Host == b.Host
}
