// Package client talks to the public API. It provides the remote Poller and
// Subscriber used to wait on a job from outside the server.
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
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"productshot/internal/domain"
)

const defaultTimeout = 15 * time.Second

// APIError is a decoded error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
}

// Unwrap maps well-known codes onto domain errors.
func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusNotFound:
		return domain.ErrNotFound
	case e.Status == http.StatusUnauthorized:
		return domain.ErrUnauthorized
	case e.Status == http.StatusPaymentRequired:
		return domain.ErrInsufficientCredits
	case e.Code == "invalid_payload":
		return domain.ErrInvalidPayload
	}
	return nil
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	dialer  *websocket.Dialer
}

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid api base url %q", opts.BaseURL)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: defaultTimeout}
	}
	return &Client{baseURL: base, token: strings.TrimSpace(opts.Token), http: httpClient, dialer: dialer}, nil
}

// SubmitRequest is the body of a job creation call.
type SubmitRequest struct {
	Payload     json.RawMessage `json:"payload"`
	ClientJobID string          `json:"client_job_id,omitempty"`
	TraceID     string          `json:"trace_id,omitempty"`
	FEAttempt   int             `json:"fe_attempt,omitempty"`
}

// SubmitResponse is returned by job creation calls.
type SubmitResponse struct {
	JobID  string           `json:"job_id"`
	Status domain.JobStatus `json:"status"`
	Cost   int              `json:"cost"`
}

// Submit creates a job. kind is the path segment: analysis,
// image-generation or style-replicate.
func (c *Client) Submit(ctx context.Context, kind string, req SubmitRequest) (SubmitResponse, error) {
	var out SubmitResponse
	err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(kind), req, &out)
	return out, err
}

// Poll reads the current state of a job.
func (c *Client) Poll(ctx context.Context, jobID string) (domain.JobSnapshot, error) {
	var snap domain.JobSnapshot
	err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil, &snap)
	return snap, err
}

// Balance reads the caller's credits.
func (c *Client) Balance(ctx context.Context) (domain.BalanceEvent, error) {
	var out domain.BalanceEvent
	err := c.do(ctx, http.MethodGet, "/v1/credits", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var env errorEnvelope
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &env); err == nil && env.Error.Code != "" {
		apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
	} else {
		apiErr.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}

func (c *Client) authorize(h http.Header) {
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
}

// Subscribe opens the job event stream. The channel closes when the server
// ends the stream or the returned function is called; the function blocks
// until the reader goroutine has exited.
func (c *Client) Subscribe(ctx context.Context, jobID string) (<-chan domain.JobSnapshot, func(), error) {
	wsURL := c.websocketURL("/v1/jobs/" + url.PathEscape(jobID) + "/events")
	header := http.Header{}
	c.authorize(header)

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				return nil, nil, decodeError(resp)
			}
		}
		return nil, nil, fmt.Errorf("dial job events: %w", err)
	}

	out := make(chan domain.JobSnapshot, 4)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(out)
		for {
			var snap domain.JobSnapshot
			if err := conn.ReadJSON(&snap); err != nil {
				return
			}
			select {
			case out <- snap:
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			close(done)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
			wg.Wait()
		})
	}, nil
}

func (c *Client) websocketURL(path string) string {
	switch {
	case strings.HasPrefix(c.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://") + path
	default:
		return "ws://" + strings.TrimPrefix(c.baseURL, "http://") + path
	}
}

// IsAPIError reports whether err carries an API error with the given code.
func IsAPIError(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
