package nudge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPNudger POSTs {"job_id"} to a worker endpoint.
type HTTPNudger struct {
	url    string
	client *http.Client
}

func NewHTTPNudger(url string, client *http.Client) *HTTPNudger {
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	return &HTTPNudger{url: url, client: client}
}

func (n *HTTPNudger) Nudge(ctx context.Context, jobID string) error {
	body, err := encode(jobID)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build nudge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send nudge: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("send nudge: status %d", resp.StatusCode)
	}
	return nil
}

// HTTPSource is the worker side of HTTPNudger. It is an http.Handler that
// forwards accepted job ids to the channel returned by Listen.
type HTTPSource struct {
	ch chan string
}

// NewHTTPSource buffers up to size pending nudges; extra nudges are dropped.
func NewHTTPSource(size int) *HTTPSource {
	if size < 1 {
		size = 64
	}
	return &HTTPSource{ch: make(chan string, size)}
}

func (s *HTTPSource) Listen(ctx context.Context) (<-chan string, error) {
	out := make(chan string)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case id := <-s.ch:
				select {
				case out <- id:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *HTTPSource) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	jobID, err := decode(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	select {
	case s.ch <- jobID:
	default:
	}
	w.WriteHeader(http.StatusAccepted)
}
