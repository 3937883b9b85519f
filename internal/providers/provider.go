// Package providers defines the vendor calls made by the pipeline stages.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"productshot/internal/promptstream"
)

// AnalysisRequest asks for a blueprint of a product photo.
type AnalysisRequest struct {
	ImageURL string
	Model    string
	Notes    string
	Locale   string
}

// PromptRequest asks for Count generation prompts derived from a blueprint.
type PromptRequest struct {
	Model     string
	Blueprint string
	Style     string
	Count     int
	Locale    string
}

// ImageRequest renders one image.
type ImageRequest struct {
	Model        string
	Prompt       string
	ImageURL     string
	ReferenceURL string
	Resolution   string
	AspectRatio  string
	Turbo        bool
}

// Image is rendered image data.
type Image struct {
	Data        []byte
	ContentType string
}

// Provider is implemented by every vendor backend.
type Provider interface {
	Name() string
	Analyze(ctx context.Context, req AnalysisRequest) (json.RawMessage, error)
	StreamPrompts(ctx context.Context, req PromptRequest) (promptstream.Result, error)
	GenerateImage(ctx context.Context, req ImageRequest) (Image, error)
}

// Error is a failed vendor call.
type Error struct {
	Provider  string
	Op        string
	Status    int
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Provider, e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusRetryable reports whether an HTTP status from a vendor is worth
// another attempt.
func StatusRetryable(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500
}

// HTTPError builds the error for a non-2xx vendor response.
func HTTPError(provider, op string, status int, detail string) *Error {
	if detail == "" {
		detail = http.StatusText(status)
	}
	return &Error{Provider: provider, Op: op, Status: status, Retryable: StatusRetryable(status), Err: errors.New(detail)}
}

// TransportError wraps a failed round trip. Everything except caller
// cancellation is transient: resets and EOFs mid-response rarely surface as
// net.Error.
func TransportError(provider, op string, err error) *Error {
	return &Error{Provider: provider, Op: op, Retryable: !errors.Is(err, context.Canceled), Err: err}
}

// Retryable reports whether err is a vendor error marked transient. Errors
// that did not come from a vendor call report false.
func Retryable(err error) (retryable, known bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Retryable, true
	}
	return false, false
}
