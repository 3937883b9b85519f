package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"productshot/internal/promptstream"
	"productshot/internal/providers"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func respond(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newProvider(t *testing.T, fn roundTripFunc) *Provider {
	t.Helper()
	p, err := New(Options{APIKey: "sk-test", HTTPClient: &http.Client{Transport: fn}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestAnalyzeExtractsFencedBlueprint(t *testing.T) {
	var sent chatRequest
	p := newProvider(t, func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != "/v1/chat/completions" || r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Fatalf("unexpected request %s %v", r.URL.Path, r.Header)
		}
		_ = json.NewDecoder(r.Body).Decode(&sent)
		content, _ := json.Marshal("```json\n{\"product\":\"mug\",\"mood\":\"warm\"}\n```")
		return respond(http.StatusOK, `{"choices":[{"message":{"content":`+string(content)+`}}]}`), nil
	})

	blueprint, err := p.Analyze(context.Background(), providers.AnalysisRequest{ImageURL: "https://cdn.example.com/mug.png", Notes: "ceramic"})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if string(blueprint) != `{"product":"mug","mood":"warm"}` {
		t.Fatalf("blueprint = %s", blueprint)
	}
	if sent.Model != defaultChatModel || sent.ResponseFormat == nil {
		t.Fatalf("request = %+v", sent)
	}
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		p := newProvider(t, func(*http.Request) (*http.Response, error) {
			return respond(tc.status, `{"error":{"message":"upstream says no"}}`), nil
		})
		_, err := p.Analyze(context.Background(), providers.AnalysisRequest{ImageURL: "https://x.example/p.png"})
		var perr *providers.Error
		if !errors.As(err, &perr) {
			t.Fatalf("status %d: err = %v", tc.status, err)
		}
		if perr.Retryable != tc.retryable || perr.Status != tc.status || !strings.Contains(perr.Error(), "upstream says no") {
			t.Fatalf("status %d: err = %+v", tc.status, perr)
		}
	}
}

func TestTransportErrorsAreTransient(t *testing.T) {
	p := newProvider(t, func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection reset by peer")
	})
	_, err := p.GenerateImage(context.Background(), providers.ImageRequest{Prompt: "mug"})
	if retryable, known := providers.Retryable(err); !known || !retryable {
		t.Fatalf("err = %v, retryable=%v known=%v", err, retryable, known)
	}
}

func TestStreamPromptsUsesConsumer(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"[{\"title\":\"Studio\",\"prompt\":\"Mug on white"}}]}`,
		`data: {"choices":[{"delta":{"content":" seamless\"}]"}}]}`,
		`data: [DONE]`,
		``,
	}, "\n\n")
	var sent chatRequest
	p := newProvider(t, func(r *http.Request) (*http.Response, error) {
		_ = json.NewDecoder(r.Body).Decode(&sent)
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(stream))}, nil
	})

	res, err := p.StreamPrompts(context.Background(), providers.PromptRequest{Blueprint: `{"product":"mug"}`, Count: 1})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if !sent.Stream {
		t.Fatal("request was not streamed")
	}
	if res.Mode != promptstream.ModeJSON || len(res.Prompts) != 1 || res.Prompts[0].Prompt != "Mug on white seamless" {
		t.Fatalf("result = %+v", res)
	}
}

func TestGenerateImageDecodesBase64(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")
	var sent imageRequest
	p := newProvider(t, func(r *http.Request) (*http.Response, error) {
		_ = json.NewDecoder(r.Body).Decode(&sent)
		return respond(http.StatusOK, `{"data":[{"b64_json":"`+base64.StdEncoding.EncodeToString(png)+`"}]}`), nil
	})

	img, err := p.GenerateImage(context.Background(), providers.ImageRequest{Prompt: "mug", Resolution: "2K", AspectRatio: "16:9", ReferenceURL: "https://x.example/ref.png"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if img.ContentType != "image/png" || len(img.Data) != len(png) {
		t.Fatalf("image = %q %d bytes", img.ContentType, len(img.Data))
	}
	if sent.Size != "1536x1024" || sent.Quality != "high" || !strings.Contains(sent.Prompt, "ref.png") {
		t.Fatalf("request = %+v", sent)
	}
}

func TestNormalizeChatModel(t *testing.T) {
	t.Parallel()
	cases := []struct {
		input, model, reason string
	}{
		{"gpt-4o-mini", "gpt-4o-mini", ""},
		{"GPT 4o", "gpt-4o", ""},
		{"gpt4omini", "gpt-4o-mini", "alias"},
		{"nano-banana", "gpt-4o-mini", "defaulted"},
		{"", "gpt-4o-mini", ""},
	}
	for _, tc := range cases {
		model, reason := normalizeChatModel(tc.input)
		if model != tc.model || reason != tc.reason {
			t.Fatalf("normalizeChatModel(%q) = %q, %q; want %q, %q", tc.input, model, reason, tc.model, tc.reason)
		}
	}
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without api key")
	}
}
