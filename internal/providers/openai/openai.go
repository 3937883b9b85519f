// Package openai calls an OpenAI compatible API for blueprint analysis,
// streamed prompt synthesis and image rendering.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"productshot/internal/promptstream"
	"productshot/internal/providers"
)

const providerName = "openai"

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	defaultTimeout    = 120 * time.Second
	defaultChatModel  = "gpt-4o-mini"
	defaultImageModel = "gpt-image-1"
)

type Options struct {
	APIKey       string
	ChatModel    string
	ImageModel   string
	BaseURL      string
	Organization string
	HTTPClient   *http.Client
	OnWarning    func(reason, detail string)
}

type Provider struct {
	apiKey       string
	chatModel    string
	imageModel   string
	baseURL      string
	organization string
	client       *http.Client
}

func New(opts Options) (*Provider, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	chatModel, reason := normalizeChatModel(opts.ChatModel)
	if reason != "" && opts.OnWarning != nil {
		opts.OnWarning("model_"+reason, fmt.Sprintf("requested=%s resolved=%s", coalesce(opts.ChatModel, defaultChatModel), chatModel))
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Provider{
		apiKey:       strings.TrimSpace(opts.APIKey),
		chatModel:    chatModel,
		imageModel:   coalesce(opts.ImageModel, defaultImageModel),
		baseURL:      baseURL,
		organization: strings.TrimSpace(opts.Organization),
		client:       client,
	}, nil
}

func (p *Provider) Name() string { return providerName }

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature,omitempty"`
	Stream         bool          `json:"stream,omitempty"`
	ResponseFormat *chatFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageRef `json:"image_url,omitempty"`
}

type imageRef struct {
	URL string `json:"url"`
}

type chatFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Analyze returns the blueprint JSON the model produced for the photo.
func (p *Provider) Analyze(ctx context.Context, req providers.AnalysisRequest) (json.RawMessage, error) {
	const op = "analyze"
	payload := chatRequest{
		Model:          p.chatModel,
		Temperature:    0.2,
		ResponseFormat: &chatFormat{Type: "json_object"},
		Messages: []chatMessage{
			{Role: "system", Content: "You are a product photography art director that only responds with valid JSON."},
			{Role: "user", Content: []contentPart{
				{Type: "text", Text: buildAnalysisPrompt(req)},
				{Type: "image_url", ImageURL: &imageRef{URL: req.ImageURL}},
			}},
		},
	}
	resp, err := p.post(ctx, op, "/chat/completions", payload)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, providers.TransportError(providerName, op, fmt.Errorf("decode response: %w", err))
	}
	if len(out.Choices) == 0 {
		return nil, &providers.Error{Provider: providerName, Op: op, Retryable: true, Err: errors.New("no choices")}
	}
	fragment := extractJSONFragment(out.Choices[0].Message.Content)
	if fragment == "" || !json.Valid([]byte(fragment)) {
		return nil, &providers.Error{Provider: providerName, Op: op, Retryable: true, Err: errors.New("model returned no JSON blueprint")}
	}
	return json.RawMessage(fragment), nil
}

// StreamPrompts streams a prompt list and recovers it with the prompt
// stream consumer. A stream cut short still yields what arrived.
func (p *Provider) StreamPrompts(ctx context.Context, req providers.PromptRequest) (promptstream.Result, error) {
	const op = "stream_prompts"
	payload := chatRequest{
		Model:       p.chatModel,
		Temperature: 0.8,
		Stream:      true,
		Messages: []chatMessage{
			{Role: "system", Content: "You write image generation prompts for product photography."},
			{Role: "user", Content: buildPromptSynthesis(req)},
		},
	}
	resp, err := p.post(ctx, op, "/chat/completions", payload)
	if err != nil {
		return promptstream.Result{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	res, err := promptstream.Consume(ctx, resp.Body)
	if err != nil && len(res.Prompts) == 0 {
		return res, providers.TransportError(providerName, op, err)
	}
	return res, nil
}

type imageRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	N       int    `json:"n"`
	Size    string `json:"size"`
	Quality string `json:"quality,omitempty"`
}

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
		URL     string `json:"url"`
	} `json:"data"`
}

// GenerateImage renders one image. Source and reference photos are carried
// as descriptions in the prompt.
func (p *Provider) GenerateImage(ctx context.Context, req providers.ImageRequest) (providers.Image, error) {
	const op = "generate_image"
	payload := imageRequest{
		Model:   p.imageModel,
		Prompt:  buildImagePrompt(req),
		N:       1,
		Size:    imageSize(req.AspectRatio),
		Quality: imageQuality(req.Resolution, req.Turbo),
	}
	resp, err := p.post(ctx, op, "/images/generations", payload)
	if err != nil {
		return providers.Image{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var out imageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return providers.Image{}, providers.TransportError(providerName, op, fmt.Errorf("decode response: %w", err))
	}
	if len(out.Data) == 0 {
		return providers.Image{}, &providers.Error{Provider: providerName, Op: op, Retryable: true, Err: errors.New("no image returned")}
	}
	if out.Data[0].B64JSON != "" {
		data, err := base64.StdEncoding.DecodeString(out.Data[0].B64JSON)
		if err != nil {
			return providers.Image{}, &providers.Error{Provider: providerName, Op: op, Retryable: true, Err: fmt.Errorf("decode image: %w", err)}
		}
		return providers.Image{Data: data, ContentType: http.DetectContentType(data)}, nil
	}
	if out.Data[0].URL != "" {
		return p.download(ctx, op, out.Data[0].URL)
	}
	return providers.Image{}, &providers.Error{Provider: providerName, Op: op, Retryable: true, Err: errors.New("empty image payload")}
}

func (p *Provider) download(ctx context.Context, op, url string) (providers.Image, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return providers.Image{}, &providers.Error{Provider: providerName, Op: op, Err: err}
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return providers.Image{}, providers.TransportError(providerName, op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return providers.Image{}, providers.HTTPError(providerName, op, resp.StatusCode, "")
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return providers.Image{}, providers.TransportError(providerName, op, err)
	}
	return providers.Image{Data: data, ContentType: http.DetectContentType(data)}, nil
}

// post sends payload and returns a 2xx response. The caller closes the body.
func (p *Provider) post(ctx context.Context, op, path string, payload any) (*http.Response, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, &providers.Error{Provider: providerName, Op: op, Err: fmt.Errorf("encode request: %w", err)}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, &buf)
	if err != nil {
		return nil, &providers.Error{Provider: providerName, Op: op, Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	if p.organization != "" {
		httpReq.Header.Set("OpenAI-Organization", p.organization)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.TransportError(providerName, op, err)
	}
	if resp.StatusCode >= 300 {
		defer func() {
			_ = resp.Body.Close()
		}()
		return nil, providers.HTTPError(providerName, op, resp.StatusCode, errorDetail(resp.Body))
	}
	return resp, nil
}

func errorDetail(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, 8<<10))
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

var _ providers.Provider = (*Provider)(nil)
