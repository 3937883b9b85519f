package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"productshot/internal/domain"
	"productshot/internal/infra"
	"productshot/internal/providers"
	"productshot/internal/queue"
	"productshot/internal/storage"
)

var errNoPrompts = errors.New("prompt synthesis returned no prompts")

// ImageStore persists rendered images and returns their public URL.
type ImageStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// Pipeline implements the three paid stages on top of one provider.
type Pipeline struct {
	provider providers.Provider
	store    ImageStore
	logger   zerolog.Logger
}

func NewPipeline(provider providers.Provider, store ImageStore, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		provider: provider,
		store:    store,
		logger:   infra.ComponentLogger(logger, "pipeline"),
	}
}

// Handlers maps every job type to its stage.
func (p *Pipeline) Handlers() map[domain.JobType]Handler {
	return map[domain.JobType]Handler{
		domain.JobTypeAnalysis:       HandlerFunc(p.Analyze),
		domain.JobTypeImageGen:       HandlerFunc(p.GenerateImages),
		domain.JobTypeStyleReplicate: HandlerFunc(p.ReplicateStyle),
	}
}

// Analyze produces the blueprint of a product photo.
func (p *Pipeline) Analyze(ctx context.Context, c *queue.Claim) (queue.Result, error) {
	var payload domain.AnalysisPayload
	if err := decodePayload(c, &payload); err != nil {
		return queue.Result{}, err
	}
	blueprint, err := p.provider.Analyze(ctx, providers.AnalysisRequest{
		ImageURL: payload.ImageURL,
		Model:    payload.Model,
		Notes:    payload.Notes,
	})
	if err != nil {
		return queue.Result{}, fmt.Errorf("analyze: %w", err)
	}
	return queue.Result{Data: blueprint}, nil
}

// GenerateImages renders Count images. Without explicit prompts they are
// synthesized from the blueprint through the streaming consumer.
func (p *Pipeline) GenerateImages(ctx context.Context, c *queue.Claim) (queue.Result, error) {
	var payload domain.ImageGenPayload
	if err := decodePayload(c, &payload); err != nil {
		return queue.Result{}, err
	}
	count := max(payload.Count, 1)

	prompts, mode := payload.Prompts, "payload"
	if len(prompts) == 0 {
		blueprint := payload.Blueprint
		if blueprint == "" {
			raw, _ := json.Marshal(map[string]string{"image_url": payload.ImageURL})
			blueprint = string(raw)
		}
		res, err := p.provider.StreamPrompts(ctx, providers.PromptRequest{
			Model:     payload.Model,
			Blueprint: blueprint,
			Style:     payload.Style,
			Count:     count,
		})
		if err != nil {
			return queue.Result{}, fmt.Errorf("synthesize prompts: %w", err)
		}
		if len(res.Prompts) == 0 {
			return queue.Result{}, errNoPrompts
		}
		prompts, mode = res.Prompts, string(res.Mode)
		p.logger.Debug().Str("job_id", c.JobID).Str("mode", mode).Int("prompts", len(prompts)).Msg("pipeline: prompts synthesized")
	}

	images := make([]string, 0, count)
	for i := 0; i < count; i++ {
		prompt := prompts[i%len(prompts)]
		url, err := p.render(ctx, c.JobID, i+1, providers.ImageRequest{
			Model:       payload.Model,
			Prompt:      prompt.Prompt,
			ImageURL:    payload.ImageURL,
			Resolution:  payload.Resolution,
			AspectRatio: payload.AspectRatio,
			Turbo:       payload.Turbo,
		})
		if err != nil {
			return queue.Result{}, err
		}
		images = append(images, url)
	}
	return imageResult(images, prompts, mode)
}

// ReplicateStyle re-renders the product in the style of the reference.
func (p *Pipeline) ReplicateStyle(ctx context.Context, c *queue.Claim) (queue.Result, error) {
	var payload domain.StyleReplicatePayload
	if err := decodePayload(c, &payload); err != nil {
		return queue.Result{}, err
	}
	count := max(payload.Count, 1)
	instruction := payload.Instructions
	if instruction == "" {
		instruction = "Recreate the reference photo's scene with this product as the subject"
	}

	images := make([]string, 0, count)
	for i := 0; i < count; i++ {
		url, err := p.render(ctx, c.JobID, i+1, providers.ImageRequest{
			Model:        payload.Model,
			Prompt:       instruction,
			ImageURL:     payload.ImageURL,
			ReferenceURL: payload.ReferenceURL,
			Resolution:   payload.Resolution,
			Turbo:        payload.Turbo,
		})
		if err != nil {
			return queue.Result{}, err
		}
		images = append(images, url)
	}
	return imageResult(images, []domain.Prompt{{Prompt: instruction}}, "instructions")
}

func (p *Pipeline) render(ctx context.Context, jobID string, n int, req providers.ImageRequest) (string, error) {
	img, err := p.provider.GenerateImage(ctx, req)
	if err != nil {
		return "", fmt.Errorf("generate image %d: %w", n, err)
	}
	url, err := p.store.Put(ctx, storage.ImageKey(jobID, n, img.ContentType), img.Data)
	if err != nil {
		return "", fmt.Errorf("store image %d: %w", n, err)
	}
	return url, nil
}

func imageResult(images []string, prompts []domain.Prompt, mode string) (queue.Result, error) {
	data, err := json.Marshal(domain.ImageResult{Images: images, Prompts: prompts, ParseMode: mode})
	if err != nil {
		return queue.Result{}, fmt.Errorf("encode result: %w", err)
	}
	url := ""
	if len(images) > 0 {
		url = images[0]
	}
	return queue.Result{URL: url, Data: data}, nil
}

func decodePayload(c *queue.Claim, dst any) error {
	if err := json.Unmarshal(c.Payload, dst); err != nil {
		return Permanent(fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err))
	}
	return nil
}
