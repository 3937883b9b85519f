// Package synthetic is an offline provider with deterministic output. It is
// used when no API key is configured and in tests.
package synthetic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"strings"
	"time"
	"unicode/utf8"

	"productshot/internal/domain"
	"productshot/internal/promptstream"
	"productshot/internal/providers"
)

const providerName = "synthetic"

var (
	angles      = []string{"front three-quarter", "top-down flat lay", "eye level close-up", "low hero angle"}
	backgrounds = []string{"white seamless paper", "warm oak tabletop", "pastel gradient", "raw concrete slab", "linen with dried flowers"}
	lights      = []string{"soft window light", "hard noon sun with crisp shadows", "golden hour backlight", "studio softbox"}
)

// Provider never fails unless Delay outlives the context.
type Provider struct {
	Delay time.Duration
}

func New() *Provider {
	return &Provider{}
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) wait(ctx context.Context) error {
	if p.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(p.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) Analyze(ctx context.Context, req providers.AnalysisRequest) (json.RawMessage, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	h := hash(req.ImageURL)
	blueprint := map[string]any{
		"product":       productName(req.ImageURL),
		"camera_angles": pick(angles, h, 2),
		"backgrounds":   pick(backgrounds, h>>8, 3),
		"lighting":      lights[int(h%uint64(len(lights)))],
		"notes":         req.Notes,
	}
	return json.Marshal(blueprint)
}

// StreamPrompts renders its prompts as an event stream and reads them back
// through the consumer, exactly like a remote stream.
func (p *Provider) StreamPrompts(ctx context.Context, req providers.PromptRequest) (promptstream.Result, error) {
	if err := p.wait(ctx); err != nil {
		return promptstream.Result{}, err
	}
	count := req.Count
	if count < 1 {
		count = 1
	}
	h := hash(req.Blueprint + req.Style)
	prompts := make([]domain.Prompt, count)
	for i := range prompts {
		prompts[i] = domain.Prompt{
			Title: fmt.Sprintf("Scene %d", i+1),
			Prompt: fmt.Sprintf("Product photo, %s, on %s, %s%s",
				angles[(int(h)+i)%len(angles)],
				backgrounds[(int(h>>4)+i)%len(backgrounds)],
				lights[(int(h>>12)+i)%len(lights)],
				styleSuffix(req.Style)),
		}
	}
	text, err := json.Marshal(prompts)
	if err != nil {
		return promptstream.Result{}, err
	}

	c := promptstream.New()
	for _, chunk := range chunks(string(text), 24) {
		ev, _ := json.Marshal(map[string]any{
			"choices": []any{map[string]any{"delta": map[string]string{"content": chunk}}},
		})
		fmt.Fprintf(c, "data: %s\n\n", ev)
	}
	fmt.Fprint(c, "data: [DONE]\n\n")
	return c.Finish(), nil
}

// GenerateImage draws a small PNG whose color is derived from the request.
func (p *Provider) GenerateImage(ctx context.Context, req providers.ImageRequest) (providers.Image, error) {
	if err := p.wait(ctx); err != nil {
		return providers.Image{}, err
	}
	h := hash(req.Prompt + req.ImageURL + req.ReferenceURL)
	w, ht := 64, 64
	switch req.AspectRatio {
	case "3:4", "9:16":
		ht = 96
	case "4:3", "16:9":
		w = 96
	}
	img := image.NewRGBA(image.Rect(0, 0, w, ht))
	fill := color.RGBA{R: uint8(h), G: uint8(h >> 8), B: uint8(h >> 16), A: 0xff}
	accent := color.RGBA{R: ^fill.R, G: ^fill.G, B: ^fill.B, A: 0xff}
	for y := 0; y < ht; y++ {
		for x := 0; x < w; x++ {
			c := fill
			if (x/8+y/8)%2 == 0 && x > w/4 && x < 3*w/4 && y > ht/4 && y < 3*ht/4 {
				c = accent
			}
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return providers.Image{}, err
	}
	return providers.Image{Data: buf.Bytes(), ContentType: "image/png"}, nil
}

func hash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func pick(list []string, h uint64, n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n && i < len(list); i++ {
		out = append(out, list[(int(h%uint64(len(list)))+i)%len(list)])
	}
	return out
}

func productName(url string) string {
	name := url
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.IndexAny(name, ".?#"); i > 0 {
		name = name[:i]
	}
	name = strings.NewReplacer("-", " ", "_", " ").Replace(name)
	if name == "" {
		return "product"
	}
	return name
}

func styleSuffix(style string) string {
	style = strings.TrimSpace(style)
	if style == "" {
		return ""
	}
	return ", " + style + " style"
}

func chunks(s string, size int) []string {
	var out []string
	for len(s) > size {
		n := size
		for n > 1 && !utf8.RuneStart(s[n]) {
			n--
		}
		out = append(out, s[:n])
		s = s[n:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

var _ providers.Provider = (*Provider)(nil)
