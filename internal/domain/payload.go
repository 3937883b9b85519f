package domain

// Image sizes accepted by the generation stages.
const (
	Resolution1K = "1K"
	Resolution2K = "2K"
	Resolution4K = "4K"
)

// AnalysisPayload asks for a blueprint of a single product photo.
type AnalysisPayload struct {
	ImageURL string `json:"image_url" validate:"required,url"`
	Model    string `json:"model" validate:"required"`
	Notes    string `json:"notes,omitempty" validate:"max=2000"`
}

// Prompt is one generation instruction produced by prompt synthesis.
type Prompt struct {
	Title  string `json:"title,omitempty"`
	Prompt string `json:"prompt"`
}

// ImageGenPayload generates Count images, either from explicit prompts or by
// synthesizing prompts from an analysis blueprint.
type ImageGenPayload struct {
	ImageURL    string   `json:"image_url" validate:"required,url"`
	Model       string   `json:"model" validate:"required"`
	Turbo       bool     `json:"turbo"`
	Resolution  string   `json:"resolution" validate:"required,oneof=1K 2K 4K"`
	AspectRatio string   `json:"aspect_ratio,omitempty" validate:"omitempty,oneof=1:1 3:4 4:3 9:16 16:9"`
	Count       int      `json:"count" validate:"min=1,max=8"`
	Prompts     []Prompt `json:"prompts,omitempty" validate:"max=8,dive"`
	Blueprint   string   `json:"blueprint,omitempty" validate:"max=20000"`
	Style       string   `json:"style,omitempty" validate:"max=200"`
}

// StyleReplicatePayload re-renders a product in the style of a reference
// photo.
type StyleReplicatePayload struct {
	ImageURL     string `json:"image_url" validate:"required,url"`
	ReferenceURL string `json:"reference_url" validate:"required,url"`
	Model        string `json:"model" validate:"required"`
	Turbo        bool   `json:"turbo"`
	Resolution   string `json:"resolution" validate:"required,oneof=1K 2K 4K"`
	Count        int    `json:"count" validate:"min=1,max=4"`
	Instructions string `json:"instructions,omitempty" validate:"max=2000"`
}

// ImageResult is the result_data document of image producing jobs.
type ImageResult struct {
	Images    []string `json:"images"`
	Prompts   []Prompt `json:"prompts,omitempty"`
	ParseMode string   `json:"parse_mode,omitempty"`
}
