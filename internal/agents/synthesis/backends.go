package synthesis

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"google.golang.org/genai"

	"github.com/Conceptual-Machines/nativeads-api/internal/media"
)

// Backend kinds
const (
	backendGeminiImage = "gemini-image"
	backendImagen      = "imagen"
	backendOpenAIImage = "openai-image"
)

// ErrNoImage is returned when a vendor call succeeds but carries no image
var ErrNoImage = errors.New("model returned no image")

// NewBackends builds every backend the configured keys allow
func NewBackends(ctx context.Context, geminiKey, openaiKey string) (map[string]Backend, error) {
	backends := make(map[string]Backend)
	if geminiKey != "" {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  geminiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		backends[backendGeminiImage] = &GeminiImageBackend{client: client}
		backends[backendImagen] = &ImagenBackend{client: client}
	}
	if openaiKey != "" {
		backends[backendOpenAIImage] = NewOpenAIImageBackend(openaiKey)
	}
	return backends, nil
}

// GeminiImageBackend drives the Gemini image models, which accept reference images
type GeminiImageBackend struct {
	client *genai.Client
}

func (b *GeminiImageBackend) Generate(ctx context.Context, req BackendRequest) (*media.Image, error) {
	parts := make([]*genai.Part, 0, len(req.References)+1)
	for _, ref := range req.References {
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: ref.MIMEType, Data: ref.Data}})
	}
	parts = append(parts, &genai.Part{Text: req.Prompt})

	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE"},
		ImageConfig: &genai.ImageConfig{
			AspectRatio: req.Applied.AspectRatio,
		},
	}

	result, err := b.client.Models.GenerateContent(ctx, req.VendorModel,
		[]*genai.Content{{Role: genai.RoleUser, Parts: parts}}, config)
	if err != nil {
		return nil, fmt.Errorf("gemini image generation failed: %w", err)
	}
	return imageFromGemini(result)
}

func imageFromGemini(result *genai.GenerateContentResponse) (*media.Image, error) {
	if result == nil || len(result.Candidates) == 0 {
		return nil, ErrNoImage
	}
	candidate := result.Candidates[0]
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return &media.Image{MIMEType: part.InlineData.MIMEType, Data: part.InlineData.Data}, nil
			}
		}
	}
	if candidate.FinishReason != "" && candidate.FinishReason != genai.FinishReasonStop {
		return nil, fmt.Errorf("%w (finish reason %s)", ErrNoImage, candidate.FinishReason)
	}
	return nil, ErrNoImage
}

// ImagenBackend drives Imagen, text-only with a configurable safety filter
type ImagenBackend struct {
	client *genai.Client
}

var imagenSafetyLevels = map[string]genai.SafetyFilterLevel{
	"block_low_and_above":    genai.SafetyFilterLevelBlockLowAndAbove,
	"block_medium_and_above": genai.SafetyFilterLevelBlockMediumAndAbove,
	"block_only_high":        genai.SafetyFilterLevelBlockOnlyHigh,
}

func (b *ImagenBackend) Generate(ctx context.Context, req BackendRequest) (*media.Image, error) {
	mimeType := media.MIMETypeFor(req.Applied.OutputFormat)
	config := &genai.GenerateImagesConfig{
		NumberOfImages:    1,
		AspectRatio:       req.Applied.AspectRatio,
		ImageSize:         req.Applied.Resolution,
		OutputMIMEType:    mimeType,
		SafetyFilterLevel: imagenSafetyLevels[req.Applied.SafetyFilterLevel],
	}

	result, err := b.client.Models.GenerateImages(ctx, req.VendorModel, req.Prompt, config)
	if err != nil {
		return nil, fmt.Errorf("imagen generation failed: %w", err)
	}
	if result == nil || len(result.GeneratedImages) == 0 {
		return nil, ErrNoImage
	}
	generated := result.GeneratedImages[0]
	if generated.Image == nil || len(generated.Image.ImageBytes) == 0 {
		if generated.RAIFilteredReason != "" {
			return nil, fmt.Errorf("%w: %s", ErrNoImage, generated.RAIFilteredReason)
		}
		return nil, ErrNoImage
	}
	if generated.Image.MIMEType != "" {
		mimeType = generated.Image.MIMEType
	}
	return &media.Image{MIMEType: mimeType, Data: generated.Image.ImageBytes}, nil
}

// OpenAIImageBackend drives gpt-image-1
type OpenAIImageBackend struct {
	client openai.Client
}

// NewOpenAIImageBackend creates the backend with an API key
func NewOpenAIImageBackend(apiKey string, opts ...option.RequestOption) *OpenAIImageBackend {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAIImageBackend{client: openai.NewClient(opts...)}
}

var openAISizes = map[string]string{
	"1:1": "1024x1024",
	"2:3": "1024x1536",
	"3:2": "1536x1024",
}

func (b *OpenAIImageBackend) Generate(ctx context.Context, req BackendRequest) (*media.Image, error) {
	size, ok := openAISizes[req.Applied.AspectRatio]
	if !ok {
		size = "auto"
	}
	format := req.Applied.OutputFormat
	if format == "jpg" {
		format = "jpeg"
	}

	result, err := b.client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt:       req.Prompt,
		Model:        openai.ImageModel(req.VendorModel),
		N:            openai.Int(1),
		Size:         openai.ImageGenerateParamsSize(size),
		OutputFormat: openai.ImageGenerateParamsOutputFormat(format),
	})
	if err != nil {
		return nil, fmt.Errorf("openai image generation failed: %w", err)
	}
	if result == nil || len(result.Data) == 0 || strings.TrimSpace(result.Data[0].B64JSON) == "" {
		return nil, ErrNoImage
	}
	data, err := base64.StdEncoding.DecodeString(result.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("decode openai image: %w", err)
	}
	return &media.Image{MIMEType: media.MIMETypeFor(req.Applied.OutputFormat), Data: data}, nil
}
