package synthesis

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/Conceptual-Machines/nativeads-api/internal/models"
)

// ModelID identifies one of the supported image models
type ModelID string

const (
	ModelNanoBananaPro ModelID = "google/nano-banana-pro"
	ModelNanoBanana    ModelID = "google/nano-banana"
	ModelImagen4       ModelID = "google/imagen-4"
	ModelGPTImage1     ModelID = "openai/gpt-image-1"
)

// Setting defaults applied when the session leaves a field empty
const (
	DefaultAspectRatio       = "4:5"
	DefaultResolution        = "1K"
	DefaultOutputFormat      = "jpg"
	DefaultSafetyFilterLevel = "block_only_high"

	// MaxReferenceImages is the hard cap regardless of model
	MaxReferenceImages = 14
)

// resolutionTiers in ascending order
var resolutionTiers = []string{"1K", "2K", "4K"}

// Capabilities describes the parameter vocabulary one model accepts
type Capabilities struct {
	ID          ModelID  `json:"id"`
	DisplayName string   `json:"name"`
	VendorModel string   `json:"-"`
	Backend     string   `json:"backend"`
	AspectRatio []string `json:"aspectRatios"`
	Resolutions []string `json:"resolutions"`
	MaxRefs     int      `json:"maxReferenceImages"`
	Formats     []string `json:"outputFormats"`
	// SafetyLevels is empty when the model has no configurable filter
	SafetyLevels []string `json:"safetyFilterLevels,omitempty"`
}

var geminiAspectRatios = []string{"1:1", "2:3", "3:2", "3:4", "4:3", "4:5", "5:4", "9:16", "16:9", "21:9"}

var catalog = map[ModelID]Capabilities{
	ModelNanoBananaPro: {
		ID:          ModelNanoBananaPro,
		DisplayName: "Nano Banana Pro",
		VendorModel: "gemini-3-pro-image-preview",
		Backend:     backendGeminiImage,
		AspectRatio: geminiAspectRatios,
		// genai's ImageConfig carries no size, so larger tiers cannot be requested
		Resolutions: []string{"1K"},
		MaxRefs:     MaxReferenceImages,
		Formats:     []string{"jpg", "png"},
	},
	ModelNanoBanana: {
		ID:          ModelNanoBanana,
		DisplayName: "Nano Banana",
		VendorModel: "gemini-2.5-flash-image",
		Backend:     backendGeminiImage,
		AspectRatio: geminiAspectRatios,
		Resolutions: []string{"1K"},
		MaxRefs:     3,
		Formats:     []string{"jpg", "png"},
	},
	ModelImagen4: {
		ID:           ModelImagen4,
		DisplayName:  "Imagen 4",
		VendorModel:  "imagen-4.0-generate-001",
		Backend:      backendImagen,
		AspectRatio:  []string{"1:1", "3:4", "4:3", "9:16", "16:9"},
		Resolutions:  []string{"1K", "2K"},
		MaxRefs:      0,
		Formats:      []string{"jpg", "png"},
		SafetyLevels: []string{"block_low_and_above", "block_medium_and_above", "block_only_high"},
	},
	ModelGPTImage1: {
		ID:          ModelGPTImage1,
		DisplayName: "GPT Image 1",
		VendorModel: "gpt-image-1",
		Backend:     backendOpenAIImage,
		AspectRatio: []string{"1:1", "2:3", "3:2"},
		Resolutions: []string{"1K"},
		MaxRefs:     0,
		Formats:     []string{"jpg", "png", "webp"},
	},
}

// Lookup returns the capabilities of a model
func Lookup(id ModelID) (Capabilities, bool) {
	c, ok := catalog[id]
	return c, ok
}

// Catalog lists every supported model in a stable order
func Catalog() []Capabilities {
	out := make([]Capabilities, 0, len(catalog))
	for _, id := range []ModelID{ModelNanoBananaPro, ModelNanoBanana, ModelImagen4, ModelGPTImage1} {
		out = append(out, catalog[id])
	}
	return out
}

// Applied is the fully resolved parameter set sent to a backend
type Applied struct {
	Model             ModelID `json:"model"`
	AspectRatio       string  `json:"aspect_ratio"`
	Resolution        string  `json:"resolution"`
	OutputFormat      string  `json:"output_format"`
	SafetyFilterLevel string  `json:"safety_filter_level,omitempty"`
	// Adjustments lists every value that had to be clamped
	Adjustments []string `json:"adjustments,omitempty"`
}

// WithDefaults fills the empty fields of settings
func WithDefaults(settings models.Settings, defaultModel string) models.Settings {
	if settings.Model == "" {
		settings.Model = defaultModel
	}
	if settings.AspectRatio == "" {
		settings.AspectRatio = DefaultAspectRatio
	}
	if settings.Resolution == "" {
		settings.Resolution = DefaultResolution
	}
	if settings.OutputFormat == "" {
		settings.OutputFormat = DefaultOutputFormat
	}
	if settings.SafetyFilterLevel == "" {
		settings.SafetyFilterLevel = DefaultSafetyFilterLevel
	}
	return settings
}

// Normalize clamps settings to what the model supports instead of failing remotely
func Normalize(caps Capabilities, settings models.Settings) Applied {
	applied := Applied{Model: caps.ID}

	applied.AspectRatio = nearestAspectRatio(settings.AspectRatio, caps.AspectRatio)
	if applied.AspectRatio != settings.AspectRatio {
		applied.Adjustments = append(applied.Adjustments,
			fmt.Sprintf("aspect ratio %s -> %s", settings.AspectRatio, applied.AspectRatio))
	}

	applied.Resolution = clampResolution(settings.Resolution, caps.Resolutions)
	if applied.Resolution != settings.Resolution {
		applied.Adjustments = append(applied.Adjustments,
			fmt.Sprintf("resolution %s -> %s", settings.Resolution, applied.Resolution))
	}

	format := normalizeFormat(settings.OutputFormat)
	if !slices.Contains(caps.Formats, format) {
		applied.Adjustments = append(applied.Adjustments,
			fmt.Sprintf("output format %s -> %s", settings.OutputFormat, caps.Formats[0]))
		format = caps.Formats[0]
	}
	applied.OutputFormat = format

	if len(caps.SafetyLevels) > 0 {
		level := strings.ToLower(settings.SafetyFilterLevel)
		if !slices.Contains(caps.SafetyLevels, level) {
			level = DefaultSafetyFilterLevel
			applied.Adjustments = append(applied.Adjustments,
				fmt.Sprintf("safety filter %s -> %s", settings.SafetyFilterLevel, level))
		}
		applied.SafetyFilterLevel = level
	}

	return applied
}

// nearestAspectRatio picks the supported ratio closest in log space
func nearestAspectRatio(requested string, supported []string) string {
	if slices.Contains(supported, requested) {
		return requested
	}
	target, ok := parseRatio(requested)
	if !ok {
		target, _ = parseRatio(DefaultAspectRatio)
	}

	best, bestDist := supported[0], math.Inf(1)
	for _, candidate := range supported {
		r, ok := parseRatio(candidate)
		if !ok {
			continue
		}
		if d := math.Abs(math.Log(r) - math.Log(target)); d < bestDist {
			best, bestDist = candidate, d
		}
	}
	return best
}

func parseRatio(s string) (float64, bool) {
	w, h, ok := strings.Cut(s, ":")
	if !ok {
		return 0, false
	}
	wf, err1 := strconv.ParseFloat(strings.TrimSpace(w), 64)
	hf, err2 := strconv.ParseFloat(strings.TrimSpace(h), 64)
	if err1 != nil || err2 != nil || wf <= 0 || hf <= 0 {
		return 0, false
	}
	return wf / hf, true
}

// clampResolution keeps supported tiers and lowers over-budget ones to the highest supported
func clampResolution(requested string, supported []string) string {
	requested = strings.ToUpper(strings.TrimSpace(requested))
	if slices.Contains(supported, requested) {
		return requested
	}
	rank := slices.Index(resolutionTiers, requested)
	if rank < 0 {
		return supported[0]
	}
	best := supported[0]
	for _, tier := range supported {
		if slices.Index(resolutionTiers, tier) <= rank {
			best = tier
		}
	}
	return best
}

func normalizeFormat(format string) string {
	switch f := strings.ToLower(strings.TrimSpace(format)); f {
	case "jpeg":
		return "jpg"
	default:
		return f
	}
}
