package synthesis

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/Conceptual-Machines/nativeads-api/internal/media"
	"github.com/Conceptual-Machines/nativeads-api/internal/metrics"
	"github.com/Conceptual-Machines/nativeads-api/internal/models"
	"github.com/Conceptual-Machines/nativeads-api/internal/storage"
)

// Backend is one vendor image API
type Backend interface {
	Generate(ctx context.Context, req BackendRequest) (*media.Image, error)
}

// BackendRequest is a normalized call to a Backend
type BackendRequest struct {
	VendorModel string
	Prompt      string
	Applied     Applied
	References  []*media.Image
}

// Request is the uniform input of the adapter
type Request struct {
	Prompt          string
	ReferenceImages []string
	Settings        models.Settings
}

// Result is the uniform output of the adapter. Failures are data, never errors.
type Result struct {
	Success        bool     `json:"success"`
	ImageURL       string   `json:"imageUrl,omitempty"`
	EnhancedPrompt string   `json:"enhancedPrompt,omitempty"`
	Settings       *Applied `json:"settings,omitempty"`
	Error          string   `json:"error,omitempty"`
}

func failure(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Adapter normalizes every supported image model behind one contract
type Adapter struct {
	backends     map[string]Backend
	mirror       storage.Mirror
	defaultModel string
	metrics      metrics.Recorder
}

// NewAdapter creates an adapter. backends is keyed by backend kind.
func NewAdapter(backends map[string]Backend, mirror storage.Mirror, defaultModel string, recorder metrics.Recorder) *Adapter {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	kinds := make([]string, 0, len(backends))
	for kind := range backends {
		kinds = append(kinds, kind)
	}
	log.Printf("🎨 SYNTHESIS ADAPTER INITIALIZED: default=%s backends=%v", defaultModel, kinds)

	return &Adapter{
		backends:     backends,
		mirror:       mirror,
		defaultModel: defaultModel,
		metrics:      recorder,
	}
}

// Available reports whether a model's backend is configured
func (a *Adapter) Available(id ModelID) bool {
	caps, ok := Lookup(id)
	if !ok {
		return false
	}
	_, ok = a.backends[caps.Backend]
	return ok
}

// Generate synthesizes one image and mirrors it to durable storage.
// It never returns an error and recovers from backend panics.
func (a *Adapter) Generate(ctx context.Context, req Request) (result Result) {
	startTime := time.Now()
	settings := WithDefaults(req.Settings, a.defaultModel)

	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Synthesis panic: %v", r)
			result = failure("image generation failed unexpectedly")
		}
		a.metrics.RecordSynthesis(ctx, settings.Model, time.Since(startTime), result.Success)
	}()

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return failure("prompt is required")
	}

	caps, ok := Lookup(ModelID(settings.Model))
	if !ok {
		return failure("unsupported image model %q", settings.Model)
	}
	backend, ok := a.backends[caps.Backend]
	if !ok {
		return failure("image model %q is not configured", settings.Model)
	}

	applied := Normalize(caps, settings)
	for _, adj := range applied.Adjustments {
		log.Printf("🔧 %s: %s", caps.ID, adj)
	}

	refURLs := MergeReferences(nil, req.ReferenceImages, caps.MaxRefs)
	if dropped := len(req.ReferenceImages) - len(refURLs); dropped > 0 && caps.MaxRefs == 0 {
		log.Printf("⚠️  %s takes no reference images, ignoring %d", caps.ID, dropped)
	}
	references := make([]*media.Image, 0, len(refURLs))
	for _, u := range refURLs {
		img, err := media.ParseDataURL(u)
		if err != nil {
			return failure("invalid reference image: %v", err)
		}
		references = append(references, img)
	}

	transaction := sentry.StartTransaction(ctx, "synthesis.generate")
	defer transaction.Finish()
	transaction.SetTag("model", string(caps.ID))
	transaction.SetData("references", len(references))

	log.Printf("🎨 SYNTHESIS STARTED: model=%s ratio=%s res=%s refs=%d prompt=%q",
		caps.ID, applied.AspectRatio, applied.Resolution, len(references), truncate(prompt, 80))

	img, err := backend.Generate(transaction.Context(), BackendRequest{
		VendorModel: caps.VendorModel,
		Prompt:      prompt,
		Applied:     applied,
		References:  references,
	})
	if err != nil {
		transaction.Status = sentry.SpanStatusInternalError
		log.Printf("❌ Synthesis failed after %v: %v", time.Since(startTime), err)
		return failure("%v", err)
	}
	if img == nil || len(img.Data) == 0 {
		transaction.Status = sentry.SpanStatusInternalError
		return failure("image model returned no image")
	}

	mirrorSpan := transaction.StartChild("storage.mirror")
	url, err := a.mirror.MirrorDataURL(mirrorSpan.Context(), img.DataURL(), storage.GeneratedPath(img.Extension()))
	mirrorSpan.Finish()
	if err != nil {
		transaction.Status = sentry.SpanStatusInternalError
		log.Printf("❌ Mirroring failed: %v", err)
		return failure("could not store the generated image: %v", err)
	}

	log.Printf("✅ SYNTHESIS COMPLETED in %v: %s", time.Since(startTime), url)
	return Result{
		Success:        true,
		ImageURL:       url,
		EnhancedPrompt: prompt,
		Settings:       &applied,
	}
}

// MergeReferences keeps data: URLs only, model-provided first, de-duplicated and capped.
// Remote URLs are dropped: the model cannot be trusted to name fetchable ones.
func MergeReferences(modelProvided, serverExtracted []string, limit int) []string {
	if limit > MaxReferenceImages {
		limit = MaxReferenceImages
	}
	if limit <= 0 {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, list := range [][]string{modelProvided, serverExtracted} {
		for _, u := range list {
			if !media.IsDataURL(u) || seen[u] {
				continue
			}
			seen[u] = true
			out = append(out, u)
			if len(out) == limit {
				return out
			}
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
