package synthesis

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Conceptual-Machines/nativeads-api/internal/media"
	"github.com/Conceptual-Machines/nativeads-api/internal/models"
)

type fakeBackend struct {
	requests []BackendRequest
	image    *media.Image
	err      error
	panics   bool
}

func (f *fakeBackend) Generate(_ context.Context, req BackendRequest) (*media.Image, error) {
	f.requests = append(f.requests, req)
	if f.panics {
		panic("boom")
	}
	return f.image, f.err
}

type fakeMirror struct {
	paths []string
	err   error
}

func (f *fakeMirror) MirrorDataURL(_ context.Context, dataURL, p string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if !media.IsDataURL(dataURL) {
		return "", media.ErrNotDataURL
	}
	f.paths = append(f.paths, p)
	return "https://cdn.example.com/" + p, nil
}

func (f *fakeMirror) MirrorURL(_ context.Context, _, p string) (string, error) {
	return "https://cdn.example.com/" + p, f.err
}

var jpeg = &media.Image{MIMEType: "image/jpeg", Data: []byte{0xff, 0xd8, 0xff}}

func newTestAdapter(backend *fakeBackend, mirror *fakeMirror) *Adapter {
	return NewAdapter(map[string]Backend{
		backendGeminiImage: backend,
		backendImagen:      backend,
	}, mirror, string(ModelNanoBananaPro), nil)
}

func TestGenerate_Success(t *testing.T) {
	backend := &fakeBackend{image: jpeg}
	mirror := &fakeMirror{}
	adapter := newTestAdapter(backend, mirror)

	ref := media.EncodeDataURL("image/png", []byte("ref"))
	result := adapter.Generate(context.Background(), Request{
		Prompt:          "  a cat on a sofa, iphone style, low-fi image ",
		ReferenceImages: []string{ref, "https://example.com/remote.png", ref},
	})

	require.True(t, result.Success, result.Error)
	assert.True(t, strings.HasPrefix(result.ImageURL, "https://cdn.example.com/generated/"))
	assert.True(t, strings.HasSuffix(result.ImageURL, ".jpg"))
	assert.Equal(t, "a cat on a sofa, iphone style, low-fi image", result.EnhancedPrompt)
	require.NotNil(t, result.Settings)
	assert.Equal(t, ModelNanoBananaPro, result.Settings.Model)
	assert.Equal(t, "4:5", result.Settings.AspectRatio)
	assert.Equal(t, "1K", result.Settings.Resolution)
	assert.Equal(t, "jpg", result.Settings.OutputFormat)

	require.Len(t, backend.requests, 1)
	assert.Equal(t, "gemini-3-pro-image-preview", backend.requests[0].VendorModel)
	assert.Len(t, backend.requests[0].References, 1, "remote and duplicate references are dropped")
}

func TestGenerate_Failures(t *testing.T) {
	tests := []struct {
		name     string
		backend  *fakeBackend
		mirror   *fakeMirror
		request  Request
		contains string
	}{
		{
			name:     "empty prompt",
			backend:  &fakeBackend{image: jpeg},
			mirror:   &fakeMirror{},
			request:  Request{Prompt: "   "},
			contains: "prompt is required",
		},
		{
			name:     "unknown model",
			backend:  &fakeBackend{image: jpeg},
			mirror:   &fakeMirror{},
			request:  Request{Prompt: "x", Settings: models.Settings{Model: "acme/unknown"}},
			contains: "unsupported image model",
		},
		{
			name:     "backend not configured",
			backend:  &fakeBackend{image: jpeg},
			mirror:   &fakeMirror{},
			request:  Request{Prompt: "x", Settings: models.Settings{Model: string(ModelGPTImage1)}},
			contains: "not configured",
		},
		{
			name:     "vendor error",
			backend:  &fakeBackend{err: errors.New("quota exceeded")},
			mirror:   &fakeMirror{},
			request:  Request{Prompt: "x"},
			contains: "quota exceeded",
		},
		{
			name:     "no image",
			backend:  &fakeBackend{},
			mirror:   &fakeMirror{},
			request:  Request{Prompt: "x"},
			contains: "no image",
		},
		{
			name:     "mirror failure",
			backend:  &fakeBackend{image: jpeg},
			mirror:   &fakeMirror{err: errors.New("bucket gone")},
			request:  Request{Prompt: "x"},
			contains: "bucket gone",
		},
		{
			name:     "panic",
			backend:  &fakeBackend{panics: true},
			mirror:   &fakeMirror{},
			request:  Request{Prompt: "x"},
			contains: "unexpectedly",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := newTestAdapter(tt.backend, tt.mirror).Generate(context.Background(), tt.request)
			assert.False(t, result.Success)
			assert.Empty(t, result.ImageURL)
			assert.Contains(t, result.Error, tt.contains)
		})
	}
}

func TestGenerate_ModelWithoutReferences(t *testing.T) {
	backend := &fakeBackend{image: jpeg}
	adapter := newTestAdapter(backend, &fakeMirror{})

	result := adapter.Generate(context.Background(), Request{
		Prompt:          "x",
		ReferenceImages: []string{media.EncodeDataURL("image/png", []byte("ref"))},
		Settings:        models.Settings{Model: string(ModelImagen4), AspectRatio: "4:5", Resolution: "4K"},
	})

	require.True(t, result.Success, result.Error)
	require.Len(t, backend.requests, 1)
	assert.Empty(t, backend.requests[0].References)
	assert.Equal(t, "3:4", result.Settings.AspectRatio)
	assert.Equal(t, "2K", result.Settings.Resolution)
	assert.Equal(t, "block_only_high", result.Settings.SafetyFilterLevel)
	assert.Len(t, result.Settings.Adjustments, 2)
}

func TestMergeReferences(t *testing.T) {
	a := media.EncodeDataURL("image/png", []byte("a"))
	b := media.EncodeDataURL("image/png", []byte("b"))
	c := media.EncodeDataURL("image/png", []byte("c"))

	assert.Equal(t, []string{b, a, c}, MergeReferences([]string{b, "https://x/y.png"}, []string{a, b, c}, 14))
	assert.Equal(t, []string{a, b}, MergeReferences(nil, []string{a, b, c}, 2))
	assert.Nil(t, MergeReferences([]string{a}, nil, 0))

	many := make([]string, 20)
	for i := range many {
		many[i] = media.EncodeDataURL("image/png", []byte{byte(i)})
	}
	assert.Len(t, MergeReferences(many, nil, 50), MaxReferenceImages)
}

func TestNormalize(t *testing.T) {
	caps, ok := Lookup(ModelGPTImage1)
	require.True(t, ok)

	applied := Normalize(caps, models.Settings{AspectRatio: "9:16", Resolution: "2K", OutputFormat: "JPEG"})
	assert.Equal(t, "2:3", applied.AspectRatio)
	assert.Equal(t, "1K", applied.Resolution)
	assert.Equal(t, "jpg", applied.OutputFormat)
	assert.Empty(t, applied.SafetyFilterLevel)

	// Unparseable ratios fall back to the nearest match for 4:5
	applied = Normalize(caps, models.Settings{AspectRatio: "garbage", Resolution: "8K", OutputFormat: "gif"})
	assert.Equal(t, "2:3", applied.AspectRatio)
	assert.Equal(t, "1K", applied.Resolution)
	assert.Equal(t, "jpg", applied.OutputFormat)
	assert.Len(t, applied.Adjustments, 3)
}

func TestNormalize_GeminiImageStaysAt1K(t *testing.T) {
	caps, ok := Lookup(ModelNanoBananaPro)
	require.True(t, ok)

	applied := Normalize(caps, models.Settings{AspectRatio: "4:5", Resolution: "4K", OutputFormat: "png"})
	assert.Equal(t, "1K", applied.Resolution)
	assert.Equal(t, "4:5", applied.AspectRatio)
	assert.Contains(t, applied.Adjustments, "resolution 4K -> 1K")
}

func TestWithDefaults(t *testing.T) {
	s := WithDefaults(models.Settings{AspectRatio: "1:1"}, string(ModelNanoBanana))
	assert.Equal(t, string(ModelNanoBanana), s.Model)
	assert.Equal(t, "1:1", s.AspectRatio)
	assert.Equal(t, DefaultResolution, s.Resolution)
	assert.Equal(t, DefaultOutputFormat, s.OutputFormat)
	assert.Equal(t, DefaultSafetyFilterLevel, s.SafetyFilterLevel)
}

func TestCatalog(t *testing.T) {
	list := Catalog()
	require.Len(t, list, 4)
	assert.Equal(t, ModelNanoBananaPro, list[0].ID)
	for _, caps := range list {
		assert.NotEmpty(t, caps.VendorModel)
		assert.NotEmpty(t, caps.Formats)
		assert.LessOrEqual(t, caps.MaxRefs, MaxReferenceImages)
	}
}
