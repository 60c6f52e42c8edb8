package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Conceptual-Machines/nativeads-api/internal/media"
)

var ErrInvalidPath = errors.New("invalid storage path")

// Mirror copies images to durable storage and returns a stable public URL
type Mirror interface {
	// MirrorDataURL decodes a data: URL and stores it at path
	MirrorDataURL(ctx context.Context, dataURL, path string) (string, error)
	// MirrorURL downloads sourceURL and stores it at path
	MirrorURL(ctx context.Context, sourceURL, path string) (string, error)
}

// Loader fetches image bytes for MirrorURL
type Loader interface {
	Load(ctx context.Context, url string) (*media.Image, error)
}

// putter is what each backend actually implements
type putter interface {
	put(ctx context.Context, key string, img *media.Image) (string, error)
}

// mirror adapts a putter into a Mirror
type mirror struct {
	backend putter
	loader  Loader
}

func (m *mirror) MirrorDataURL(ctx context.Context, dataURL, p string) (string, error) {
	key, err := cleanKey(p)
	if err != nil {
		return "", err
	}
	img, err := media.ParseDataURL(dataURL)
	if err != nil {
		return "", err
	}
	return m.backend.put(ctx, key, img)
}

func (m *mirror) MirrorURL(ctx context.Context, sourceURL, p string) (string, error) {
	key, err := cleanKey(p)
	if err != nil {
		return "", err
	}
	img, err := m.loader.Load(ctx, sourceURL)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", sourceURL, err)
	}
	return m.backend.put(ctx, key, img)
}

// GeneratedPath returns a unique key for a generated image
func GeneratedPath(ext string) string {
	return fmt.Sprintf("generated/%s/%s.%s", time.Now().UTC().Format("2006/01"), uuid.NewString(), ext)
}

// ReferencePath returns a unique key for a user-attached reference image
func ReferencePath(ext string) string {
	return fmt.Sprintf("references/%s/%s.%s", time.Now().UTC().Format("2006/01"), uuid.NewString(), ext)
}

func cleanKey(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	for _, segment := range strings.Split(p, "/") {
		if segment == ".." || segment == "." || segment == "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return path.Clean(p), nil
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}
