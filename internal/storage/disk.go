package storage

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/Conceptual-Machines/nativeads-api/internal/media"
)

type diskBackend struct {
	dir           string
	publicBaseURL string
}

// NewDiskMirror creates a Mirror writing under dir.
// publicBaseURL is where the router serves dir, e.g. http://localhost:8080/images.
func NewDiskMirror(dir, publicBaseURL string, loader Loader) (Mirror, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create mirror dir: %w", err)
	}
	log.Printf("💾 Disk mirror: dir=%s public=%s", dir, publicBaseURL)
	return &mirror{
		backend: &diskBackend{dir: dir, publicBaseURL: publicBaseURL},
		loader:  loader,
	}, nil
}

func (b *diskBackend) put(ctx context.Context, key string, img *media.Image) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target := filepath.Join(b.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", filepath.Dir(target), err)
	}

	// Write then rename so readers never see a partial file
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, img.Data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("rename %s: %w", key, err)
	}
	return joinURL(b.publicBaseURL, key), nil
}
