package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultFetchTimeout = 30 * time.Second
	// DefaultMaxBytes caps any single image we load into memory
	DefaultMaxBytes = 20 << 20
)

var (
	ErrNotDataURL      = errors.New("not a data URL")
	ErrUnsupportedURL  = errors.New("unsupported image URL scheme")
	ErrImageTooLarge   = errors.New("image exceeds size limit")
	ErrUnexpectedImage = errors.New("unexpected content type")
)

// Image is a decoded image payload
type Image struct {
	MIMEType string
	Data     []byte
}

// DataURL re-encodes the image as a base64 data URL
func (img *Image) DataURL() string {
	return EncodeDataURL(img.MIMEType, img.Data)
}

// Extension returns a file extension for the MIME type
func (img *Image) Extension() string {
	return ExtensionFor(img.MIMEType)
}

// IsDataURL reports whether s is a data: URL
func IsDataURL(s string) bool {
	return strings.HasPrefix(s, "data:")
}

// EncodeDataURL builds a base64 data URL
func EncodeDataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// ParseDataURL decodes a base64 data URL
func ParseDataURL(s string) (*Image, error) {
	if !IsDataURL(s) {
		return nil, ErrNotDataURL
	}
	header, payload, ok := strings.Cut(strings.TrimPrefix(s, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("malformed data URL: missing payload")
	}
	mimeType, encoding, _ := strings.Cut(header, ";")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	if encoding != "base64" {
		return nil, fmt.Errorf("malformed data URL: only base64 payloads are supported")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("malformed data URL: %w", err)
	}
	return &Image{MIMEType: mimeType, Data: data}, nil
}

// ExtensionFor maps an image MIME type to a file extension
func ExtensionFor(mimeType string) string {
	switch mimeType {
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "jpg"
	}
}

// MIMETypeFor maps an output format name to its MIME type
func MIMETypeFor(format string) string {
	switch strings.ToLower(format) {
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// Fetcher loads images from data: or http(s) URLs
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewFetcher creates a Fetcher with the given timeout (0 uses the default)
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: DefaultMaxBytes,
	}
}

// Load returns the bytes behind an image URL
func (f *Fetcher) Load(ctx context.Context, url string) (*Image, error) {
	if IsDataURL(url) {
		img, err := ParseDataURL(url)
		if err != nil {
			return nil, err
		}
		if int64(len(img.Data)) > f.maxBytes {
			return nil, ErrImageTooLarge
		}
		return img, nil
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedURL, truncateURL(url))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build image request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch image: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, ErrImageTooLarge
	}

	mimeType := strings.TrimSpace(strings.Split(resp.Header.Get("Content-Type"), ";")[0])
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedImage, mimeType)
	}
	return &Image{MIMEType: mimeType, Data: data}, nil
}

// truncateURL keeps data URLs out of logs and error strings
func truncateURL(url string) string {
	const maxLen = 64
	if len(url) <= maxLen {
		return url
	}
	return url[:maxLen] + "..."
}
