package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func TestDataURLRoundTrip(t *testing.T) {
	url := EncodeDataURL("image/png", pngHeader)

	img, err := ParseDataURL(url)
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.MIMEType)
	assert.Equal(t, pngHeader, img.Data)
	assert.Equal(t, "png", img.Extension())
	assert.Equal(t, url, img.DataURL())
}

func TestParseDataURLErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"not a data url", "https://example.com/a.jpg"},
		{"missing payload", "data:image/png;base64"},
		{"not base64", "data:image/png,raw"},
		{"bad base64", "data:image/png;base64,!!!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDataURL(tt.in)
			assert.Error(t, err)
		})
	}
}

func TestFetcherLoadHTTP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(pngHeader)
		case "/text":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("hello"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	fetcher := NewFetcher(0)

	img, err := fetcher.Load(context.Background(), server.URL+"/ok.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.MIMEType)

	_, err = fetcher.Load(context.Background(), server.URL+"/text")
	assert.ErrorIs(t, err, ErrUnexpectedImage)

	_, err = fetcher.Load(context.Background(), server.URL+"/missing")
	assert.Error(t, err)

	_, err = fetcher.Load(context.Background(), "ftp://example.com/a.png")
	assert.ErrorIs(t, err, ErrUnsupportedURL)
}

func TestFetcherSizeLimit(t *testing.T) {
	fetcher := NewFetcher(0)
	fetcher.maxBytes = 4

	_, err := fetcher.Load(context.Background(), EncodeDataURL("image/png", pngHeader))
	assert.ErrorIs(t, err, ErrImageTooLarge)
}

func TestMIMETypeFor(t *testing.T) {
	assert.Equal(t, "image/jpeg", MIMETypeFor("jpg"))
	assert.Equal(t, "image/png", MIMETypeFor("PNG"))
	assert.Equal(t, "image/webp", MIMETypeFor("webp"))
}
