package tile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"time"

	"golang.org/x/image/webp"
)

// DefaultUserAgent is sent with every tile request unless overridden
const DefaultUserAgent = "geostitch/1.0"

// HTTPClient downloads tiles over HTTP and classifies failures as transient or permanent
type HTTPClient struct {
	client    *http.Client
	userAgent string
	headers   map[string]string
}

// NewHTTPClient creates a tile client with system proxy support
func NewHTTPClient(userAgent string, headers map[string]string) *HTTPClient {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &HTTPClient{
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
		},
		userAgent: userAgent,
		headers:   headers,
	}
}

// WithHTTPClient swaps the underlying client, mostly for tests
func (c *HTTPClient) WithHTTPClient(hc *http.Client) *HTTPClient {
	c.client = hc
	return c
}

// Fetch downloads a tile from the given URL
func (c *HTTPClient) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}

	req.Header.Set("User-Agent", c.userAgent)
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// a cancelled caller is not something a retry can fix
		transient := !errors.Is(err, context.Canceled)
		return nil, &FetchError{URL: url, Transient: transient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &FetchError{
			URL:        url,
			StatusCode: resp.StatusCode,
			Transient:  transientStatus(resp.StatusCode),
			Err:        fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{URL: url, Transient: true, Err: err}
	}
	if len(data) == 0 {
		return nil, &FetchError{URL: url, StatusCode: resp.StatusCode, Err: errors.New("empty tile")}
	}
	return data, nil
}

// transientStatus reports whether a status code is worth retrying
func transientStatus(code int) bool {
	switch {
	case code >= 500:
		return true
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// Decoder turns tile bytes into pixels
type Decoder interface {
	Decode(data []byte, format ImageFormat) (image.Image, error)
}

// SniffDecoder detects the image format from magic bytes and falls back to the declared format
type SniffDecoder struct{}

// Decode detects image format and decodes
func (SniffDecoder) Decode(data []byte, format ImageFormat) (image.Image, error) {
	detected := Sniff(data)
	if detected == "" {
		detected = format
	}

	r := bytes.NewReader(data)
	switch detected {
	case FormatPNG:
		return png.Decode(r)
	case FormatJPEG:
		return jpeg.Decode(r)
	case FormatGIF:
		return gif.Decode(r)
	case FormatWebP:
		return webp.Decode(r)
	}

	return nil, fmt.Errorf("unrecognized image format")
}

// Sniff returns the format announced by the leading magic bytes, or "" when unknown
func Sniff(data []byte) ImageFormat {
	switch {
	case len(data) >= 4 && bytes.Equal(data[:4], []byte{0x89, 0x50, 0x4E, 0x47}):
		return FormatPNG
	case len(data) >= 2 && bytes.Equal(data[:2], []byte{0xFF, 0xD8}):
		return FormatJPEG
	case len(data) >= 6 && (bytes.Equal(data[:6], []byte("GIF87a")) || bytes.Equal(data[:6], []byte("GIF89a"))):
		return FormatGIF
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return FormatWebP
	}
	return ""
}
