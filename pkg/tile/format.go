package tile

import (
	"fmt"
	"path"
	"strings"
)

// ImageFormat identifies the encoding of tile images served by a map service
type ImageFormat string

const (
	FormatPNG  ImageFormat = "png"
	FormatJPEG ImageFormat = "jpeg"
	FormatGIF  ImageFormat = "gif"
	FormatWebP ImageFormat = "webp"
)

var formatSuffixes = map[ImageFormat][]string{
	FormatPNG:  {".png"},
	FormatJPEG: {".jpg", ".jpeg", ".jpe"},
	FormatGIF:  {".gif"},
	FormatWebP: {".webp"},
}

var formatMIMETypes = map[ImageFormat]string{
	FormatPNG:  "image/png",
	FormatJPEG: "image/jpeg",
	FormatGIF:  "image/gif",
	FormatWebP: "image/webp",
}

// MIMEType returns the media type of the format
func (f ImageFormat) MIMEType() string {
	return formatMIMETypes[f]
}

// Suffix returns the default file suffix including the dot
func (f ImageFormat) Suffix() string {
	if s, ok := formatSuffixes[f]; ok {
		return s[0]
	}
	return ""
}

// Valid reports whether f is one of the known formats
func (f ImageFormat) Valid() bool {
	_, ok := formatSuffixes[f]
	return ok
}

// ParseImageFormat accepts a format name, file suffix or MIME type
func ParseImageFormat(s string) (ImageFormat, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for f, mime := range formatMIMETypes {
		if s == string(f) || s == mime {
			return f, nil
		}
	}
	if !strings.HasPrefix(s, ".") {
		s = "." + s
	}
	for f, suffixes := range formatSuffixes {
		for _, suffix := range suffixes {
			if s == suffix {
				return f, nil
			}
		}
	}
	return "", fmt.Errorf("unknown image format: %q", s)
}

// GuessImageFormat infers the tile format from the suffix of a tile URL path
func GuessImageFormat(rawURL string) (ImageFormat, bool) {
	// templates carry placeholders that url.Parse rejects in host names
	p, _, _ := strings.Cut(rawURL, "?")
	p, _, _ = strings.Cut(p, "#")
	if _, rest, ok := strings.Cut(p, "://"); ok {
		p = rest
	}
	if i := strings.Index(p, "/"); i >= 0 {
		p = p[i:]
	} else {
		return "", false
	}
	ext := path.Ext(p)
	if ext == "" {
		return "", false
	}
	f, err := ParseImageFormat(ext)
	if err != nil {
		return "", false
	}
	return f, true
}
