// Package export crops a mosaic and writes it as a georeferenced raster file.
package export

import (
	"fmt"
	"image"
	"image/png"
	"io"
	"strings"

	"github.com/kiesman99/geostitch/internal/georef"
	"github.com/kiesman99/geostitch/pkg/geotiff"
)

// Encoder turns pixels and their georeference into file bytes
type Encoder interface {
	Encode(w io.Writer, img image.Image, gt georef.GeoTransform) error
	// Ext is the file suffix including the dot
	Ext() string
	// WorldFileExt is the suffix of the side-car world file
	WorldFileExt() string
	MIMEType() string
}

// GeoTIFF embeds the transform as ModelPixelScale, ModelTiepoint and GeoKeys
type GeoTIFF struct{}

// Encode writes img as an RGBA GeoTIFF. Rotated transforms are refused.
func (GeoTIFF) Encode(w io.Writer, img image.Image, gt georef.GeoTransform) error {
	if gt.RotationX != 0 || gt.RotationY != 0 {
		return fmt.Errorf("rotated transforms cannot be expressed with a tiepoint and pixel scale")
	}
	return geotiff.Encode(w, img, &geotiff.Georef{
		OriginX:     gt.OriginX,
		OriginY:     gt.OriginY,
		PixelWidth:  gt.PixelWidth,
		PixelHeight: gt.PixelHeight,
		EPSG:        gt.EPSG,
	})
}

func (GeoTIFF) Ext() string          { return ".tif" }
func (GeoTIFF) WorldFileExt() string { return georef.WorldFileExt(".tif") }
func (GeoTIFF) MIMEType() string     { return "image/tiff" }

// PNG carries no georeference of its own; pair it with a world file
type PNG struct {
	Compression png.CompressionLevel
}

// Encode writes img as PNG; the transform goes into the world file instead
func (p PNG) Encode(w io.Writer, img image.Image, _ georef.GeoTransform) error {
	enc := png.Encoder{CompressionLevel: p.Compression}
	return enc.Encode(w, img)
}

func (PNG) Ext() string          { return ".png" }
func (PNG) WorldFileExt() string { return georef.WorldFileExt(".png") }
func (PNG) MIMEType() string     { return "image/png" }

// ForFormat returns the encoder for an output format name or file suffix
func ForFormat(name string) (Encoder, error) {
	switch strings.TrimPrefix(strings.ToLower(name), ".") {
	case "geotiff", "gtiff", "tif", "tiff":
		return GeoTIFF{}, nil
	case "png":
		return PNG{}, nil
	}
	return nil, fmt.Errorf("unknown output format %q", name)
}
