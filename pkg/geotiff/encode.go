// Package geotiff writes uncompressed RGBA GeoTIFFs with an affine georeference.
package geotiff

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"sort"
)

// TIFF field types
const (
	typeByte     = 1
	typeASCII    = 2
	typeShort    = 3
	typeLong     = 4
	typeRational = 5
	typeDouble   = 12
)

// TIFF and GeoTIFF tags
const (
	TagImageWidth                = 256
	TagImageLength               = 257
	TagBitsPerSample             = 258
	TagCompression               = 259
	TagPhotometricInterpretation = 262
	TagStripOffsets              = 273
	TagSamplesPerPixel           = 277
	TagRowsPerStrip              = 278
	TagStripByteCounts           = 279
	TagXResolution               = 282
	TagYResolution               = 283
	TagResolutionUnit            = 296
	TagSoftware                  = 305
	TagExtraSamples              = 338

	TagModelPixelScale = 33550
	TagModelTiepoint   = 33922
	TagGeoKeyDirectory = 34735
	TagGeoDoubleParams = 34736
	TagGeoAsciiParams  = 34737
)

// GeoKey ids
const (
	KeyGTModelType          = 1024
	KeyGTRasterType         = 1025
	KeyGTCitation           = 1026
	KeyProjectedCSType      = 3072
	KeyProjLinearUnits      = 3076
	modelTypeProjected      = 1
	rasterPixelIsArea       = 1
	linearUnitMetre         = 9001
	extraSampleAssocAlpha   = 1
	photometricRGB          = 2
	compressionNone         = 1
	resolutionUnitInch      = 2
	bytesPerPixel           = 4
	maxStripBytes           = math.MaxUint32
	softwareName            = "geostitch"
	webMercatorEPSG         = 3857
	webMercatorCitationName = "WGS 84 / Pseudo-Mercator"
)

// Georef places the raster in a projected coordinate system. Origin is the outer corner
// of the top-left pixel; PixelHeight is negative for north-up images.
type Georef struct {
	OriginX, OriginY        float64
	PixelWidth, PixelHeight float64
	EPSG                    int
	Citation                string
}

var le = binary.LittleEndian

type ifdEntry struct {
	tag      uint16
	datatype uint16
	count    uint32
	data     []byte
}

// Encode writes m as a single-strip RGBA TIFF. When geo is non-nil the GeoTIFF
// model tags and key directory are added.
func Encode(w io.Writer, m image.Image, geo *Georef) error {
	b := m.Bounds()
	width, height := b.Dx(), b.Dy()
	if width <= 0 || height <= 0 {
		return errors.New("geotiff: empty image")
	}
	stripLen := uint64(width) * uint64(height) * bytesPerPixel
	if stripLen > maxStripBytes {
		return fmt.Errorf("geotiff: image %dx%d too large for a classic TIFF", width, height)
	}

	entries := []ifdEntry{
		{TagImageWidth, typeLong, 1, u32(uint32(width))},
		{TagImageLength, typeLong, 1, u32(uint32(height))},
		{TagBitsPerSample, typeShort, 4, u16s(8, 8, 8, 8)},
		{TagCompression, typeShort, 1, u16s(compressionNone)},
		{TagPhotometricInterpretation, typeShort, 1, u16s(photometricRGB)},
		{TagStripOffsets, typeLong, 1, u32(0)},
		{TagSamplesPerPixel, typeShort, 1, u16s(bytesPerPixel)},
		{TagRowsPerStrip, typeLong, 1, u32(uint32(height))},
		{TagStripByteCounts, typeLong, 1, u32(uint32(stripLen))},
		{TagXResolution, typeRational, 1, rational(72, 1)},
		{TagYResolution, typeRational, 1, rational(72, 1)},
		{TagResolutionUnit, typeShort, 1, u16s(resolutionUnitInch)},
		{TagSoftware, typeASCII, uint32(len(softwareName) + 1), ascii(softwareName)},
		// image.RGBA is alpha-premultiplied, which TIFF calls associated alpha
		{TagExtraSamples, typeShort, 1, u16s(extraSampleAssocAlpha)},
	}
	if geo != nil {
		entries = append(entries, geoEntries(geo)...)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	const headerLen = 8
	ifdLen := 2 + 12*len(entries) + 4
	valueOffset := headerLen + ifdLen

	// values wider than four bytes live between the IFD and the pixels
	var values bytes.Buffer
	for i := range entries {
		e := &entries[i]
		if len(e.data) <= 4 {
			continue
		}
		off := valueOffset + values.Len()
		values.Write(e.data)
		if values.Len()%2 == 1 {
			values.WriteByte(0) // word alignment
		}
		e.data = u32(uint32(off))
	}
	pixelOffset := uint32(valueOffset + values.Len())
	for i := range entries {
		if entries[i].tag == TagStripOffsets {
			entries[i].data = u32(pixelOffset)
		}
	}

	bw := bufio.NewWriterSize(w, 1<<16)
	bw.Write([]byte{'I', 'I', 42, 0})
	binary.Write(bw, le, uint32(headerLen))

	binary.Write(bw, le, uint16(len(entries)))
	for _, e := range entries {
		binary.Write(bw, le, e.tag)
		binary.Write(bw, le, e.datatype)
		binary.Write(bw, le, e.count)
		var field [4]byte
		copy(field[:], e.data)
		bw.Write(field[:])
	}
	binary.Write(bw, le, uint32(0))
	values.WriteTo(bw)

	if err := writePixels(bw, m); err != nil {
		return err
	}
	return bw.Flush()
}

// writePixels streams rows so the raster is never copied as a whole
func writePixels(w *bufio.Writer, m image.Image) error {
	b := m.Bounds()
	if rgba, ok := m.(*image.RGBA); ok {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			start := rgba.PixOffset(b.Min.X, y)
			if _, err := w.Write(rgba.Pix[start : start+b.Dx()*bytesPerPixel]); err != nil {
				return err
			}
		}
		return nil
	}

	row := make([]byte, b.Dx()*bytesPerPixel)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.RGBAModel.Convert(m.At(x, y)).(color.RGBA)
			i := (x - b.Min.X) * bytesPerPixel
			row[i], row[i+1], row[i+2], row[i+3] = c.R, c.G, c.B, c.A
		}
		if _, err := w.Write(row); err != nil {
			return err
		}
	}
	return nil
}

func geoEntries(g *Georef) []ifdEntry {
	citation := g.Citation
	if citation == "" && g.EPSG == webMercatorEPSG {
		citation = webMercatorCitationName
	}
	asciiParams := citation + "|"

	keys := [][4]uint16{
		{KeyGTModelType, 0, 1, modelTypeProjected},
		{KeyGTRasterType, 0, 1, rasterPixelIsArea},
		{KeyGTCitation, TagGeoAsciiParams, uint16(len(asciiParams)), 0},
		{KeyProjectedCSType, 0, 1, uint16(g.EPSG)},
		{KeyProjLinearUnits, 0, 1, linearUnitMetre},
	}
	dir := []uint16{1, 1, 0, uint16(len(keys))}
	for _, k := range keys {
		dir = append(dir, k[:]...)
	}

	return []ifdEntry{
		{TagModelPixelScale, typeDouble, 3, doubles(g.PixelWidth, -g.PixelHeight, 0)},
		{TagModelTiepoint, typeDouble, 6, doubles(0, 0, 0, g.OriginX, g.OriginY, 0)},
		{TagGeoKeyDirectory, typeShort, uint32(len(dir)), u16s(dir...)},
		{TagGeoAsciiParams, typeASCII, uint32(len(asciiParams) + 1), ascii(asciiParams)},
	}
}

func u16s(vs ...uint16) []byte {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		le.PutUint16(b[2*i:], v)
	}
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	le.PutUint32(b, v)
	return b
}

func rational(num, den uint32) []byte {
	b := make([]byte, 8)
	le.PutUint32(b, num)
	le.PutUint32(b[4:], den)
	return b
}

func doubles(vs ...float64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		le.PutUint64(b[8*i:], math.Float64bits(v))
	}
	return b
}

func ascii(s string) []byte {
	return append([]byte(s), 0)
}
