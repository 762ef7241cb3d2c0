package export

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kiesman99/geostitch/internal/georef"
	"github.com/kiesman99/geostitch/internal/mosaic"
	"github.com/kiesman99/geostitch/pkg/tile"
)

// Options tunes Export
type Options struct {
	// WorldFile writes a side-car next to the raster
	WorldFile bool
	Logger    logrus.FieldLogger
}

// Output describes a written raster
type Output struct {
	Path          string              `json:"path"`
	WorldFilePath string              `json:"world_file_path,omitempty"`
	Width         int                 `json:"width"`
	Height        int                 `json:"height"`
	Bytes         int64               `json:"bytes"`
	GeoTransform  georef.GeoTransform `json:"geo_transform"`
}

// Crop returns a view of the mosaic limited to crop and the transform of that view.
// No pixels are copied.
func Crop(m *mosaic.Mosaic, crop image.Rectangle, gt georef.GeoTransform) (image.Image, georef.GeoTransform, error) {
	if m == nil || m.Image == nil {
		return nil, gt, fmt.Errorf("no mosaic to export")
	}
	if crop.Empty() || !crop.In(m.Image.Bounds()) {
		return nil, gt, fmt.Errorf("crop %v outside mosaic %v", crop, m.Image.Bounds())
	}
	return m.Image.SubImage(crop), gt.Translate(crop.Min), nil
}

// Write crops the mosaic and encodes it to w. It returns the transform of the written raster.
func Write(ctx context.Context, w io.Writer, m *mosaic.Mosaic, crop image.Rectangle, gt georef.GeoTransform, enc Encoder) (georef.GeoTransform, error) {
	if err := ctx.Err(); err != nil {
		return gt, err
	}
	view, cropped, err := Crop(m, crop, gt)
	if err != nil {
		return gt, &tile.EncodeError{Err: err}
	}
	if err := enc.Encode(w, view, cropped); err != nil {
		return gt, &tile.EncodeError{Err: err}
	}
	return cropped, nil
}

// Export writes the cropped mosaic to dest. A missing suffix is taken from the encoder.
// The file is written beside dest under a temporary name and renamed once complete, so a
// failed export never leaves a truncated raster behind.
func Export(ctx context.Context, m *mosaic.Mosaic, crop image.Rectangle, gt georef.GeoTransform, dest string, enc Encoder, opts Options) (*Output, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	if dest == "" {
		return nil, &tile.EncodeError{Err: fmt.Errorf("no destination given")}
	}
	if filepath.Ext(dest) == "" {
		dest += enc.Ext()
	}

	out := &Output{Path: dest, Width: crop.Dx(), Height: crop.Dy()}
	err := writeAtomic(dest, func(w io.Writer) error {
		cw := &countingWriter{w: w}
		cropped, err := Write(ctx, cw, m, crop, gt, enc)
		out.GeoTransform = cropped
		out.Bytes = cw.n
		return err
	})
	if err != nil {
		return nil, wrapEncode(dest, err)
	}

	if opts.WorldFile {
		wf := strings.TrimSuffix(dest, filepath.Ext(dest)) + georef.WorldFileExt(strings.ToLower(filepath.Ext(dest)))
		err := writeAtomic(wf, func(w io.Writer) error {
			_, err := w.Write(georef.WorldFile(out.GeoTransform))
			return err
		})
		if err != nil {
			return nil, wrapEncode(wf, err)
		}
		out.WorldFilePath = wf
	}

	log.WithField("component", "export").Infof("wrote %dx%d raster to %s (%d bytes)", out.Width, out.Height, out.Path, out.Bytes)
	return out, nil
}

func wrapEncode(path string, err error) error {
	var ee *tile.EncodeError
	if errors.As(err, &ee) {
		return &tile.EncodeError{Path: path, Err: ee.Err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &tile.EncodeError{Path: path, Err: err}
}

func writeAtomic(path string, write func(io.Writer) error) (err error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	f, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	if err = f.Chmod(0o644); err != nil {
		return err
	}
	if err = write(f); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
