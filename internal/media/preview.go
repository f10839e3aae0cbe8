// Package media derives downscaled previews from uploaded images.
//
// Previews are bounded by their longest edge. Lossless-sensitive formats
// (PNG, GIF) are re-encoded as PNG; everything else is recompressed as JPEG.
package media

import (
	"bytes"
	"errors"
	"image"
	_ "image/gif" // register decoder
	"image/jpeg"
	"image/png"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register decoder
)

// Defaults used when Options leave a field unset.
const (
	DefaultMinBytes  = 200 << 10
	DefaultMaxDim    = 800
	// DefaultMaxPixels bounds the decoded size of a source image.
	DefaultMaxPixels = 40_000_000
	jpegQuality      = 82
)

// ErrUnsupported is returned for payloads that are not decodable images
// and for images larger than Options.MaxPixels.
var ErrUnsupported = errors.New("media: unsupported image format")

// Options control preview generation.
type Options struct {
	// MinBytes is the payload size from which a preview is produced.
	MinBytes int64
	// MaxDim bounds the preview's longest edge in pixels.
	MaxDim int
	// MaxPixels bounds width*height of the source image.
	MaxPixels int64
}

func (o Options) withDefaults() Options {
	if o.MinBytes <= 0 {
		o.MinBytes = DefaultMinBytes
	}
	if o.MaxDim <= 0 {
		o.MaxDim = DefaultMaxDim
	}
	if o.MaxPixels <= 0 {
		o.MaxPixels = DefaultMaxPixels
	}
	return o
}

// Preview is an encoded downscaled image.
type Preview struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
}

// IsImage reports whether a MIME type denotes a raster image.
func IsImage(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/")
}

// Dimensions reads the pixel size of an encoded image without decoding it fully.
func Dimensions(data []byte) (w, h int, ok bool) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, false
	}
	return cfg.Width, cfg.Height, true
}

// NeedsPreview reports whether a payload qualifies for a preview.
func NeedsPreview(contentType string, size int64, opt Options) bool {
	opt = opt.withDefaults()
	return IsImage(contentType) && size >= opt.MinBytes
}

// MakePreview decodes data and returns a copy whose longest edge is at most
// opt.MaxDim. It returns (nil, nil) when the payload does not qualify.
func MakePreview(data []byte, contentType string, opt Options) (*Preview, error) {
	opt = opt.withDefaults()
	if !NeedsPreview(contentType, int64(len(data)), opt) {
		return nil, nil
	}

	// Check the header first; decoding allocates the full canvas.
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil || cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, ErrUnsupported
	}
	if int64(cfg.Width)*int64(cfg.Height) > opt.MaxPixels {
		return nil, ErrUnsupported
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, ErrUnsupported
	}
	w, h := fit(src.Bounds().Dx(), src.Bounds().Dy(), opt.MaxDim)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	out := &Preview{Width: w, Height: h}
	switch format {
	case "png", "gif":
		if err := png.Encode(&buf, dst); err != nil {
			return nil, err
		}
		out.ContentType = "image/png"
	default:
		if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, err
		}
		out.ContentType = "image/jpeg"
	}
	out.Data = buf.Bytes()
	return out, nil
}

// fit scales (w, h) so the longest edge is at most max, keeping aspect.
func fit(w, h, max int) (int, int) {
	if w <= max && h <= max {
		return w, h
	}
	if w >= h {
		nh := h * max / w
		if nh < 1 {
			nh = 1
		}
		return max, nh
	}
	nw := w * max / h
	if nw < 1 {
		nw = 1
	}
	return nw, max
}
