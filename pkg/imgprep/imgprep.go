// Package imgprep prepares photographed documents for OCR.
//
// The pipeline decodes the image, fixes its orientation, scales it into a
// size range Tesseract handles well, converts it to grayscale, stretches its
// contrast and optionally binarizes it. Each step is a single pass over the pixels.
package imgprep

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	ErrDecode        = errors.New("image could not be decoded")
	ErrTooManyPixels = errors.New("image has too many pixels")
)

// Options select the preprocessing steps
type Options struct {
	AutoOrient      bool `json:"autoOrient"`
	Grayscale       bool `json:"grayscale"`
	ContrastStretch bool `json:"contrastStretch"`
	// Percentage of darkest and brightest pixels clipped by the contrast stretch
	ClipPercent float64 `json:"clipPercent"`
	// Binarize with Otsu's threshold; implies grayscale
	Binarize bool `json:"binarize"`
	// Longest side after downscaling; 0 disables it
	MaxDimension int `json:"maxDimension"`
	// Longest side after upscaling small images; 0 disables it
	MinDimension int `json:"minDimension"`
	// Images with more pixels are rejected before decoding; 0 disables the check
	MaxPixels int `json:"maxPixels"`
}

// DefaultOptions are suitable for photographed text documents
func DefaultOptions() Options {
	return Options{
		AutoOrient:      true,
		Grayscale:       true,
		ContrastStretch: true,
		ClipPercent:     1,
		MaxDimension:    2500,
		MinDimension:    1000,
		MaxPixels:       60_000_000,
	}
}

// Result holds the PNG encoded output and what was done to get there
type Result struct {
	PNG        []byte
	Format     string
	OrigWidth  int
	OrigHeight int
	Width      int
	Height     int
	Steps      []string
	Metadata   Metadata
	// Otsu threshold, if binarized
	Threshold uint8
}

// Process runs the pipeline on an encoded image
func Process(data []byte, opts Options) (*Result, error) {
	cfg, _, err := DecodeConfig(data)
	if err != nil {
		return nil, err
	}
	if opts.MaxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > int64(opts.MaxPixels) {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooManyPixels, cfg.Width, cfg.Height, opts.MaxPixels)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	b := img.Bounds()
	res := &Result{Format: format, OrigWidth: b.Dx(), OrigHeight: b.Dy()}
	if b.Empty() {
		return nil, fmt.Errorf("%w: image has no pixels", ErrDecode)
	}

	res.Metadata = ReadMetadata(data)
	if opts.AutoOrient && res.Metadata.Orientation > 1 {
		img = Orient(img, res.Metadata.Orientation)
		res.Steps = append(res.Steps, fmt.Sprintf("orient(%d)", res.Metadata.Orientation))
	}

	if f := ScaleFactor(img.Bounds(), opts.MinDimension, opts.MaxDimension); f != 1 {
		img = Scale(img, f)
		res.Steps = append(res.Steps, fmt.Sprintf("scale(%.2f)", f))
	}

	if opts.Grayscale || opts.ContrastStretch || opts.Binarize {
		gray := Grayscale(img)
		res.Steps = append(res.Steps, "grayscale")
		if opts.ContrastStretch {
			if StretchContrast(gray, opts.ClipPercent) {
				res.Steps = append(res.Steps, "contrast")
			}
		}
		if opts.Binarize {
			res.Threshold = Binarize(gray)
			res.Steps = append(res.Steps, fmt.Sprintf("binarize(%d)", res.Threshold))
		}
		img = gray
	}

	out := img.Bounds()
	res.Width, res.Height = out.Dx(), out.Dy()
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding png: %w", err)
	}
	res.PNG = buf.Bytes()
	return res, nil
}

// DecodeConfig returns the format and dimensions without decoding the pixels
func DecodeConfig(data []byte) (image.Config, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return cfg, format, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return cfg, format, nil
}
