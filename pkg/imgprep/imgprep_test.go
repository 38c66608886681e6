package imgprep

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"slices"
	"testing"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestGrayscaleRGBA(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 1))
	img.Set(0, 0, color.RGBA{255, 0, 0, 255})
	img.Set(1, 0, color.RGBA{255, 255, 255, 255})
	// fully transparent
	img.Set(2, 0, color.RGBA{0, 0, 0, 0})
	g := Grayscale(img)
	want := []uint8{76, 255, 255}
	if !slices.Equal(g.Pix, want) {
		t.Errorf("got %v, want %v", g.Pix, want)
	}
}

func TestGrayscaleNRGBAOnWhite(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	img.SetNRGBA(0, 0, color.NRGBA{0, 0, 0, 128})
	g := Grayscale(img)
	if g.Pix[0] != 127 {
		t.Errorf("half transparent black on white: got %d, want 127", g.Pix[0])
	}
}

func TestGrayscaleYCbCrUsesLuma(t *testing.T) {
	img := image.NewYCbCr(image.Rect(0, 0, 4, 2), image.YCbCrSubsampleRatio420)
	for i := range img.Y {
		img.Y[i] = uint8(i * 10)
	}
	g := Grayscale(img)
	if !slices.Equal(g.Pix, img.Y[:8]) {
		t.Errorf("got %v, want %v", g.Pix, img.Y[:8])
	}
}

func TestGrayscaleSubImage(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	sub := img.SubImage(image.Rect(1, 1, 3, 3))
	g := Grayscale(sub)
	want := []uint8{5, 6, 9, 10}
	if !slices.Equal(g.Pix, want) {
		t.Errorf("got %v, want %v", g.Pix, want)
	}
	if g.Bounds().Min != (image.Point{}) {
		t.Errorf("origin should be (0,0), got %v", g.Bounds().Min)
	}
}

func gradient(from, to int) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, to-from+1, 1))
	for x := range g.Pix {
		g.Pix[x] = uint8(from + x)
	}
	return g
}

func TestStretchContrast(t *testing.T) {
	g := gradient(100, 150)
	if !StretchContrast(g, 0) {
		t.Fatal("expected the image to be stretched")
	}
	if g.Pix[0] != 0 || g.Pix[50] != 255 {
		t.Errorf("range not stretched: first %d, last %d", g.Pix[0], g.Pix[50])
	}
	if g.Pix[25] != 128 {
		t.Errorf("midpoint: got %d, want 128", g.Pix[25])
	}
	for i := 1; i < len(g.Pix); i++ {
		if g.Pix[i] < g.Pix[i-1] {
			t.Fatal("mapping must be monotonic")
		}
	}
}

func TestStretchContrastClipsOutliers(t *testing.T) {
	// 98 mid-gray pixels, one black and one white outlier
	g := image.NewGray(image.Rect(0, 0, 100, 1))
	for i := range g.Pix {
		g.Pix[i] = uint8(100 + i%20)
	}
	g.Pix[0], g.Pix[99] = 0, 255
	low, high := StretchBounds(Histogram(g), 1)
	if low < 100 || high > 119 {
		t.Errorf("outliers not clipped: low %d, high %d", low, high)
	}
}

func TestStretchContrastLeavesFlatImage(t *testing.T) {
	g := gradient(90, 90)
	if StretchContrast(g, 1) {
		t.Error("flat image must not be stretched")
	}
	if g.Pix[0] != 90 {
		t.Errorf("pixel modified: %d", g.Pix[0])
	}
	full := gradient(0, 255)
	if StretchContrast(full, 0) {
		t.Error("full range image must not be stretched")
	}
}

func bimodal(bg, fg uint8, fgShare int) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, 100, 1))
	for i := range g.Pix {
		if i < fgShare {
			g.Pix[i] = fg
		} else {
			g.Pix[i] = bg
		}
	}
	return g
}

func TestOtsu(t *testing.T) {
	g := bimodal(200, 50, 50)
	th := Otsu(Histogram(g))
	if th < 50 || th >= 200 {
		t.Errorf("threshold %d does not separate the classes", th)
	}
	var empty [256]int
	if Otsu(empty) != 127 {
		t.Error("empty histogram should yield the middle")
	}
}

func TestBinarizeDarkTextOnLight(t *testing.T) {
	g := bimodal(220, 30, 20)
	Binarize(g)
	if g.Pix[0] != 0 || g.Pix[99] != 255 {
		t.Errorf("want black text on white, got text %d background %d", g.Pix[0], g.Pix[99])
	}
}

func TestBinarizeInvertsDarkBackground(t *testing.T) {
	// light text on a dark background
	g := bimodal(30, 220, 20)
	Binarize(g)
	if g.Pix[0] != 0 || g.Pix[99] != 255 {
		t.Errorf("want inverted output, got text %d background %d", g.Pix[0], g.Pix[99])
	}
}

func TestScaleFactor(t *testing.T) {
	tests := []struct {
		name     string
		w, h     int
		min, max int
		want     float64
	}{
		{"within range", 1500, 1000, 1000, 2500, 1},
		{"too large", 5000, 2000, 1000, 2500, 0.5},
		{"too small", 400, 300, 1000, 2500, 2.5},
		{"tiny capped", 100, 50, 1000, 2500, 3},
		{"bounds disabled", 10000, 10, 0, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ScaleFactor(image.Rect(0, 0, tt.w, tt.h), tt.min, tt.max); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOrient(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 2, 1))
	img.Pix = []uint8{10, 20}
	rotated := Orient(img, 6)
	if b := rotated.Bounds(); b.Dx() != 1 || b.Dy() != 2 {
		t.Fatalf("want 1x2 after rotation, got %v", b)
	}
	// orientation 6: the left pixel ends up on top
	if r, _, _, _ := rotated.At(0, 0).RGBA(); r>>8 != 10 {
		t.Errorf("unexpected top pixel %d", r>>8)
	}
	if Orient(img, 1) != image.Image(img) {
		t.Error("orientation 1 must return the image unchanged")
	}
}

func TestProcess(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 200, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 200; x++ {
			c := color.NRGBA{180, 170, 160, 255}
			if x > 50 && x < 150 && y > 40 && y < 60 {
				c = color.NRGBA{60, 50, 40, 255}
			}
			src.SetNRGBA(x, y, c)
		}
	}
	res, err := Process(encodePNG(t, src), DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if res.Format != "png" || res.OrigWidth != 200 || res.OrigHeight != 100 {
		t.Errorf("unexpected source info %+v", res)
	}
	if res.Width != 600 || res.Height != 300 {
		t.Errorf("want 600x300 after upscaling, got %dx%d", res.Width, res.Height)
	}
	for _, step := range []string{"scale(3.00)", "grayscale", "contrast"} {
		if !slices.Contains(res.Steps, step) {
			t.Errorf("step %s missing in %v", step, res.Steps)
		}
	}
	out, err := png.Decode(bytes.NewReader(res.PNG))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := out.(*image.Gray); !ok {
		t.Errorf("want gray output, got %T", out)
	}
}

func TestProcessWithoutSteps(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 20, 10))
	res, err := Process(encodePNG(t, src), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Steps) != 0 || res.Width != 20 || res.Height != 10 {
		t.Errorf("expected untouched image, got %+v", res.Steps)
	}
}

func TestProcessRejectsGarbage(t *testing.T) {
	_, err := Process([]byte("definitely not an image"), DefaultOptions())
	if !errors.Is(err, ErrDecode) {
		t.Errorf("want ErrDecode, got %v", err)
	}
}

// pngHeader returns a PNG consisting of the signature and an IHDR chunk
// declaring a w x h gray image. It has no pixel data.
func pngHeader(w, h uint32) []byte {
	ihdr := make([]byte, 0, 17)
	ihdr = append(ihdr, "IHDR"...)
	ihdr = binary.BigEndian.AppendUint32(ihdr, w)
	ihdr = binary.BigEndian.AppendUint32(ihdr, h)
	// bit depth 8, gray, deflate, no filter, no interlace
	ihdr = append(ihdr, 8, 0, 0, 0, 0)
	data := []byte("\x89PNG\r\n\x1a\n")
	data = binary.BigEndian.AppendUint32(data, uint32(len(ihdr)-4))
	data = append(data, ihdr...)
	return binary.BigEndian.AppendUint32(data, crc32.ChecksumIEEE(ihdr))
}

func TestProcessRejectsTooManyPixels(t *testing.T) {
	data := pngHeader(20000, 20000)
	_, err := Process(data, DefaultOptions())
	if !errors.Is(err, ErrTooManyPixels) {
		t.Fatalf("want ErrTooManyPixels, got %v", err)
	}

	// without a limit the decoder is reached and fails on the missing pixel data
	opts := DefaultOptions()
	opts.MaxPixels = 0
	if _, err := Process(data, opts); !errors.Is(err, ErrDecode) {
		t.Errorf("want ErrDecode, got %v", err)
	}
}

func TestProcessAcceptsImageAtPixelLimit(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxPixels = 40 * 30
	if _, err := Process(encodePNG(t, image.NewGray(image.Rect(0, 0, 40, 30))), opts); err != nil {
		t.Errorf("image at the limit rejected: %v", err)
	}
}

func TestReadMetadataWithoutExif(t *testing.T) {
	meta := ReadMetadata(encodePNG(t, image.NewGray(image.Rect(0, 0, 2, 2))))
	if meta.Orientation != 0 || !meta.CapturedAt.IsZero() || meta.Device != "" {
		t.Errorf("want zero metadata, got %+v", meta)
	}
}
