package imgprep

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

// maxUpscale limits how far small images are enlarged
const maxUpscale = 3.0

// Rec. 601 luma weights scaled to 1<<16
const (
	lumaR = 19595
	lumaG = 38470
	lumaB = 7471
)

func luma(r, g, b uint32) uint32 {
	return (lumaR*r + lumaG*g + lumaB*b + 1<<15) >> 16
}

// Grayscale converts img to an 8 bit gray image with its origin at (0, 0).
// Transparent pixels are composed onto white.
func Grayscale(img image.Image) *image.Gray {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	gray := image.NewGray(image.Rect(0, 0, w, h))
	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < h; y++ {
			off := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(gray.Pix[y*gray.Stride:y*gray.Stride+w], src.Pix[off:off+w])
		}
	case *image.YCbCr:
		// Y already is the luma
		for y := 0; y < h; y++ {
			off := src.YOffset(b.Min.X, b.Min.Y+y)
			copy(gray.Pix[y*gray.Stride:y*gray.Stride+w], src.Y[off:off+w])
		}
	case *image.RGBA:
		for y := 0; y < h; y++ {
			row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			dst := gray.Pix[y*gray.Stride:]
			for x := 0; x < w; x++ {
				p := row[x*4 : x*4+4]
				// premultiplied: the missing alpha is the white background's share
				v := luma(uint32(p[0]), uint32(p[1]), uint32(p[2])) + 255 - uint32(p[3])
				dst[x] = uint8(min(v, 255))
			}
		}
	case *image.NRGBA:
		for y := 0; y < h; y++ {
			row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			dst := gray.Pix[y*gray.Stride:]
			for x := 0; x < w; x++ {
				p := row[x*4 : x*4+4]
				a := uint32(p[3])
				v := luma(uint32(p[0]), uint32(p[1]), uint32(p[2]))
				dst[x] = uint8((v*a + 255*(255-a) + 127) / 255)
			}
		}
	default:
		for y := 0; y < h; y++ {
			dst := gray.Pix[y*gray.Stride:]
			for x := 0; x < w; x++ {
				r, g, bl, a := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				v := luma(r, g, bl) + 0xffff - a
				dst[x] = uint8(min(v, 0xffff) >> 8)
			}
		}
	}
	return gray
}

// Histogram counts the pixels of every gray level
func Histogram(g *image.Gray) [256]int {
	var hist [256]int
	b := g.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := g.PixOffset(b.Min.X, y)
		for _, v := range g.Pix[off : off+b.Dx()] {
			hist[v]++
		}
	}
	return hist
}

func applyLUT(g *image.Gray, lut *[256]uint8) {
	b := g.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := g.PixOffset(b.Min.X, y)
		row := g.Pix[off : off+b.Dx()]
		for i, v := range row {
			row[i] = lut[v]
		}
	}
}

// StretchBounds returns the gray levels below and above which clipPercent
// of the pixels lie.
func StretchBounds(hist [256]int, clipPercent float64) (low, high uint8) {
	total := 0
	for _, n := range hist {
		total += n
	}
	clip := int(float64(total) * clipPercent / 100)
	acc := 0
	lo := 0
	for ; lo < 255; lo++ {
		acc += hist[lo]
		if acc > clip {
			break
		}
	}
	acc = 0
	hi := 255
	for ; hi > 0; hi-- {
		acc += hist[hi]
		if acc > clip {
			break
		}
	}
	return uint8(lo), uint8(hi)
}

// StretchContrast linearly maps the clipped gray range onto 0..255 in place.
// It reports false and leaves g untouched when the image is flat or already spans the full range.
func StretchContrast(g *image.Gray, clipPercent float64) bool {
	low, high := StretchBounds(Histogram(g), clipPercent)
	if high <= low || (low == 0 && high == 255) {
		return false
	}
	var lut [256]uint8
	span := float64(high - low)
	for v := range lut {
		switch {
		case v <= int(low):
			lut[v] = 0
		case v >= int(high):
			lut[v] = 255
		default:
			lut[v] = uint8(math.Round(float64(v-int(low)) * 255 / span))
		}
	}
	applyLUT(g, &lut)
	return true
}

// Otsu returns the threshold maximizing the between-class variance
func Otsu(hist [256]int) uint8 {
	total := 0
	var sum float64
	for v, n := range hist {
		total += n
		sum += float64(v * n)
	}
	if total == 0 {
		return 127
	}
	var (
		sumB, maxVar float64
		wB           int
		threshold    int
	)
	for t := 0; t < 256; t++ {
		wB += hist[t]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(t * hist[t])
		mB := sumB / float64(wB)
		mF := (sum - sumB) / float64(wF)
		between := float64(wB) * float64(wF) * (mB - mF) * (mB - mF)
		if between > maxVar {
			maxVar = between
			threshold = t
		}
	}
	return uint8(threshold)
}

// Binarize turns g into black text on white background using Otsu's threshold.
// Images with a dark background are inverted.
func Binarize(g *image.Gray) uint8 {
	hist := Histogram(g)
	t := Otsu(hist)
	white, total := 0, 0
	for v, n := range hist {
		total += n
		if v > int(t) {
			white += n
		}
	}
	invert := white*2 < total
	var lut [256]uint8
	for v := range lut {
		on := v > int(t)
		if invert {
			on = !on
		}
		if on {
			lut[v] = 255
		}
	}
	applyLUT(g, &lut)
	return t
}

// ScaleFactor returns the factor bringing the longest side of r into [minDim, maxDim].
// Zero disables a bound. Upscaling is capped.
func ScaleFactor(r image.Rectangle, minDim, maxDim int) float64 {
	long := max(r.Dx(), r.Dy())
	if long == 0 {
		return 1
	}
	if maxDim > 0 && long > maxDim {
		return float64(maxDim) / float64(long)
	}
	if minDim > 0 && long < minDim {
		return min(float64(minDim)/float64(long), maxUpscale)
	}
	return 1
}

// Scale resizes img by f using Catmull-Rom resampling
func Scale(img image.Image, f float64) image.Image {
	b := img.Bounds()
	w := max(1, int(math.Round(float64(b.Dx())*f)))
	h := max(1, int(math.Round(float64(b.Dy())*f)))
	var dst draw.Image
	if _, ok := img.(*image.Gray); ok {
		dst = image.NewGray(image.Rect(0, 0, w, h))
	} else {
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
