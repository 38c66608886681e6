package imgprep

import (
	"image"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	exif "github.com/dsoprea/go-exif/v3"
)

const exifDateTime = "2006:01:02 15:04:05"

// Metadata read from a photo's EXIF block
type Metadata struct {
	// EXIF orientation 1..8, 0 if unknown
	Orientation int
	CapturedAt  time.Time
	Device      string
}

// ReadMetadata extracts orientation, capture time and camera from EXIF data.
// Images without EXIF yield zero values.
func ReadMetadata(data []byte) (meta Metadata) {
	defer func() {
		// go-exif panics on some malformed blocks
		if r := recover(); r != nil {
			meta = Metadata{}
		}
	}()
	raw, err := exif.SearchAndExtractExif(data)
	if err != nil || raw == nil {
		return meta
	}
	tags, _, err := exif.GetFlatExifData(raw, nil)
	if err != nil && len(tags) == 0 {
		return meta
	}
	var maker, model string
	for _, tag := range tags {
		switch tag.TagName {
		case "Orientation":
			if meta.Orientation == 0 {
				meta.Orientation = orientation(tag)
			}
		case "DateTimeOriginal":
			if t, err := time.ParseInLocation(exifDateTime, strings.TrimSpace(tag.FormattedFirst), time.Local); err == nil {
				meta.CapturedAt = t
			}
		case "Make":
			maker = strings.TrimSpace(tag.FormattedFirst)
		case "Model":
			model = strings.TrimSpace(tag.FormattedFirst)
		}
	}
	switch {
	case maker != "" && !strings.HasPrefix(model, maker):
		meta.Device = strings.TrimSpace(maker + " " + model)
	default:
		meta.Device = model
	}
	return meta
}

func orientation(tag exif.ExifTag) int {
	if v, ok := tag.Value.([]uint16); ok && len(v) > 0 {
		return validOrientation(int(v[0]))
	}
	n, err := strconv.Atoi(strings.TrimSpace(tag.FormattedFirst))
	if err != nil {
		return 0
	}
	return validOrientation(n)
}

func validOrientation(n int) int {
	if n < 1 || n > 8 {
		return 0
	}
	return n
}

// Orient transforms img so that it is displayed upright for the given EXIF orientation
func Orient(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	}
	return img
}
