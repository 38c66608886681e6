package docfactory

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/johbar/scan-ocr-service/internal/config"
	"github.com/johbar/scan-ocr-service/internal/testutil"
)

func newFactory(maxSize uint64) *DocFactory {
	return New(&config.ScanConfig{MaxFileSizeBytes: maxSize, MaxPages: 10}, nil)
}

func TestImageIsSinglePage(t *testing.T) {
	df := newFactory(1 << 20)
	data := testutil.PNG(t, 40, 30)
	doc, err := df.NewDocFromStream(bytes.NewReader(data), int64(len(data)), "upload")
	if err != nil {
		t.Fatal(err)
	}
	if doc.MimeType != "image/png" || doc.Ext != ".png" {
		t.Errorf("unexpected type %s %s", doc.MimeType, doc.Ext)
	}
	if len(doc.Pages) != 1 || doc.Pages[0].Number != 1 || !bytes.Equal(doc.Pages[0].Data, data) {
		t.Errorf("want the image as the only page, got %d pages", len(doc.Pages))
	}
}

func TestOnlyDecodableImageTypes(t *testing.T) {
	df := newFactory(1 << 20)
	if doc, err := df.NewFromBytes(testutil.JPEG(t, 20, 20), "photo"); err != nil || doc.MimeType != "image/jpeg" {
		t.Errorf("jpeg rejected: %v", err)
	}
	svg := []byte(`<svg xmlns="http://www.w3.org/2000/svg" width="10" height="10"><rect width="10" height="10"/></svg>`)
	if _, err := df.NewFromBytes(svg, "drawing.svg"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("want ErrUnsupported for svg, got %v", err)
	}
}

func TestScannedPdf(t *testing.T) {
	df := newFactory(1 << 20)
	data := testutil.ScannedPDF(t, [2]int{60, 80}, [2]int{80, 60})
	doc, err := df.NewFromBytes(data, "scan.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if doc.MimeType != "application/pdf" {
		t.Errorf("unexpected mimetype %s", doc.MimeType)
	}
	if len(doc.Pages) != 2 {
		t.Fatalf("want 2 pages, got %d", len(doc.Pages))
	}
	if doc.Pages[1].Number != 2 || doc.Pages[1].Ext != ".jpg" {
		t.Errorf("unexpected second page %+v", doc.Pages[1].Number)
	}
}

func TestSizeRules(t *testing.T) {
	df := newFactory(100)
	tests := []struct {
		name string
		data []byte
		size int64
		want error
	}{
		{"zero size", nil, 0, ErrZeroSize},
		{"known size too large", make([]byte, 101), 101, ErrTooLarge},
		{"unknown size too large", make([]byte, 101), -1, ErrTooLarge},
		{"unknown size empty", nil, -1, ErrZeroSize},
		{"text", []byte("just some text"), -1, ErrUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := df.NewDocFromStream(bytes.NewReader(tt.data), tt.size, tt.name)
			if !errors.Is(err, tt.want) {
				t.Errorf("want %v, got %v", tt.want, err)
			}
		})
	}
}

func TestUnknownSizedStreamEmitsData(t *testing.T) {
	df := newFactory(1 << 20)
	data := testutil.JPEG(t, 30, 30)
	// hide the size
	doc, err := df.NewDocFromStream(io.MultiReader(bytes.NewReader(data)), -1, "stdin")
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Data) != len(data) {
		t.Errorf("want %d bytes, got %d", len(data), len(doc.Data))
	}
	if doc.Ext != ".jpg" {
		t.Errorf("want .jpg, got %s", doc.Ext)
	}
}

func TestNewFromPath(t *testing.T) {
	df := newFactory(1 << 20)
	path := filepath.Join(t.TempDir(), "page.png")
	if err := os.WriteFile(path, testutil.PNG(t, 10, 10), 0o600); err != nil {
		t.Fatal(err)
	}
	doc, err := df.NewFromPath(path)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Origin != path || len(doc.Pages) != 1 {
		t.Errorf("unexpected document %s with %d pages", doc.Origin, len(doc.Pages))
	}
	if _, err := df.NewFromPath(filepath.Join(t.TempDir(), "missing.png")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("want ErrNotExist, got %v", err)
	}
}
