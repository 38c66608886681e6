// Package docfactory turns uploaded streams into documents consisting of page images.
package docfactory

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"

	"github.com/johbar/scan-ocr-service/internal/config"
	"github.com/johbar/scan-ocr-service/internal/pdfproc"
)

var (
	ErrZeroSize    = errors.New("zero-length data can not be processed")
	ErrTooLarge    = errors.New("file too large")
	ErrUnsupported = errors.New("unsupported file type")
)

// imageTypes are the formats the preprocessing can decode
var imageTypes = []string{"image/png", "image/jpeg", "image/gif", "image/bmp", "image/tiff", "image/webp"}

// Page is one image to recognize
type Page struct {
	// 1-based page number
	Number int
	Data   []byte
	Ext    string
}

// Document is an image or a scanned PDF
type Document struct {
	Origin   string
	MimeType string
	Ext      string
	// Original content
	Data  []byte
	Pages []Page
	// Taken from PDF metadata
	Title string
}

type DocFactory struct {
	MaxFileSizeBytes uint64
	MaxPages         int
	log              *slog.Logger
}

func New(conf *config.ScanConfig, logger *slog.Logger) *DocFactory {
	df := &DocFactory{
		MaxFileSizeBytes: conf.MaxFileSizeBytes,
		MaxPages:         conf.MaxPages,
		log:              logger,
	}
	if logger == nil {
		df.log = slog.New(slog.DiscardHandler)
	}
	return df
}

func (df *DocFactory) handleUnknownSize(r io.Reader, origin string) (*Document, error) {
	// HTTP chunked encoding or reading from stdin
	df.log.Debug("Reading stream of unknown size", "origin", origin)
	data, err := io.ReadAll(io.LimitReader(r, int64(df.MaxFileSizeBytes)+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", origin, err)
	}
	if uint64(len(data)) > df.MaxFileSizeBytes {
		return nil, fmt.Errorf("%w: %s exceeds %s", ErrTooLarge, origin, humanize.IBytes(df.MaxFileSizeBytes))
	}
	if len(data) == 0 {
		return nil, ErrZeroSize
	}
	return df.NewFromBytes(data, origin)
}

func (df *DocFactory) handleKnownSize(r io.Reader, size int64, origin string) (*Document, error) {
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("reading %s: %w", origin, err)
	}
	return df.NewFromBytes(data, origin)
}

// NewDocFromStream reads r completely. A negative size means unknown.
func (df *DocFactory) NewDocFromStream(r io.Reader, size int64, origin string) (*Document, error) {
	if size > int64(df.MaxFileSizeBytes) {
		return nil, fmt.Errorf("%w: %s has %s, limit is %s", ErrTooLarge, origin,
			humanize.IBytes(uint64(size)), humanize.IBytes(df.MaxFileSizeBytes))
	}
	if size < 0 {
		return df.handleUnknownSize(r, origin)
	}
	if size == 0 {
		return nil, ErrZeroSize
	}
	return df.handleKnownSize(r, size, origin)
}

// NewFromBytes detects the type of data and splits it into pages
func (df *DocFactory) NewFromBytes(data []byte, origin string) (*Document, error) {
	if len(data) == 0 {
		return nil, ErrZeroSize
	}
	mtype := mimetype.Detect(data)
	df.log.Debug("Detected", "mimetype", mtype.String(), "ext", mtype.Extension(), "origin", origin)
	doc := &Document{Origin: origin, MimeType: mtype.String(), Ext: mtype.Extension(), Data: data}

	switch {
	case mtype.Is("application/pdf"):
		return df.newPdf(doc)
	case slices.ContainsFunc(imageTypes, mtype.Is):
		doc.Pages = []Page{{Number: 1, Data: data, Ext: doc.Ext}}
		return doc, nil
	}
	// a part of the content helps with debugging clients that upload an error message
	return nil, fmt.Errorf("%w: %s. content started with: %q", ErrUnsupported, mtype.String(), head(data, 70))
}

func (df *DocFactory) newPdf(doc *Document) (*Document, error) {
	rs := bytes.NewReader(doc.Data)
	images, err := pdfproc.PageImages(rs, df.MaxPages)
	if err != nil {
		if errors.Is(err, pdfproc.ErrNoImages) {
			return nil, fmt.Errorf("%w: %w", ErrUnsupported, err)
		}
		return nil, fmt.Errorf("reading PDF %s: %w", doc.Origin, err)
	}
	for _, img := range images {
		doc.Pages = append(doc.Pages, Page{Number: img.Page, Data: img.Data, Ext: "." + img.FileType})
	}
	if meta, err := pdfproc.GetPdfInfos(rs); err == nil {
		doc.Title = strings.TrimSpace(meta.Title)
	} else {
		df.log.Debug("PDF metadata unreadable", "origin", doc.Origin, "err", err)
	}
	df.log.Debug("PDF pages extracted", "origin", doc.Origin, "pages", len(doc.Pages))
	return doc, nil
}

// NewFromPath reads the file at path
func (df *DocFactory) NewFromPath(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return df.NewDocFromStream(f, -1, path)
	}
	return df.NewDocFromStream(f, info.Size(), path)
}

func head(data []byte, n int) string {
	return string(data[:min(n, len(data))])
}
