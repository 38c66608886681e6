// Package pdfproc implements a limited set of operations to process scanned PDFs
package pdfproc

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	pdfcpuapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/johbar/scan-ocr-service/pkg/imgprep"
)

var ErrNoImages = errors.New("PDF contains no decodable page images")

type PdfMetaData struct {
	Author, Title, Subject string
	Created, Modified      time.Time
	PageCount              int
}

// PageImage is the scanned image of one page
type PageImage struct {
	// 1-based page number
	Page     int
	Data     []byte
	FileType string
	Width    int
	Height   int
}

var pdfConf *model.Configuration

func init() {
	pdfConf = model.NewDefaultConfiguration()
}

// PageCount returns the number of pages
func PageCount(rs io.ReadSeeker) (int, error) {
	n, err := pdfcpuapi.PageCount(rs, pdfConf)
	if err != nil {
		return 0, fmt.Errorf("counting pages: %w", err)
	}
	return n, nil
}

// extractImages calls readFunc for every image on the page with the given 0-based index
func extractImages(rs io.ReadSeeker, pageIndex int, readFunc func(model.Image) error) error {
	pageStr := []string{strconv.Itoa(pageIndex + 1)}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return pdfcpuapi.ExtractImages(rs, pageStr, func(img model.Image, singleImgPerPage bool, maxPageDigits int) error {
		return readFunc(img)
	}, pdfConf)
}

// PageImages returns the largest decodable image of each of the first maxPages pages.
// Pages without one are skipped. 0 means all pages.
func PageImages(rs io.ReadSeeker, maxPages int) ([]PageImage, error) {
	count, err := PageCount(rs)
	if err != nil {
		return nil, err
	}
	if maxPages > 0 {
		count = min(count, maxPages)
	}
	var pages []PageImage
	for i := range count {
		var best *PageImage
		err := extractImages(rs, i, func(img model.Image) error {
			data, err := io.ReadAll(img)
			if err != nil {
				return fmt.Errorf("reading image %s: %w", img.Name, err)
			}
			cfg, _, err := imgprep.DecodeConfig(data)
			if err != nil {
				// e.g. JPEG 2000 or raw masks
				return nil
			}
			if best == nil || cfg.Width*cfg.Height > best.Width*best.Height {
				best = &PageImage{Page: i + 1, Data: data, FileType: img.FileType, Width: cfg.Width, Height: cfg.Height}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("extracting images of page %d: %w", i+1, err)
		}
		if best != nil {
			pages = append(pages, *best)
		}
	}
	if len(pages) == 0 {
		return nil, ErrNoImages
	}
	return pages, nil
}

func GetPdfInfos(rs io.ReadSeeker) (PdfMetaData, error) {
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return PdfMetaData{}, err
	}
	info, err := pdfcpuapi.PDFInfo(rs, "", nil, pdfConf)
	if err != nil {
		return PdfMetaData{}, err
	}
	meta := PdfMetaData{Author: info.Author, Title: info.Title, Subject: info.Subject, PageCount: info.PageCount}
	if mod, ok := types.DateTime(info.ModificationDate, true); ok {
		meta.Modified = mod
	}
	if created, ok := types.DateTime(info.CreationDate, true); ok {
		meta.Created = created
	}
	return meta, nil
}
