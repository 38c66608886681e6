package scanner

import (
	"context"
	"errors"
	"net/http"
	"os"

	"github.com/johbar/scan-ocr-service/internal/docfactory"
	"github.com/johbar/scan-ocr-service/internal/history"
	"github.com/johbar/scan-ocr-service/internal/langpack"
	"github.com/johbar/scan-ocr-service/pkg/imgprep"
	"github.com/johbar/scan-ocr-service/pkg/tesswrap"
)

var (
	ErrBusy        = errors.New("too many recognitions in progress")
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrBadRequest  = errors.New("bad request")
)

// StatusClientClosedRequest is used when the client canceled the request
const StatusClientClosedRequest = 499

// Problem is the user facing description of an error
type Problem struct {
	Status    int    `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
	Retryable bool   `json:"retryable"`
}

func (p Problem) Error() string {
	if p.Detail != "" {
		return p.Message + ": " + p.Detail
	}
	return p.Message
}

var problems = []struct {
	err error
	Problem
}{
	{history.ErrNotFound, Problem{Status: http.StatusNotFound, Code: "not_found", Message: "Scan not found"}},
	{history.ErrInvalid, Problem{Status: http.StatusBadRequest, Code: "invalid", Message: "Invalid input"}},
	{ErrBadRequest, Problem{Status: http.StatusBadRequest, Code: "bad_request", Message: "Invalid request"}},
	{docfactory.ErrZeroSize, Problem{Status: http.StatusBadRequest, Code: "empty", Message: "The file is empty"}},
	{docfactory.ErrTooLarge, Problem{Status: http.StatusRequestEntityTooLarge, Code: "too_large", Message: "The file is too large"}},
	{docfactory.ErrUnsupported, Problem{Status: http.StatusUnsupportedMediaType, Code: "unsupported", Message: "Only images and scanned PDFs can be recognized"}},
	{imgprep.ErrTooManyPixels, Problem{Status: http.StatusRequestEntityTooLarge, Code: "too_many_pixels", Message: "The image has too many pixels"}},
	{imgprep.ErrDecode, Problem{Status: http.StatusUnprocessableEntity, Code: "image_decode", Message: "The image could not be read"}},
	{tesswrap.ErrEmptyImage, Problem{Status: http.StatusBadRequest, Code: "empty", Message: "The image is empty"}},
	{tesswrap.ErrLanguageMissing, Problem{Status: http.StatusConflict, Code: "language_missing", Message: "Language data is not installed. Install the language pack first"}},
	{langpack.ErrUnknownLanguage, Problem{Status: http.StatusBadRequest, Code: "unknown_language", Message: "Unknown language"}},
	{langpack.ErrNotInstalled, Problem{Status: http.StatusNotFound, Code: "not_installed", Message: "Language pack is not installed"}},
	{langpack.ErrInsufficientStorage, Problem{Status: http.StatusInsufficientStorage, Code: "storage", Message: "Not enough free storage for the language pack", Retryable: true}},
	{langpack.ErrDownload, Problem{Status: http.StatusBadGateway, Code: "download", Message: "The language pack could not be downloaded", Retryable: true}},
	{ErrLanguageInUse, Problem{Status: http.StatusConflict, Code: "language_in_use", Message: "The language is used by the OCR engine"}},
	{tesswrap.ErrStopped, Problem{Status: http.StatusConflict, Code: "stopped", Message: "Recognition was stopped", Retryable: true}},
	{tesswrap.ErrNotInitialized, Problem{Status: http.StatusServiceUnavailable, Code: "not_initialized", Message: "The OCR engine is not initialized", Retryable: true}},
	{tesswrap.ErrInit, Problem{Status: http.StatusInternalServerError, Code: "init", Message: "The OCR engine could not be initialized"}},
	{tesswrap.ErrRecognize, Problem{Status: http.StatusInternalServerError, Code: "recognize", Message: "Text recognition failed", Retryable: true}},
	{ErrBusy, Problem{Status: http.StatusServiceUnavailable, Code: "busy", Message: "The service is busy", Retryable: true}},
	{ErrRateLimited, Problem{Status: http.StatusTooManyRequests, Code: "rate_limited", Message: "Too many requests", Retryable: true}},
	{context.Canceled, Problem{Status: StatusClientClosedRequest, Code: "canceled", Message: "The request was canceled", Retryable: true}},
	{context.DeadlineExceeded, Problem{Status: http.StatusGatewayTimeout, Code: "timeout", Message: "The request timed out", Retryable: true}},
	{os.ErrNotExist, Problem{Status: http.StatusNotFound, Code: "file_not_found", Message: "File not found"}},
}

// Describe maps err to a Problem. The first matching sentinel wins.
func Describe(err error) Problem {
	var p Problem
	if errors.As(err, &p) {
		return p
	}
	for _, candidate := range problems {
		if errors.Is(err, candidate.err) {
			p = candidate.Problem
			p.Detail = err.Error()
			return p
		}
	}
	return Problem{
		Status:  http.StatusInternalServerError,
		Code:    "internal",
		Message: "Internal error",
		Detail:  err.Error(),
	}
}
