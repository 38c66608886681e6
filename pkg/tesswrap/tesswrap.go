/*
Package tesswrap is a wrapper for Tesseract OCR v5.

The native Tesseract handle is not reentrant, so an [Engine] owns exactly one
handle and serializes every call into it. Callers waiting for the handle are
served in arrival order and may give up when their context is done.

The default backend uses gosseract (cgo). Building with the tag tesseract_cli
uses the tesseract executable instead.
*/
package tesswrap

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrNotInitialized  = errors.New("tesseract is not initialized")
	ErrLanguageMissing = errors.New("language data not installed")
	ErrInit            = errors.New("tesseract could not be initialized")
	ErrRecognize       = errors.New("recognition failed")
	ErrStopped         = errors.New("recognition stopped")
	ErrEmptyImage      = errors.New("image data is empty")
)

// TrainedDataExt is the file extension of Tesseract language data
const TrainedDataExt = ".traineddata"

// PageSegMode mirrors Tesseract's page segmentation modes
type PageSegMode int

const (
	PSMOsdOnly PageSegMode = iota
	PSMAutoOsd
	PSMAutoOnly
	PSMAuto
	PSMSingleColumn
	PSMSingleBlockVertText
	PSMSingleBlock
	PSMSingleLine
	PSMSingleWord
	PSMCircleWord
	PSMSingleChar
	PSMSparseText
	PSMSparseTextOsd
	PSMRawLine
)

// Options tune a single recognition
type Options struct {
	PageSegMode PageSegMode
	// Only these characters will be recognized, if set
	Whitelist string
	// These characters will never be recognized, if set
	Blacklist string
	// Additional Tesseract variables
	Variables map[string]string
}

// DefaultOptions returns fully automatic page segmentation
func DefaultOptions() Options {
	return Options{PageSegMode: PSMAuto}
}

// Word is a recognized word and its location
type Word struct {
	Text       string          `json:"text"`
	Confidence float64         `json:"confidence"`
	Box        image.Rectangle `json:"box"`
}

// Result of a recognition
type Result struct {
	Text string `json:"text"`
	// Mean word confidence, 0..100
	Confidence float64       `json:"confidence"`
	Words      []Word        `json:"words,omitempty"`
	Language   string        `json:"language"`
	Duration   time.Duration `json:"duration"`
}

// variables merges the character lists into the Tesseract variables of opts
func variables(opts Options) map[string]string {
	vars := make(map[string]string, len(opts.Variables)+2)
	maps.Copy(vars, opts.Variables)
	if opts.Whitelist != "" {
		vars["tessedit_char_whitelist"] = opts.Whitelist
	}
	if opts.Blacklist != "" {
		vars["tessedit_char_blacklist"] = opts.Blacklist
	}
	return vars
}

// backend is the actual binding to Tesseract. Its methods are never called concurrently.
type backend interface {
	init(datapath string, langs []string) error
	recognize(ctx context.Context, img []byte, opts Options) (*Result, error)
	version() string
	close() error
}

// Engine guards one Tesseract handle
type Engine struct {
	// lock is a mutex; blocked senders on a channel are woken in FIFO order
	lock     chan struct{}
	b        backend
	datapath string
	lang     atomic.Value
	ready    atomic.Bool
	log      *slog.Logger

	cancelMu sync.Mutex
	cancel   context.CancelCauseFunc
}

// New creates an uninitialized engine reading language data from datapath
func New(datapath string, logger *slog.Logger) *Engine {
	return newWithBackend(datapath, newBackend(), logger)
}

func newWithBackend(datapath string, b backend, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	e := &Engine{lock: make(chan struct{}, 1), b: b, datapath: datapath, log: logger}
	e.lang.Store("")
	return e
}

func (e *Engine) acquire(ctx context.Context) error {
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) release() {
	<-e.lock
}

// Languages splits a Tesseract language string like "deu+eng"
func Languages(lang string) []string {
	var langs []string
	for _, l := range strings.Split(lang, "+") {
		if l = strings.TrimSpace(l); l != "" {
			langs = append(langs, l)
		}
	}
	return langs
}

// MissingLanguages reports the codes in lang without a traineddata file in datapath
func MissingLanguages(datapath, lang string) []string {
	var missing []string
	for _, l := range Languages(lang) {
		if _, err := os.Stat(filepath.Join(datapath, l+TrainedDataExt)); err != nil {
			missing = append(missing, l)
		}
	}
	return missing
}

// Init loads the language data. Calling Init with the current language is a no-op.
func (e *Engine) Init(ctx context.Context, lang string) error {
	langs := Languages(lang)
	if len(langs) == 0 {
		return fmt.Errorf("%w: no language given", ErrLanguageMissing)
	}
	lang = strings.Join(langs, "+")
	if missing := MissingLanguages(e.datapath, lang); len(missing) > 0 {
		return fmt.Errorf("%w: %s in %s", ErrLanguageMissing, strings.Join(missing, ", "), e.datapath)
	}
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()
	if e.ready.Load() && e.Language() == lang {
		return nil
	}
	e.ready.Store(false)
	e.lang.Store("")
	start := time.Now()
	if err := e.safeInit(langs); err != nil {
		e.log.Error("Tesseract init failed", "lang", lang, "err", err)
		return fmt.Errorf("%w: %w", ErrInit, err)
	}
	e.lang.Store(lang)
	e.ready.Store(true)
	e.log.Info("Tesseract initialized", "lang", lang, "version", e.b.version(), "took", time.Since(start))
	return nil
}

func (e *Engine) safeInit(langs []string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.b.init(e.datapath, langs)
}

// Recognize runs OCR on an encoded image
func (e *Engine) Recognize(ctx context.Context, img []byte, opts Options) (*Result, error) {
	if len(img) == 0 {
		return nil, ErrEmptyImage
	}
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.release()
	if !e.ready.Load() {
		return nil, ErrNotInitialized
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	e.setCancel(cancel)
	defer func() {
		e.setCancel(nil)
		cancel(nil)
	}()

	start := time.Now()
	res, err := e.safeRecognize(runCtx, img, opts)
	if errors.Is(context.Cause(runCtx), ErrStopped) {
		e.log.Info("Recognition stopped", "took", time.Since(start))
		return nil, ErrStopped
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecognize, err)
	}
	res.Language = e.Language()
	res.Duration = time.Since(start)
	e.log.Debug("Recognition finished", "lang", res.Language, "chars", len(res.Text), "confidence", res.Confidence, "took", res.Duration)
	return res, nil
}

func (e *Engine) safeRecognize(ctx context.Context, img []byte, opts Options) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return e.b.recognize(ctx, img, opts)
}

func (e *Engine) setCancel(cancel context.CancelCauseFunc) {
	e.cancelMu.Lock()
	e.cancel = cancel
	e.cancelMu.Unlock()
}

// Stop aborts the recognition currently in progress, if any.
// Its caller receives ErrStopped. The engine stays usable.
func (e *Engine) Stop() {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	if e.cancel != nil {
		e.cancel(ErrStopped)
	}
}

// Close releases the native handle. It waits for a running recognition to finish.
func (e *Engine) Close() error {
	e.lock <- struct{}{}
	defer e.release()
	e.ready.Store(false)
	e.lang.Store("")
	return e.b.close()
}

// Initialized reports whether Recognize can be called
func (e *Engine) Initialized() bool {
	return e.ready.Load()
}

// Language returns the language string the engine was initialized with
func (e *Engine) Language() string {
	return e.lang.Load().(string)
}

// Version of the Tesseract library or executable
func (e *Engine) Version() string {
	return e.b.version()
}

// MeanConfidence averages word confidences, ignoring empty words
func MeanConfidence(words []Word) float64 {
	var sum float64
	var n int
	for _, w := range words {
		if strings.TrimSpace(w.Text) == "" || w.Confidence < 0 {
			continue
		}
		sum += w.Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
