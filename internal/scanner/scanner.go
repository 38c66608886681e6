// Package scanner implements the use cases of the OCR service: recognizing
// images and scanned PDFs, managing the scan history and the language packs.
package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/johbar/scan-ocr-service/internal/cache"
	"github.com/johbar/scan-ocr-service/internal/config"
	"github.com/johbar/scan-ocr-service/internal/docfactory"
	"github.com/johbar/scan-ocr-service/internal/history"
	"github.com/johbar/scan-ocr-service/internal/langpack"
	"github.com/johbar/scan-ocr-service/pkg/dehyphenator"
	"github.com/johbar/scan-ocr-service/pkg/imgprep"
	"github.com/johbar/scan-ocr-service/pkg/tesswrap"
	"github.com/johbar/scan-ocr-service/pkg/textclean"
)

const titleLength = 60

var (
	pagesRecognized = expvar.NewInt("ocr_pages_recognized")
	pagesFromCache  = expvar.NewInt("ocr_pages_from_cache")
	scansSaved      = expvar.NewInt("scans_saved")
)

// Engine is the OCR engine. [*tesswrap.Engine] implements it.
type Engine interface {
	Init(ctx context.Context, lang string) error
	Recognize(ctx context.Context, img []byte, opts tesswrap.Options) (*tesswrap.Result, error)
	Stop()
	Close() error
	Initialized() bool
	Language() string
	Version() string
}

// Request holds the per request options. Nil fields fall back to the configuration.
type Request struct {
	Language        string `form:"lang" json:"lang,omitempty" binding:"omitempty,tesslang"`
	PageSegMode     *int   `form:"psm" json:"psm,omitempty" binding:"omitempty,min=0,max=13"`
	Whitelist       string `form:"whitelist" json:"whitelist,omitempty" binding:"max=512"`
	Grayscale       *bool  `form:"grayscale" json:"grayscale,omitempty"`
	ContrastStretch *bool  `form:"contrast" json:"contrast,omitempty"`
	Binarize        *bool  `form:"binarize" json:"binarize,omitempty"`
	Dehyphenate     *bool  `form:"dehyphenate" json:"dehyphenate,omitempty"`
	// Store the result in the history. Default: true
	Save *bool `form:"save" json:"save,omitempty"`
	// Ignore cached results
	NoCache bool   `form:"noCache" json:"noCache,omitempty"`
	Title   string `form:"title" json:"title,omitempty" binding:"max=200"`
	// Include word boxes in the result
	Words bool `form:"words" json:"words,omitempty"`
}

// PageResult is the recognized text of one page
type PageResult struct {
	Number     int             `json:"number"`
	Text       string          `json:"text"`
	Confidence float64         `json:"confidence"`
	WordCount  int             `json:"wordCount"`
	Cached     bool            `json:"cached"`
	Steps      []string        `json:"preprocessing,omitempty"`
	Words      []tesswrap.Word `json:"words,omitempty"`
}

// Outcome of processing an image or PDF
type Outcome struct {
	Text       string        `json:"text"`
	Confidence float64       `json:"confidence"`
	Language   string        `json:"language"`
	Pages      []PageResult  `json:"pages"`
	DurationMs int64         `json:"durationMs"`
	Scan       *history.Scan `json:"scan,omitempty"`
}

// BatchItem is the outcome of one file of a batch
type BatchItem struct {
	Path    string   `json:"path"`
	Outcome *Outcome `json:"outcome,omitempty"`
	Err     error    `json:"-"`
}

type Scanner struct {
	conf   *config.ScanConfig
	engine Engine
	store  *history.Store
	langs  *langpack.Manager
	df     *docfactory.DocFactory
	cache  cache.Cache
	log    *slog.Logger
	now    func() time.Time

	cleanupMu   sync.Mutex
	stopCleanup context.CancelFunc
	cleanupDone chan struct{}
}

func New(conf *config.ScanConfig, engine Engine, store *history.Store, langs *langpack.Manager, df *docfactory.DocFactory, c cache.Cache, logger *slog.Logger) *Scanner {
	s := &Scanner{
		conf:   conf,
		engine: engine,
		store:  store,
		langs:  langs,
		df:     df,
		cache:  c,
		log:    logger,
		now:    time.Now,
	}
	if logger == nil {
		s.log = slog.New(slog.DiscardHandler)
	}
	if c == nil {
		s.cache = &cache.NopCache{}
	}
	return s
}

// normalizeLang returns lang in the form the engine reports it, or the default language
func (s *Scanner) normalizeLang(lang string) string {
	if strings.TrimSpace(lang) == "" {
		lang = s.conf.Language
	}
	return strings.Join(tesswrap.Languages(lang), "+")
}

// InitializeOCR makes sure the language packs of lang are installed,
// downloading them if configured so, and initializes the engine with them.
func (s *Scanner) InitializeOCR(ctx context.Context, lang string) error {
	lang = s.normalizeLang(lang)
	if lang == "" {
		return fmt.Errorf("%w: no language given", tesswrap.ErrLanguageMissing)
	}
	if s.engine.Initialized() && s.engine.Language() == lang {
		return nil
	}
	for _, code := range tesswrap.Languages(lang) {
		if s.langs.IsInstalled(code) {
			continue
		}
		if !s.conf.AutoDownloadLangs {
			return fmt.Errorf("%w: %s", tesswrap.ErrLanguageMissing, code)
		}
		s.log.Info("Language pack missing, downloading", "lang", code)
		if err := s.langs.Install(ctx, code, nil); err != nil {
			return fmt.Errorf("installing language %s: %w", code, err)
		}
	}
	return s.engine.Init(ctx, lang)
}

// recognize initializes the engine for lang if necessary and runs OCR.
// Another request may switch the language between both steps, so the result's language is verified.
func (s *Scanner) recognize(ctx context.Context, img []byte, lang string, opts tesswrap.Options) (*tesswrap.Result, error) {
	for attempt := 1; ; attempt++ {
		if err := s.InitializeOCR(ctx, lang); err != nil {
			return nil, err
		}
		res, err := s.engine.Recognize(ctx, img, opts)
		if err != nil {
			return nil, err
		}
		if res.Language == lang || attempt == 3 {
			return res, nil
		}
		s.log.Debug("Engine language changed concurrently, recognizing again", "want", lang, "got", res.Language)
	}
}

func (s *Scanner) prepOptions(req Request) imgprep.Options {
	o := imgprep.Options{
		AutoOrient:      s.conf.AutoOrient,
		Grayscale:       s.conf.Grayscale,
		ContrastStretch: s.conf.ContrastStretch,
		ClipPercent:     s.conf.ContrastClip,
		Binarize:        s.conf.Binarize,
		MaxDimension:    s.conf.MaxDimension,
		MinDimension:    s.conf.MinDimension,
		MaxPixels:       s.conf.MaxPixels,
	}
	if req.Grayscale != nil {
		o.Grayscale = *req.Grayscale
	}
	if req.ContrastStretch != nil {
		o.ContrastStretch = *req.ContrastStretch
	}
	if req.Binarize != nil {
		o.Binarize = *req.Binarize
	}
	return o
}

func ocrOptions(req Request) tesswrap.Options {
	o := tesswrap.DefaultOptions()
	if req.PageSegMode != nil {
		o.PageSegMode = tesswrap.PageSegMode(*req.PageSegMode)
	}
	o.Whitelist = req.Whitelist
	return o
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// postprocess turns raw engine output into the text shown to users
func (s *Scanner) postprocess(text string, req Request) string {
	if boolOr(req.Dehyphenate, s.conf.Dehyphenate) {
		if joined, err := dehyphenator.DehyphenateString(text, dehyphenator.Options{}); err == nil {
			text = joined
		} else {
			s.log.Warn("Dehyphenator failed", "err", err)
		}
	}
	return textclean.Clean(text)
}

// ProcessImage recognizes an image or scanned PDF given as bytes
func (s *Scanner) ProcessImage(ctx context.Context, data []byte, origin string, req Request) (*Outcome, error) {
	doc, err := s.df.NewFromBytes(data, origin)
	if err != nil {
		return nil, err
	}
	return s.processDocument(ctx, doc, req)
}

// ProcessStream reads r, which has size bytes or -1 if unknown, and recognizes it
func (s *Scanner) ProcessStream(ctx context.Context, r io.Reader, size int64, origin string, req Request) (*Outcome, error) {
	doc, err := s.df.NewDocFromStream(r, size, origin)
	if err != nil {
		return nil, err
	}
	return s.processDocument(ctx, doc, req)
}

// ProcessFile recognizes the file at path
func (s *Scanner) ProcessFile(ctx context.Context, path string, req Request) (*Outcome, error) {
	doc, err := s.df.NewFromPath(path)
	if err != nil {
		return nil, err
	}
	return s.processDocument(ctx, doc, req)
}

// ProcessBatch processes files with a bounded number of workers.
// Preprocessing runs in parallel, recognition stays serialized by the engine.
// Failures are reported per item and do not stop the batch.
func (s *Scanner) ProcessBatch(ctx context.Context, paths []string, req Request) []BatchItem {
	items := make([]BatchItem, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.conf.BatchWorkers, 1))
	for i, path := range paths {
		items[i].Path = path
		g.Go(func() error {
			out, err := s.ProcessFile(gctx, path, req)
			items[i].Outcome, items[i].Err = out, err
			if err != nil {
				s.log.Error("Processing failed", "path", path, "err", err)
			}
			// the batch is aborted only when stopped
			if errors.Is(err, tesswrap.ErrStopped) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for i := range items {
			if items[i].Outcome == nil && items[i].Err == nil {
				items[i].Err = err
			}
		}
	}
	return items
}

func (s *Scanner) processDocument(ctx context.Context, doc *docfactory.Document, req Request) (*Outcome, error) {
	start := time.Now()
	lang := s.normalizeLang(req.Language)
	prepOpts := s.prepOptions(req)
	ocrOpts := ocrOptions(req)
	out := &Outcome{Language: lang}
	var (
		texts   []string
		confs   []float64
		weights []float64
		first   *imgprep.Result
	)
	for _, page := range doc.Pages {
		prep, err := imgprep.Process(page.Data, prepOpts)
		if err != nil {
			if len(doc.Pages) == 1 || errors.Is(err, imgprep.ErrTooManyPixels) {
				return nil, err
			}
			s.log.Warn("Skipping undecodable page", "origin", doc.Origin, "page", page.Number, "err", err)
			continue
		}
		if first == nil {
			first = prep
		}
		pr, err := s.recognizePage(ctx, prep, lang, ocrOpts, req)
		if err != nil {
			return nil, err
		}
		pr.Number = page.Number
		pr.Text = s.postprocess(pr.Text, req)
		out.Pages = append(out.Pages, *pr)
		texts = append(texts, pr.Text)
		confs = append(confs, pr.Confidence)
		weights = append(weights, float64(pr.WordCount))
	}
	if first == nil {
		return nil, fmt.Errorf("%w: no page of %s could be decoded", imgprep.ErrDecode, doc.Origin)
	}
	out.Text = strings.TrimSpace(strings.Join(texts, "\n\n"))
	out.Confidence = meanConfidence(confs, weights)
	out.DurationMs = time.Since(start).Milliseconds()
	s.log.Info("Document recognized", "origin", doc.Origin, "pages", len(out.Pages), "lang", lang,
		"confidence", out.Confidence, "durationMs", out.DurationMs)

	if !boolOr(req.Save, true) {
		return out, nil
	}
	scan, err := s.save(ctx, doc, out, first, req)
	if err != nil {
		return nil, err
	}
	out.Scan = scan
	return out, nil
}

func (s *Scanner) recognizePage(ctx context.Context, prep *imgprep.Result, lang string, opts tesswrap.Options, req Request) (*PageResult, error) {
	key := cache.Key(prep.PNG, lang, opts)
	pr := &PageResult{Steps: prep.Steps}
	if !req.NoCache && !req.Words {
		cached, err := s.cache.Get(ctx, key)
		if err != nil {
			s.log.Warn("Could not read from cache", "key", key, "err", err)
		}
		if cached != nil {
			pagesFromCache.Add(1)
			pr.Text, pr.Confidence, pr.WordCount, pr.Cached = cached.Text, cached.Confidence, cached.Words, true
			return pr, nil
		}
	}
	res, err := s.recognize(ctx, prep.PNG, lang, opts)
	if err != nil {
		return nil, err
	}
	pagesRecognized.Add(1)
	pr.Text, pr.Confidence, pr.WordCount = res.Text, res.Confidence, countWords(res.Words)
	if req.Words {
		pr.Words = res.Words
	}
	err = s.cache.Save(ctx, key, &cache.Result{
		Text: res.Text, Confidence: res.Confidence, Language: res.Language, Words: pr.WordCount, Duration: res.Duration,
	})
	if err != nil {
		s.log.Warn("Could not save result to cache", "key", key, "err", err)
	}
	return pr, nil
}

func countWords(words []tesswrap.Word) int {
	n := 0
	for _, w := range words {
		if strings.TrimSpace(w.Text) != "" {
			n++
		}
	}
	return n
}

// meanConfidence weights page confidences by their word count
func meanConfidence(confs, weights []float64) float64 {
	var total float64
	for _, w := range weights {
		total += w
	}
	if len(confs) == 0 {
		return 0
	}
	if total == 0 {
		return stat.Mean(confs, nil)
	}
	return stat.Mean(confs, weights)
}

func (s *Scanner) save(ctx context.Context, doc *docfactory.Document, out *Outcome, first *imgprep.Result, req Request) (*history.Scan, error) {
	sum := sha256.Sum256(doc.Data)
	scan := &history.Scan{
		ImageHash:  hex.EncodeToString(sum[:]),
		MimeType:   doc.MimeType,
		Text:       out.Text,
		Language:   out.Language,
		Confidence: out.Confidence,
		Title:      s.title(req.Title, doc.Title, out.Text),
		Pages:      len(out.Pages),
		DurationMs: out.DurationMs,
		Width:      first.OrigWidth,
		Height:     first.OrigHeight,
		CapturedAt: first.Metadata.CapturedAt,
		Device:     first.Metadata.Device,
	}
	if s.conf.SaveImages {
		path, err := s.storeImage(doc)
		if err != nil {
			return nil, err
		}
		scan.ImagePath = path
	}
	if err := s.store.Insert(ctx, scan); err != nil {
		s.removeImage(scan.ImagePath)
		return nil, err
	}
	scansSaved.Add(1)
	s.log.Info("Scan saved", "id", scan.ID, "title", scan.Title, "image", scan.ImagePath)
	return scan, nil
}

func (s *Scanner) title(requested, docTitle, text string) string {
	for _, t := range []string{requested, docTitle, textclean.Title(text, titleLength)} {
		if t = strings.TrimSpace(t); t != "" {
			return t
		}
	}
	return "Scan " + s.now().Format("2006-01-02 15:04")
}

func (s *Scanner) storeImage(doc *docfactory.Document) (string, error) {
	if err := os.MkdirAll(s.conf.ImagesDir, 0o750); err != nil {
		return "", fmt.Errorf("creating image directory: %w", err)
	}
	ext := doc.Ext
	if ext == "" {
		ext = ".bin"
	}
	path := filepath.Join(s.conf.ImagesDir, uuid.NewString()+ext)
	if err := os.WriteFile(path, doc.Data, 0o640); err != nil {
		return "", fmt.Errorf("storing image: %w", err)
	}
	return path, nil
}

func (s *Scanner) removeImage(path string) {
	if path == "" {
		return
	}
	// only files below the image directory are ours to delete
	rel, err := filepath.Rel(s.conf.ImagesDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		s.log.Warn("Not removing image outside the image directory", "path", path)
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Error("Could not remove image", "path", path, "err", err)
		return
	}
	s.log.Debug("Image removed", "path", path)
}

// Stop aborts the recognition in progress
func (s *Scanner) Stop() {
	s.engine.Stop()
}

// EngineInfo describes the state of the OCR engine
type EngineInfo struct {
	Initialized bool   `json:"initialized"`
	Language    string `json:"language"`
	Version     string `json:"version"`
}

func (s *Scanner) EngineInfo() EngineInfo {
	return EngineInfo{Initialized: s.engine.Initialized(), Language: s.engine.Language(), Version: s.engine.Version()}
}

// Close stops the cleanup loop and releases the engine and the history store
func (s *Scanner) Close() error {
	s.StopCleanup()
	return errors.Join(s.engine.Close(), s.store.Close())
}
