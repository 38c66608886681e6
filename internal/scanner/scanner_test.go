package scanner

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/johbar/scan-ocr-service/internal/cache"
	"github.com/johbar/scan-ocr-service/internal/config"
	"github.com/johbar/scan-ocr-service/internal/docfactory"
	"github.com/johbar/scan-ocr-service/internal/history"
	"github.com/johbar/scan-ocr-service/internal/langpack"
	"github.com/johbar/scan-ocr-service/internal/testutil"
	"github.com/johbar/scan-ocr-service/pkg/imgprep"
	"github.com/johbar/scan-ocr-service/pkg/tesswrap"
)

const engineText = "Quarterly  report \nThe meet-\ning starts at noon ."

// fakeEngine mimics the locking engine without Tesseract
type fakeEngine struct {
	mu      sync.Mutex
	lang    string
	inits   int
	calls   int
	text    string
	err     error
	entered chan struct{}
	release chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{text: engineText}
}

func (e *fakeEngine) Init(ctx context.Context, lang string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inits++
	e.lang = lang
	return nil
}

func (e *fakeEngine) Recognize(ctx context.Context, img []byte, opts tesswrap.Options) (*tesswrap.Result, error) {
	if e.entered != nil {
		e.entered <- struct{}{}
	}
	if e.release != nil {
		select {
		case <-e.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lang == "" {
		return nil, tesswrap.ErrNotInitialized
	}
	if e.err != nil {
		return nil, e.err
	}
	e.calls++
	var words []tesswrap.Word
	for _, w := range strings.Fields(e.text) {
		words = append(words, tesswrap.Word{Text: w, Confidence: 80})
	}
	return &tesswrap.Result{Text: e.text, Confidence: 80, Words: words, Language: e.lang, Duration: time.Millisecond}, nil
}

func (e *fakeEngine) Stop() {}

func (e *fakeEngine) Close() error { return nil }

func (e *fakeEngine) Initialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lang != ""
}

func (e *fakeEngine) Language() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lang
}

func (e *fakeEngine) Version() string { return "fake" }

func (e *fakeEngine) recognitions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// memCache is an in-memory cache.Cache
type memCache struct {
	mu sync.Mutex
	m  map[string]cache.Result
}

func (c *memCache) Get(_ context.Context, key string) (*cache.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.m[key]; ok {
		return &r, nil
	}
	return nil, nil
}

func (c *memCache) Save(_ context.Context, key string, r *cache.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = map[string]cache.Result{}
	}
	c.m[key] = *r
	return nil
}

func testConfig(t *testing.T) *config.ScanConfig {
	t.Helper()
	dir := t.TempDir()
	return &config.ScanConfig{
		DataDir:          dir,
		TessdataDir:      filepath.Join(dir, "tessdata"),
		ImagesDir:        filepath.Join(dir, "images"),
		DbDir:            dir,
		LangRepoUrl:      "http://localhost:1/",
		DownloadTimeout:  5 * time.Second,
		Language:         "eng",
		MaxFileSizeBytes: 10 << 20,
		MaxPages:         10,
		Grayscale:        true,
		ContrastStretch:  true,
		ContrastClip:     1,
		Dehyphenate:      true,
		SaveImages:       true,
		MaxConcurrent:    2,
		BatchWorkers:     2,
		CleanupInterval:  time.Hour,
		RequestTimeout:   10 * time.Second,
	}
}

type fixture struct {
	*Scanner
	engine *fakeEngine
	langs  *langpack.Manager
	cache  *memCache
}

func setup(t *testing.T, conf *config.ScanConfig) *fixture {
	t.Helper()
	store, err := history.Open(conf.DbDir, nil)
	if err != nil {
		t.Fatal(err)
	}
	langs, err := langpack.New(conf, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	installFake(t, langs, "eng")
	engine := newFakeEngine()
	c := &memCache{}
	s := New(conf, engine, store, langs, docfactory.New(conf, nil), c, nil)
	t.Cleanup(func() { s.Close() })
	return &fixture{Scanner: s, engine: engine, langs: langs, cache: c}
}

func installFake(t *testing.T, langs *langpack.Manager, code string) {
	t.Helper()
	if err := os.MkdirAll(langs.Dir(), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(langs.Path(code), []byte("traineddata"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestProcessImageSavesScan(t *testing.T) {
	f := setup(t, testConfig(t))
	out, err := f.ProcessImage(context.Background(), testutil.PNG(t, 120, 80), "test", Request{})
	if err != nil {
		t.Fatal(err)
	}
	want := "Quarterly report\nThe meeting starts at noon."
	if out.Text != want {
		t.Errorf("got text %q, want %q", out.Text, want)
	}
	if out.Language != "eng" || out.Confidence != 80 || len(out.Pages) != 1 {
		t.Errorf("unexpected outcome %+v", out)
	}
	if out.Scan == nil || out.Scan.ID == 0 {
		t.Fatal("scan not saved")
	}
	if out.Scan.Title != "Quarterly report" {
		t.Errorf("unexpected title %q", out.Scan.Title)
	}
	if _, err := os.Stat(out.Scan.ImagePath); err != nil {
		t.Errorf("image not stored: %v", err)
	}
	if filepath.Ext(out.Scan.ImagePath) != ".png" {
		t.Errorf("unexpected image name %s", out.Scan.ImagePath)
	}
	got, err := f.GetScan(context.Background(), out.Scan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != want || got.MimeType != "image/png" || got.Width != 120 {
		t.Errorf("stored scan differs: %+v", got)
	}
}

func TestProcessImageOptions(t *testing.T) {
	f := setup(t, testConfig(t))
	no := false
	out, err := f.ProcessImage(context.Background(), testutil.JPEG(t, 60, 60), "test",
		Request{Save: &no, Dehyphenate: &no, Grayscale: &no, ContrastStretch: &no})
	if err != nil {
		t.Fatal(err)
	}
	if out.Scan != nil {
		t.Error("scan saved although save=false")
	}
	if !strings.Contains(out.Text, "meet-\ning") {
		t.Errorf("text was dehyphenated: %q", out.Text)
	}
	if len(out.Pages[0].Steps) != 0 {
		t.Errorf("unexpected preprocessing %v", out.Pages[0].Steps)
	}
	page, err := f.GetAllScans(context.Background(), history.Filter{})
	if err != nil || page.Total != 0 {
		t.Errorf("history not empty: %v %v", page, err)
	}
}

func TestProcessImageUsesCache(t *testing.T) {
	f := setup(t, testConfig(t))
	img := testutil.PNG(t, 100, 100)
	no := false
	for range 2 {
		if _, err := f.ProcessImage(context.Background(), img, "test", Request{Save: &no}); err != nil {
			t.Fatal(err)
		}
	}
	if n := f.engine.recognitions(); n != 1 {
		t.Errorf("want 1 recognition, got %d", n)
	}
	out, err := f.ProcessImage(context.Background(), img, "test", Request{Save: &no, NoCache: true})
	if err != nil {
		t.Fatal(err)
	}
	if out.Pages[0].Cached || f.engine.recognitions() != 2 {
		t.Error("noCache did not bypass the cache")
	}
}

func TestProcessImageMissingLanguage(t *testing.T) {
	f := setup(t, testConfig(t))
	_, err := f.ProcessImage(context.Background(), testutil.PNG(t, 50, 50), "test", Request{Language: "deu+eng"})
	if !errors.Is(err, tesswrap.ErrLanguageMissing) {
		t.Fatalf("want ErrLanguageMissing, got %v", err)
	}
	if p := Describe(err); p.Status != http.StatusConflict || p.Code != "language_missing" {
		t.Errorf("unexpected problem %+v", p)
	}
}

func TestInitializeOCRDownloadsLanguage(t *testing.T) {
	repo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("x"), 512))
	}))
	defer repo.Close()
	conf := testConfig(t)
	conf.LangRepoUrl = repo.URL + "/"
	conf.AutoDownloadLangs = true
	f := setup(t, conf)
	if err := f.InitializeOCR(context.Background(), "deu+eng"); err != nil {
		t.Fatal(err)
	}
	if !f.langs.IsInstalled("deu") {
		t.Error("deu not downloaded")
	}
	if f.engine.Language() != "deu+eng" {
		t.Errorf("engine initialized with %q", f.engine.Language())
	}
	// already initialized
	if err := f.InitializeOCR(context.Background(), " deu + eng "); err != nil {
		t.Fatal(err)
	}
	if f.engine.inits != 1 {
		t.Errorf("want 1 init, got %d", f.engine.inits)
	}
}

func TestProcessPDF(t *testing.T) {
	f := setup(t, testConfig(t))
	pdf := testutil.ScannedPDF(t, [2]int{80, 120}, [2]int{120, 80})
	out, err := f.ProcessImage(context.Background(), pdf, "scan.pdf", Request{})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Pages) != 2 || out.Pages[1].Number != 2 {
		t.Fatalf("unexpected pages %+v", out.Pages)
	}
	if strings.Count(out.Text, "Quarterly report") != 2 || !strings.Contains(out.Text, "noon.\n\nQuarterly") {
		t.Errorf("pages not joined: %q", out.Text)
	}
	if out.Scan.Pages != 2 || out.Scan.MimeType != "application/pdf" {
		t.Errorf("unexpected scan %+v", out.Scan)
	}
}

func TestProcessUnsupported(t *testing.T) {
	f := setup(t, testConfig(t))
	_, err := f.ProcessImage(context.Background(), []byte("just some text"), "test", Request{})
	if !errors.Is(err, docfactory.ErrUnsupported) {
		t.Errorf("want ErrUnsupported, got %v", err)
	}
}

func TestProcessBatch(t *testing.T) {
	f := setup(t, testConfig(t))
	dir := t.TempDir()
	good := filepath.Join(dir, "a.png")
	if err := os.WriteFile(good, testutil.PNG(t, 40, 40), 0o644); err != nil {
		t.Fatal(err)
	}
	items := f.ProcessBatch(context.Background(), []string{good, filepath.Join(dir, "missing.png")}, Request{})
	if items[0].Err != nil || items[0].Outcome == nil {
		t.Errorf("first item failed: %v", items[0].Err)
	}
	if !errors.Is(items[1].Err, os.ErrNotExist) {
		t.Errorf("want ErrNotExist, got %v", items[1].Err)
	}
}

func TestDeleteScanRemovesImage(t *testing.T) {
	f := setup(t, testConfig(t))
	ctx := context.Background()
	out, err := f.ProcessImage(ctx, testutil.PNG(t, 40, 40), "test", Request{})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.DeleteScan(ctx, out.Scan.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(out.Scan.ImagePath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("image still present: %v", err)
	}
	if err := f.DeleteScan(ctx, out.Scan.ID); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestDeleteAllAndCleanup(t *testing.T) {
	f := setup(t, testConfig(t))
	ctx := context.Background()
	var ids []int64
	for i := range 3 {
		out, err := f.ProcessImage(ctx, testutil.PNG(t, 40+i, 40), "test", Request{})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, out.Scan.ID)
	}
	if _, err := f.ToggleFavorite(ctx, ids[0]); err != nil {
		t.Fatal(err)
	}
	f.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	n, err := f.CleanupOlderThan(ctx, 24*time.Hour, false)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("want 2 deleted, got %d", n)
	}
	if _, err := f.CleanupOlderThan(ctx, 0, false); !errors.Is(err, history.ErrInvalid) {
		t.Errorf("want ErrInvalid for zero age, got %v", err)
	}
	n, err = f.DeleteAllScans(ctx)
	if err != nil || n != 1 {
		t.Errorf("want the favorite deleted, got %d %v", n, err)
	}
	entries, _ := os.ReadDir(f.conf.ImagesDir)
	if len(entries) != 0 {
		t.Errorf("images left: %v", entries)
	}
}

func TestCleanupLoop(t *testing.T) {
	conf := testConfig(t)
	conf.HistoryMaxAge = time.Hour
	f := setup(t, conf)
	ctx := context.Background()
	if _, err := f.ProcessImage(ctx, testutil.PNG(t, 40, 40), "test", Request{}); err != nil {
		t.Fatal(err)
	}
	f.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	f.StartCleanup(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		page, err := f.GetAllScans(ctx, history.Filter{})
		if err != nil {
			t.Fatal(err)
		}
		if page.Total == 0 {
			f.StopCleanup()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("cleanup loop did not delete the old scan")
}

func TestUpdateScanRejectsEmptyTitle(t *testing.T) {
	f := setup(t, testConfig(t))
	blank := "  "
	if _, err := f.UpdateScan(context.Background(), 1, history.Patch{Title: &blank}); !errors.Is(err, history.ErrInvalid) {
		t.Errorf("want ErrInvalid, got %v", err)
	}
}

func TestLanguages(t *testing.T) {
	f := setup(t, testConfig(t))
	installFake(t, f.langs, "custom")
	if err := f.InitializeOCR(context.Background(), "eng"); err != nil {
		t.Fatal(err)
	}
	langs, err := f.ListLanguages(true)
	if err != nil {
		t.Fatal(err)
	}
	if len(langs) != 2 {
		t.Fatalf("want 2 installed languages, got %+v", langs)
	}
	for _, l := range langs {
		if l.Active != (l.Code == "eng") {
			t.Errorf("%s: active=%v", l.Code, l.Active)
		}
	}
	all, err := f.ListLanguages(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) <= len(langs) {
		t.Error("catalog missing")
	}
	if err := f.RemoveLanguage("eng"); !errors.Is(err, ErrLanguageInUse) {
		t.Errorf("want ErrLanguageInUse, got %v", err)
	}
	if err := f.RemoveLanguage("custom"); err != nil {
		t.Error(err)
	}
}

func TestStatsAndExport(t *testing.T) {
	f := setup(t, testConfig(t))
	ctx := context.Background()
	st, err := f.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 0 || st.MeanConfidence != 0 {
		t.Errorf("unexpected empty stats %+v", st)
	}
	for i := range 2 {
		if _, err := f.ProcessImage(ctx, testutil.PNG(t, 30+i, 30), "test", Request{Title: "Receipt | March"}); err != nil {
			t.Fatal(err)
		}
	}
	st, err = f.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 2 || st.Languages["eng"] != 2 || st.MeanConfidence != 80 || st.StdDevConfidence != 0 {
		t.Errorf("unexpected stats %+v", st)
	}

	var md bytes.Buffer
	if err := f.Export(ctx, &md, "md", history.Filter{}); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"# Scan history", `Receipt \| March`, "## Receipt | March", "The meeting starts at noon."} {
		if !strings.Contains(md.String(), want) {
			t.Errorf("markdown export lacks %q:\n%s", want, md.String())
		}
	}
	var js bytes.Buffer
	if err := f.Export(ctx, &js, "json", history.Filter{Limit: 1}); err != nil {
		t.Fatal(err)
	}
	if strings.Count(js.String(), `"id"`) != 1 {
		t.Errorf("unexpected JSON export %s", js.String())
	}
	if err := f.Export(ctx, &js, "pdf", history.Filter{}); !errors.Is(err, history.ErrInvalid) {
		t.Errorf("want ErrInvalid for unknown format, got %v", err)
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		err       error
		status    int
		retryable bool
	}{
		{history.ErrNotFound, http.StatusNotFound, false},
		{docfactory.ErrTooLarge, http.StatusRequestEntityTooLarge, false},
		{imgprep.ErrTooManyPixels, http.StatusRequestEntityTooLarge, false},
		{docfactory.ErrUnsupported, http.StatusUnsupportedMediaType, false},
		{langpack.ErrDownload, http.StatusBadGateway, true},
		{langpack.ErrInsufficientStorage, http.StatusInsufficientStorage, true},
		{tesswrap.ErrStopped, http.StatusConflict, true},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, true},
		{errors.New("boom"), http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		p := Describe(errors.Join(errors.New("context"), tt.err))
		if p.Status != tt.status || p.Retryable != tt.retryable {
			t.Errorf("%v: got %d/%v, want %d/%v", tt.err, p.Status, p.Retryable, tt.status, tt.retryable)
		}
		if p.Detail == "" {
			t.Errorf("%v: detail missing", tt.err)
		}
	}
}

func TestParseAge(t *testing.T) {
	for in, want := range map[string]time.Duration{
		"30d":     30 * 24 * time.Hour,
		"36500d":  36500 * 24 * time.Hour,
		"90m":     90 * time.Minute,
		"0d":      0,
		"-1h":     0,
		"abc":     0,
		"36501d":  0,
		"200000d": 0,
	} {
		got, err := ParseAge(in)
		if want == 0 {
			if err == nil {
				t.Errorf("%q: expected an error", in)
			}
			continue
		}
		if err != nil || got != want {
			t.Errorf("%q: got %v %v, want %v", in, got, err, want)
		}
	}
}

func TestRequestValidate(t *testing.T) {
	psm := 14
	for _, r := range []Request{{Language: "../etc"}, {Language: "+"}, {PageSegMode: &psm}} {
		if err := r.Validate(); !errors.Is(err, ErrBadRequest) {
			t.Errorf("%+v: want ErrBadRequest, got %v", r, err)
		}
	}
	if err := (Request{Language: "deu+eng"}).Validate(); err != nil {
		t.Error(err)
	}
}
