package langpack

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
	"sync/atomic"
	"testing"
	"time"

	"github.com/johbar/scan-ocr-service/internal/config"
)

var fakeData = bytes.Repeat([]byte("tessdata"), 1024)

type repo struct {
	*httptest.Server
	hits    atomic.Int32
	release chan struct{}
}

func newRepo(t *testing.T) *repo {
	t.Helper()
	r := &repo{}
	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.hits.Add(1)
		if r.release != nil {
			<-r.release
		}
		if !strings.HasSuffix(req.URL.Path, "/eng.traineddata") && !strings.HasSuffix(req.URL.Path, "/deu.traineddata") {
			http.NotFound(w, req)
			return
		}
		w.Write(fakeData)
	}))
	t.Cleanup(r.Close)
	return r
}

func newManager(t *testing.T, repoURL string) *Manager {
	t.Helper()
	conf := &config.ScanConfig{
		TessdataDir:     filepath.Join(t.TempDir(), "tessdata"),
		LangRepoUrl:     repoURL + "/",
		DownloadTimeout: 10 * time.Second,
	}
	m, err := New(conf, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	m.freeSpace = func(string) (uint64, error) { return 1 << 40, nil }
	return m
}

func TestCatalog(t *testing.T) {
	m := newManager(t, "http://localhost")
	byCode := map[string]Language{}
	for _, l := range m.Available() {
		byCode[l.Code] = l
	}
	tests := []struct {
		code, name string
	}{
		{"eng", "English"},
		{"deu", "German"},
		{"osd", "Orientation and script detection"},
		{"chi_sim", "Simplified Chinese"},
	}
	for _, tt := range tests {
		l, ok := byCode[tt.code]
		if !ok {
			t.Errorf("%s missing from catalog", tt.code)
			continue
		}
		if l.Name != tt.name {
			t.Errorf("%s: got name %q, want %q", tt.code, l.Name, tt.name)
		}
		if l.SizeBytes == 0 {
			t.Errorf("%s: size not parsed", tt.code)
		}
		if l.Installed {
			t.Errorf("%s reported as installed", tt.code)
		}
	}
}

func TestValidCode(t *testing.T) {
	for code, want := range map[string]bool{
		"eng":         true,
		"chi_sim":     true,
		"script_Latn": true,
		"":            false,
		"../eng":      false,
		"eng/x":       false,
		"e":           false,
	} {
		if got := ValidCode(code); got != want {
			t.Errorf("ValidCode(%q) = %v, want %v", code, got, want)
		}
	}
}

func TestInstall(t *testing.T) {
	r := newRepo(t)
	m := newManager(t, r.URL)
	var last int64
	err := m.Install(context.Background(), "eng", func(done, total int64) {
		last = done
		if total != int64(len(fakeData)) {
			t.Errorf("unexpected total %d", total)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if last != int64(len(fakeData)) {
		t.Errorf("progress ended at %d", last)
	}
	if !m.IsInstalled("eng") {
		t.Fatal("eng not installed")
	}
	data, err := os.ReadFile(m.Path("eng"))
	if err != nil || !bytes.Equal(data, fakeData) {
		t.Errorf("installed file differs: %v", err)
	}
	// installed packs are not downloaded again
	if err := m.Install(context.Background(), "eng", nil); err != nil {
		t.Fatal(err)
	}
	if r.hits.Load() != 1 {
		t.Errorf("want 1 download, got %d", r.hits.Load())
	}
	installed, err := m.Installed()
	if err != nil {
		t.Fatal(err)
	}
	if len(installed) != 1 || installed[0].Code != "eng" || !installed[0].Installed {
		t.Errorf("unexpected installed list %+v", installed)
	}
}

func TestInstallUnknownLanguage(t *testing.T) {
	m := newManager(t, "http://localhost")
	if err := m.Install(context.Background(), "klingon", nil); !errors.Is(err, ErrUnknownLanguage) {
		t.Errorf("want ErrUnknownLanguage, got %v", err)
	}
}

func TestInstallHTTPError(t *testing.T) {
	r := newRepo(t)
	m := newManager(t, r.URL)
	err := m.Install(context.Background(), "fra", nil)
	if !errors.Is(err, ErrDownload) {
		t.Fatalf("want ErrDownload, got %v", err)
	}
	entries, _ := os.ReadDir(m.Dir())
	if len(entries) != 0 {
		t.Errorf("leftover files after failed download: %v", entries)
	}
}

func TestInstallUnreachableRepo(t *testing.T) {
	r := newRepo(t)
	url := r.URL
	r.Close()
	m := newManager(t, url)
	if err := m.Install(context.Background(), "eng", nil); !errors.Is(err, ErrDownload) {
		t.Errorf("want ErrDownload, got %v", err)
	}
}

func TestInstallInsufficientStorage(t *testing.T) {
	r := newRepo(t)
	m := newManager(t, r.URL)
	m.minFree = 20 << 20
	m.freeSpace = func(string) (uint64, error) { return 10 << 20, nil }
	if err := m.Install(context.Background(), "eng", nil); !errors.Is(err, ErrInsufficientStorage) {
		t.Errorf("want ErrInsufficientStorage, got %v", err)
	}
	if r.hits.Load() != 0 {
		t.Error("nothing should be downloaded")
	}
}

func TestConcurrentInstallsShareDownload(t *testing.T) {
	r := newRepo(t)
	r.release = make(chan struct{})
	m := newManager(t, r.URL)
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Install(context.Background(), "deu", nil); err != nil {
				t.Error(err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(r.release)
	wg.Wait()
	if r.hits.Load() != 1 {
		t.Errorf("want 1 download, got %d", r.hits.Load())
	}
}

func TestInstallCallerCancels(t *testing.T) {
	r := newRepo(t)
	r.release = make(chan struct{})
	m := newManager(t, r.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Install(ctx, "eng", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("want deadline exceeded, got %v", err)
	}
	close(r.release)
	// the shared download still completes
	deadline := time.Now().Add(2 * time.Second)
	for !m.IsInstalled("eng") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !m.IsInstalled("eng") {
		t.Error("download did not complete after the caller gave up")
	}
}

func TestRemove(t *testing.T) {
	m := newManager(t, "http://localhost")
	if err := os.MkdirAll(m.Dir(), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(m.Path("custom"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	installed, _ := m.Installed()
	if len(installed) != 1 || installed[0].Name != "custom" {
		t.Errorf("custom pack not listed: %+v", installed)
	}
	if err := m.Remove("custom"); err != nil {
		t.Fatal(err)
	}
	if err := m.Remove("custom"); !errors.Is(err, ErrNotInstalled) {
		t.Errorf("want ErrNotInstalled, got %v", err)
	}
	if err := m.Remove("../config"); !errors.Is(err, ErrUnknownLanguage) {
		t.Errorf("want ErrUnknownLanguage, got %v", err)
	}
}
