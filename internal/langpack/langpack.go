// Package langpack manages the Tesseract language data files in the tessdata directory.
package langpack

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
	"gopkg.in/yaml.v3"

	"github.com/johbar/scan-ocr-service/internal/config"
	"github.com/johbar/scan-ocr-service/pkg/tesswrap"
)

var (
	ErrUnknownLanguage     = errors.New("unknown language")
	ErrNotInstalled        = errors.New("language not installed")
	ErrInsufficientStorage = errors.New("insufficient storage")
	ErrDownload            = errors.New("language download failed")
)

//go:embed languages.yaml
var catalogYAML []byte

var codeRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{1,31}$`)

// ValidCode reports whether code may name a traineddata file
func ValidCode(code string) bool {
	return codeRe.MatchString(code)
}

// Language describes a language pack
type Language struct {
	Code      string `yaml:"code" json:"code"`
	Tag       string `yaml:"tag" json:"tag,omitempty"`
	Name      string `yaml:"name" json:"name"`
	Size      string `yaml:"size" json:"-"`
	SizeBytes uint64 `yaml:"-" json:"sizeBytes,omitempty"`
	Installed bool   `yaml:"-" json:"installed"`
}

type catalog struct {
	Languages []Language `yaml:"languages"`
}

// Progress is called while downloading with the bytes received so far and
// the expected total, which is -1 if unknown.
type Progress func(done, total int64)

// Manager lists, installs and removes language packs
type Manager struct {
	dir       string
	repoURL   string
	minFree   uint64
	timeout   time.Duration
	client    *http.Client
	catalog   []Language
	byCode    map[string]Language
	group     singleflight.Group
	freeSpace func(dir string) (uint64, error)
	log       *slog.Logger
}

// New creates a Manager for conf.TessdataDir. A nil client uses http.DefaultClient.
func New(conf *config.ScanConfig, client *http.Client, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if client == nil {
		client = http.DefaultClient
	}
	langs, err := parseCatalog(catalogYAML)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		dir:       conf.TessdataDir,
		repoURL:   strings.TrimSuffix(conf.LangRepoUrl, "/"),
		minFree:   conf.MinFreeSpaceBytes,
		timeout:   conf.DownloadTimeout,
		client:    client,
		catalog:   langs,
		byCode:    make(map[string]Language, len(langs)),
		freeSpace: freeSpace,
		log:       logger,
	}
	if m.timeout <= 0 {
		m.timeout = 5 * time.Minute
	}
	for _, l := range langs {
		m.byCode[l.Code] = l
	}
	return m, nil
}

func parseCatalog(data []byte) ([]Language, error) {
	var c catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing language catalog: %w", err)
	}
	for i := range c.Languages {
		l := &c.Languages[i]
		if l.Size != "" {
			n, err := humanize.ParseBytes(l.Size)
			if err != nil {
				return nil, fmt.Errorf("language %s: invalid size %q: %w", l.Code, l.Size, err)
			}
			l.SizeBytes = n
		}
		if l.Name == "" {
			l.Name = DisplayName(l.Code, l.Tag)
		}
	}
	slices.SortFunc(c.Languages, func(a, b Language) int { return strings.Compare(a.Name, b.Name) })
	return c.Languages, nil
}

// DisplayName returns the English name of a BCP 47 tag, or code if the tag is unknown
func DisplayName(code, tag string) string {
	if tag == "" {
		return code
	}
	t, err := language.Parse(tag)
	if err != nil {
		return code
	}
	if name := display.English.Tags().Name(t); name != "" {
		return name
	}
	return code
}

// Dir is the tessdata directory
func (m *Manager) Dir() string {
	return m.dir
}

// Path returns the traineddata file of code
func (m *Manager) Path(code string) string {
	return filepath.Join(m.dir, code+tesswrap.TrainedDataExt)
}

// IsInstalled reports whether the data file of code exists
func (m *Manager) IsInstalled(code string) bool {
	if !ValidCode(code) {
		return false
	}
	info, err := os.Stat(m.Path(code))
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// Available returns the downloadable languages with their install state
func (m *Manager) Available() []Language {
	langs := slices.Clone(m.catalog)
	for i := range langs {
		langs[i].Installed = m.IsInstalled(langs[i].Code)
	}
	return langs
}

// Installed returns every language present in the tessdata directory,
// including ones not in the catalog.
func (m *Manager) Installed() ([]Language, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading tessdata directory: %w", err)
	}
	var langs []Language
	for _, e := range entries {
		code, ok := strings.CutSuffix(e.Name(), tesswrap.TrainedDataExt)
		if !ok || e.IsDir() || !ValidCode(code) {
			continue
		}
		l, known := m.byCode[code]
		if !known {
			l = Language{Code: code, Name: code}
		}
		if info, err := e.Info(); err == nil {
			l.SizeBytes = uint64(info.Size())
		}
		l.Installed = true
		langs = append(langs, l)
	}
	return langs, nil
}

// Install downloads the data file of code unless it is installed already.
// Concurrent calls for the same code share one download.
func (m *Manager) Install(ctx context.Context, code string, progress Progress) error {
	lang, ok := m.byCode[code]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownLanguage, code)
	}
	if m.IsInstalled(code) {
		return nil
	}
	ch := m.group.DoChan(code, func() (any, error) {
		// the shared download outlives the caller that started it
		dlCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		return nil, m.download(dlCtx, lang, progress)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) download(ctx context.Context, lang Language, progress Progress) error {
	// a download finished between the caller's check and now
	if m.IsInstalled(lang.Code) {
		return nil
	}
	if err := os.MkdirAll(m.dir, 0o750); err != nil {
		return fmt.Errorf("creating tessdata directory: %w", err)
	}
	if free, err := m.freeSpace(m.dir); err == nil {
		if need := m.minFree + lang.SizeBytes; free < need {
			return fmt.Errorf("%w: %s free, %s needed for %s", ErrInsufficientStorage,
				humanize.IBytes(free), humanize.IBytes(need), lang.Code)
		}
	} else {
		m.log.Warn("Could not determine free space", "dir", m.dir, "err", err)
	}

	url := m.repoURL + "/" + lang.Code + tesswrap.TrainedDataExt
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDownload, err)
	}
	start := time.Now()
	m.log.Info("Downloading language pack", "lang", lang.Code, "url", url)
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDownload, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %s", ErrDownload, url, resp.Status)
	}

	tmp, err := os.CreateTemp(m.dir, lang.Code+".*.part")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		// no-op after a successful rename
		_ = os.Remove(tmp.Name())
	}()
	pw := &progressWriter{total: resp.ContentLength, fn: progress}
	n, err := io.Copy(io.MultiWriter(tmp, pw), resp.Body)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %w", ErrDownload, err)
	}
	if n == 0 || (resp.ContentLength >= 0 && n != resp.ContentLength) {
		tmp.Close()
		return fmt.Errorf("%w: got %d of %d bytes", ErrDownload, n, resp.ContentLength)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), m.Path(lang.Code)); err != nil {
		return fmt.Errorf("installing %s: %w", lang.Code, err)
	}
	m.log.Info("Language pack installed", "lang", lang.Code, "size", humanize.IBytes(uint64(n)), "duration", time.Since(start))
	return nil
}

// Remove deletes the data file of code
func (m *Manager) Remove(code string) error {
	if !ValidCode(code) {
		return fmt.Errorf("%w: %q", ErrUnknownLanguage, code)
	}
	err := os.Remove(m.Path(code))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotInstalled, code)
	}
	if err != nil {
		return fmt.Errorf("removing %s: %w", code, err)
	}
	m.log.Info("Language pack removed", "lang", code)
	return nil
}

type progressWriter struct {
	done, total int64
	fn          Progress
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.done += int64(len(b))
	if p.fn != nil {
		p.fn(p.done, p.total)
	}
	return len(b), nil
}
