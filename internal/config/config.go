package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/dustin/go-humanize"
	"go-simpler.org/env"
)

// AppName is used for default directories below the XDG data home
const AppName = "scan-ocr"

// ScanConfig represents the configuration of this service
type ScanConfig struct {
	// Add source info to log statements. Default: false
	Debug bool `env:"SCAN_DEBUG" default:"false"`
	// Log level (DEBUG, INFO, WARN, ERROR)
	LogLevelStr string `env:"SCAN_LOG_LEVEL" default:"INFO"`
	LogLevel    slog.Level
	// HTTP listen address and/or port. Default: ':8080'
	SrvAddr string `env:"SCAN_HOST_PORT" default:":8080"`
	// if true, disable HTTP Server in favor of NATS Microservice interface
	NoHttp bool `env:"SCAN_NO_HTTP" default:"false"`

	// Root directory for the database, stored images and language packs.
	// Default: $XDG_DATA_HOME/scan-ocr
	DataDir string `env:"SCAN_DATA_DIR"`
	// Directory holding *.traineddata files. Default: <DataDir>/tessdata
	TessdataDir string `env:"SCAN_TESSDATA_DIR"`
	// Directory for original images of saved scans. Default: <DataDir>/images
	ImagesDir string `env:"SCAN_IMAGES_DIR"`
	// SQLite database directory. Default: <DataDir>
	DbDir string `env:"SCAN_DB_DIR"`

	// Language codes, separated by `+`, used when a request names none
	Language string `env:"SCAN_LANGUAGE" default:"eng"`
	// Base URL language packs are downloaded from
	LangRepoUrl string `env:"SCAN_LANG_REPO_URL" default:"https://github.com/tesseract-ocr/tessdata_fast/raw/main"`
	// Download missing language packs on first use
	AutoDownloadLangs bool `env:"SCAN_AUTO_DOWNLOAD_LANGS" default:"true"`
	// Timeout for a single language pack download
	DownloadTimeout time.Duration `env:"SCAN_DOWNLOAD_TIMEOUT" default:"5m"`
	// Free space that has to remain after installing a language pack
	MinFreeSpace      string `env:"SCAN_MIN_FREE_SPACE" default:"20MiB"`
	MinFreeSpaceBytes uint64

	// Maximum size an uploaded image or PDF may have
	MaxFileSize      string `env:"SCAN_MAX_FILE_SIZE" default:"50MiB"`
	MaxFileSizeBytes uint64
	// Pages of a scanned PDF that are recognized, 0 means all
	MaxPages int `env:"SCAN_MAX_PAGES" default:"50"`

	// Preprocessing defaults; requests may override them
	Grayscale       bool    `env:"SCAN_GRAYSCALE" default:"true"`
	ContrastStretch bool    `env:"SCAN_CONTRAST_STRETCH" default:"true"`
	ContrastClip    float64 `env:"SCAN_CONTRAST_CLIP" default:"1.0"`
	Binarize        bool    `env:"SCAN_BINARIZE" default:"false"`
	MaxDimension    int     `env:"SCAN_MAX_DIMENSION" default:"2500"`
	MinDimension    int     `env:"SCAN_MIN_DIMENSION" default:"1000"`
	AutoOrient      bool    `env:"SCAN_AUTO_ORIENT" default:"true"`
	// Larger images are rejected before decoding; 0 disables the limit
	MaxPixels int `env:"SCAN_MAX_PIXELS" default:"60000000"`
	// Join words hyphenated across line breaks
	Dehyphenate bool `env:"SCAN_DEHYPHENATE" default:"false"`

	// Keep the original image of every saved scan
	SaveImages bool `env:"SCAN_SAVE_IMAGES" default:"true"`
	// Scans older than this are deleted periodically. 0 disables the cleanup
	HistoryMaxAge time.Duration `env:"SCAN_HISTORY_MAX_AGE" default:"0s"`
	// How often the history cleanup runs
	CleanupInterval time.Duration `env:"SCAN_CLEANUP_INTERVAL" default:"24h"`

	// Number of OCR requests admitted at once; more are rejected with 503
	MaxConcurrent int64 `env:"SCAN_MAX_CONCURRENT" default:"4"`
	// Requests per second and burst allowed per client
	RateLimit float64 `env:"SCAN_RATE_LIMIT" default:"5"`
	RateBurst int     `env:"SCAN_RATE_BURST" default:"10"`
	// Upper bound for a single recognition requested via NATS
	RequestTimeout time.Duration `env:"SCAN_REQUEST_TIMEOUT" default:"2m"`
	// Parallel preprocessing workers in batch mode
	BatchWorkers int `env:"SCAN_BATCH_WORKERS" default:"2"`

	// Name of the object store bucket in NATS caching OCR results
	Bucket string `env:"SCAN_BUCKET" default:"SCAN_RESULTS"`
	// How many replicas of the bucket to create. Default: 1
	Replicas int `env:"SCAN_REPLICAS" default:"1"`
	// Start an embedded NATS server when no URL is configured
	EmbedNats bool `env:"SCAN_EMBED_NATS" default:"false"`
	// whether to expose embedded NATS server to other clients. Default: false
	ExposeNats bool `env:"SCAN_EXPOSE_NATS" default:"false"`
	// NATS max msg size (embedded server only)
	NatsMaxPayload int32 `env:"SCAN_MAX_PAYLOAD" default:"8388608"`
	// embedded NATS server storage location
	NatsStoreDir string `env:"SCAN_NATS_STORE_DIR"`
	NatsHost     string `env:"SCAN_NATS_HOST" default:"localhost"`
	NatsPort     int    `env:"SCAN_NATS_PORT" default:"4222"`
	// External NATS URL, e.g. nats://localhost:4222
	NatsUrl string `env:"SCAN_NATS_URL"`
	// Timeout for the external NATS connection
	NatsTimeout time.Duration `env:"SCAN_NATS_TIMEOUT" default:"15s"`
	// NatsConnectRetries is the number of attempts to connect to external NATS server(s)
	NatsConnectRetries int `env:"SCAN_NATS_CONNECT_RETRIES" default:"10"`
	// If true the service will exit with an error if JetStream can't be used
	FailWithoutJetstream bool `env:"SCAN_FAIL_WITHOUT_JS" default:"false"`
}

// NewScanConfigFromEnv returns a service config object
// populated with defaults and values from environment vars
func NewScanConfigFromEnv() (*ScanConfig, error) {
	var cfg ScanConfig
	if err := env.Load(&cfg, nil); err != nil {
		return nil, err
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(cfg.LogLevelStr)); err != nil {
		return nil, fmt.Errorf("parsing log level from env: %w", err)
	}
	maxSize, err := humanize.ParseBytes(cfg.MaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("parsing max file size from env: %w", err)
	}
	cfg.MaxFileSizeBytes = maxSize
	minFree, err := humanize.ParseBytes(cfg.MinFreeSpace)
	if err != nil {
		return nil, fmt.Errorf("parsing min free space from env: %w", err)
	}
	cfg.MinFreeSpaceBytes = minFree
	if cfg.ContrastClip < 0 || cfg.ContrastClip >= 50 {
		return nil, fmt.Errorf("contrast clip must be within [0, 50), got %v", cfg.ContrastClip)
	}
	if cfg.MaxDimension > 0 && cfg.MinDimension > cfg.MaxDimension {
		return nil, fmt.Errorf("min dimension %d exceeds max dimension %d", cfg.MinDimension, cfg.MaxDimension)
	}
	cfg.resolveDirs()
	return &cfg, nil
}

func (cfg *ScanConfig) resolveDirs() {
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(xdg.DataHome, AppName)
	}
	if cfg.TessdataDir == "" {
		cfg.TessdataDir = filepath.Join(cfg.DataDir, "tessdata")
	}
	if cfg.ImagesDir == "" {
		cfg.ImagesDir = filepath.Join(cfg.DataDir, "images")
	}
	if cfg.DbDir == "" {
		cfg.DbDir = cfg.DataDir
	}
	if cfg.NatsStoreDir == "" {
		cfg.NatsStoreDir = filepath.Join(cfg.DataDir, "nats")
	}
}

// EnsureDirs creates the data directories
func (cfg *ScanConfig) EnsureDirs() error {
	for _, dir := range []string{cfg.DataDir, cfg.TessdataDir, cfg.ImagesDir, cfg.DbDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}

// NewLogger returns a JSON logger writing to w at the configured level
func (cfg *ScanConfig) NewLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.LogLevel, AddSource: cfg.Debug}))
}
