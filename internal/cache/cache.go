// Package cache stores OCR results keyed by the preprocessed image they were recognized from.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// Result is the cached outcome of recognizing one image
type Result struct {
	Text       string
	Confidence float64
	Language   string
	Words      int
	Duration   time.Duration
}

type Cache interface {
	// Get returns nil and no error if key is unknown
	Get(ctx context.Context, key string) (*Result, error)
	Save(ctx context.Context, key string, r *Result) error
}

// Key derives the cache key from the image, the language and any recognition options
func Key(img []byte, lang string, opts any) string {
	h := sha256.New()
	h.Write(img)
	h.Write([]byte{0})
	h.Write([]byte(lang))
	h.Write([]byte{0})
	if opts != nil {
		b, _ := json.Marshal(opts)
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (r *Result) metadata() map[string]string {
	return map[string]string{
		"language":   r.Language,
		"confidence": strconv.FormatFloat(r.Confidence, 'f', 2, 64),
		"words":      strconv.Itoa(r.Words),
		"durationMs": strconv.FormatInt(r.Duration.Milliseconds(), 10),
	}
}

func resultFromMetadata(meta map[string]string, text string) *Result {
	r := &Result{Text: text, Language: meta["language"]}
	r.Confidence, _ = strconv.ParseFloat(meta["confidence"], 64)
	r.Words, _ = strconv.Atoi(meta["words"])
	if ms, err := strconv.ParseInt(meta["durationMs"], 10, 64); err == nil {
		r.Duration = time.Duration(ms) * time.Millisecond
	}
	return r
}

type NopCache struct{}

func (c *NopCache) Get(ctx context.Context, key string) (*Result, error) {
	return nil, nil
}

func (c *NopCache) Save(ctx context.Context, key string, r *Result) error {
	return nil
}
