package scanner

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/johbar/scan-ocr-service/internal/langpack"
	"github.com/johbar/scan-ocr-service/pkg/tesswrap"
)

// validate checks requests not bound by gin, using the same tags
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	registerValidations(v)
	return v
}

func registerValidations(v *validator.Validate) {
	if err := v.RegisterValidation("tesslang", validLanguages); err != nil {
		panic(err)
	}
}

// validLanguages accepts Tesseract language strings like "deu+eng"
func validLanguages(fl validator.FieldLevel) bool {
	langs := tesswrap.Languages(fl.Field().String())
	if len(langs) == 0 {
		return false
	}
	for _, l := range langs {
		if !langpack.ValidCode(l) {
			return false
		}
	}
	return true
}

// Validate checks r like the HTTP binding does
func (r Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	return nil
}

// maxAgeDays keeps day counts far below the time.Duration range
const maxAgeDays = 36500

// ParseAge parses a duration. Besides the units of [time.ParseDuration] it accepts whole days, e.g. "30d".
func ParseAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 || n > maxAgeDays {
			return 0, fmt.Errorf("%w: invalid age %q", ErrBadRequest, s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: invalid age %q", ErrBadRequest, s)
	}
	return d, nil
}
