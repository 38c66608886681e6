package scanner

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/johbar/scan-ocr-service/internal/langpack"
	"github.com/johbar/scan-ocr-service/pkg/tesswrap"
)

var ErrLanguageInUse = errors.New("language is in use")

// LanguageInfo is a language pack and whether the engine currently uses it
type LanguageInfo struct {
	langpack.Language
	Active bool `json:"active"`
}

// ListLanguages returns the catalog plus installed packs missing from it.
// With installedOnly set only installed packs are returned.
func (s *Scanner) ListLanguages(installedOnly bool) ([]LanguageInfo, error) {
	installed, err := s.langs.Installed()
	if err != nil {
		return nil, err
	}
	var langs []langpack.Language
	if installedOnly {
		langs = installed
	} else {
		langs = s.langs.Available()
		for _, l := range installed {
			if !slices.ContainsFunc(langs, func(a langpack.Language) bool { return a.Code == l.Code }) {
				langs = append(langs, l)
			}
		}
	}
	active := s.activeLanguages()
	infos := make([]LanguageInfo, 0, len(langs))
	for _, l := range langs {
		infos = append(infos, LanguageInfo{Language: l, Active: slices.Contains(active, l.Code)})
	}
	return infos, nil
}

func (s *Scanner) activeLanguages() []string {
	if !s.engine.Initialized() {
		return nil
	}
	return tesswrap.Languages(s.engine.Language())
}

// InstallLanguage downloads a language pack
func (s *Scanner) InstallLanguage(ctx context.Context, code string, progress langpack.Progress) error {
	if err := s.langs.Install(ctx, code, progress); err != nil {
		return err
	}
	s.log.Info("Language installed", "lang", code)
	return nil
}

// RemoveLanguage deletes a language pack the engine does not use
func (s *Scanner) RemoveLanguage(code string) error {
	if slices.Contains(s.activeLanguages(), code) {
		return fmt.Errorf("%w: %s", ErrLanguageInUse, code)
	}
	if err := s.langs.Remove(code); err != nil {
		return err
	}
	s.log.Info("Language removed", "lang", code)
	return nil
}
