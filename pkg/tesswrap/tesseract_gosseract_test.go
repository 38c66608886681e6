//go:build !tesseract_cli

package tesswrap

import "testing"

func TestGosseractInitFailureReleasesClient(t *testing.T) {
	g := &gosseractBackend{}
	if err := g.init(t.TempDir(), []string{"eng"}); err == nil {
		t.Fatal("expected an error without language data")
	}
	if g.client != nil {
		t.Error("client must be released after a failed init")
	}
	if _, err := g.recognize(t.Context(), blankPNG(), DefaultOptions()); err != ErrNotInitialized {
		t.Errorf("want ErrNotInitialized, got %v", err)
	}
}
