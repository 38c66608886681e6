//go:build !tesseract_cli

// This is the default implementation
package tesswrap

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"maps"

	"github.com/otiai10/gosseract/v2"
)

type gosseractBackend struct {
	client   *gosseract.Client
	datapath string
	langs    []string
	// variables applied to the current client; tesseract can't reset them to defaults
	vars map[string]string
}

func newBackend() backend {
	return &gosseractBackend{}
}

func (g *gosseractBackend) newClient() error {
	if g.client != nil {
		g.client.Close()
		g.client = nil
	}
	c := gosseract.NewClient()
	if g.datapath != "" {
		if err := c.SetTessdataPrefix(g.datapath); err != nil {
			c.Close()
			return err
		}
	}
	if err := c.SetLanguage(g.langs...); err != nil {
		c.Close()
		return err
	}
	if err := c.DisableOutput(); err != nil {
		c.Close()
		return err
	}
	c.Trim = true
	g.client = c
	g.vars = nil
	return nil
}

// init prepares a client. gosseract loads the language data lazily,
// so a blank image is recognized to surface broken language data right away.
func (g *gosseractBackend) init(datapath string, langs []string) error {
	g.datapath = datapath
	g.langs = langs
	if err := g.newClient(); err != nil {
		return err
	}
	if err := g.warmUp(); err != nil {
		_ = g.close()
		return err
	}
	return nil
}

func (g *gosseractBackend) warmUp() error {
	if err := g.client.SetImageFromBytes(blankPNG()); err != nil {
		return err
	}
	_, err := g.client.Text()
	return err
}

func blankPNG() []byte {
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	var buf bytes.Buffer
	// encoding an in-memory image can't fail
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

func (g *gosseractBackend) recognize(ctx context.Context, img []byte, opts Options) (*Result, error) {
	if g.client == nil {
		return nil, ErrNotInitialized
	}
	vars := variables(opts)
	if g.vars != nil && !maps.Equal(g.vars, vars) {
		// a variable set by an earlier request would stick otherwise
		if err := g.newClient(); err != nil {
			return nil, err
		}
	}
	for k, v := range vars {
		if err := g.client.SetVariable(gosseract.SettableVariable(k), v); err != nil {
			return nil, err
		}
	}
	g.vars = vars
	if err := g.client.SetPageSegMode(gosseract.PageSegMode(opts.PageSegMode)); err != nil {
		return nil, err
	}
	if err := g.client.SetImageFromBytes(img); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	txt, err := g.client.Text()
	if err != nil {
		return nil, err
	}
	// the native call can't be interrupted; a stop request discards its result
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	boxes, err := g.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		// text without confidence is still a result
		boxes = nil
	}
	words := make([]Word, 0, len(boxes))
	for _, b := range boxes {
		words = append(words, Word{Text: b.Word, Confidence: b.Confidence, Box: b.Box})
	}
	return &Result{Text: txt, Words: words, Confidence: MeanConfidence(words)}, nil
}

func (g *gosseractBackend) version() string {
	return gosseract.Version()
}

func (g *gosseractBackend) close() error {
	if g.client == nil {
		return nil
	}
	err := g.client.Close()
	g.client = nil
	return err
}
