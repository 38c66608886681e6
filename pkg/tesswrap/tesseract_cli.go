//go:build tesseract_cli

package tesswrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strconv"
	"strings"
)

type cliBackend struct {
	datapath string
	lang     string
}

func newBackend() backend {
	return &cliBackend{}
}

func (c *cliBackend) listLangs(ctx context.Context) ([]string, error) {
	args := []string{"--list-langs"}
	if c.datapath != "" {
		args = append(args, "--tessdata-dir", c.datapath)
	}
	output, err := exec.CommandContext(ctx, "tesseract", args...).Output()
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(lines) < 2 {
		return []string{}, nil
	}
	// first line is a heading
	return lines[1:], nil
}

func (c *cliBackend) init(datapath string, langs []string) error {
	if _, err := exec.LookPath("tesseract"); err != nil {
		return err
	}
	c.datapath = datapath
	available, err := c.listLangs(context.Background())
	if err != nil {
		return fmt.Errorf("listing languages: %w", err)
	}
	for _, l := range langs {
		if !slices.Contains(available, l) {
			return fmt.Errorf("'%s' is not among the installed languages %v", l, available)
		}
	}
	c.lang = strings.Join(langs, "+")
	return nil
}

func (c *cliBackend) args(opts Options) []string {
	args := []string{"stdin", "stdout", "-l", c.lang, "--psm", strconv.Itoa(int(opts.PageSegMode))}
	if c.datapath != "" {
		args = append(args, "--tessdata-dir", c.datapath)
	}
	for k, v := range variables(opts) {
		args = append(args, "-c", k+"="+v)
	}
	return append(args, "tsv")
}

func (c *cliBackend) recognize(ctx context.Context, img []byte, opts Options) (*Result, error) {
	if c.lang == "" {
		return nil, ErrNotInitialized
	}
	cmd := exec.CommandContext(ctx, "tesseract", c.args(opts)...)
	cmd.Stdin = bytes.NewReader(img)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil, err
	}
	return ParseTSV(bytes.NewReader(out))
}

func (c *cliBackend) version() string {
	out, err := exec.Command("tesseract", "--version").Output()
	if err != nil {
		return ""
	}
	first, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimPrefix(first, "tesseract ")
}

func (c *cliBackend) close() error {
	c.lang = ""
	return nil
}
