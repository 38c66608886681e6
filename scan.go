package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/johbar/scan-ocr-service/internal/scanner"
)

func NewScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan FILE...",
		Short: "Recognize text in images or scanned PDFs",
		Long: `Recognizes the text of each file and prints it. Use "-" to read from stdin.
Results are saved to the history unless --no-save is given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runScan,
	}
	f := cmd.Flags()
	f.StringP("lang", "l", "", `Language(s), e.g. "deu+eng". Default: SCAN_LANGUAGE`)
	f.Int("psm", -1, "Tesseract page segmentation mode (0-13)")
	f.String("whitelist", "", "Only recognize these characters")
	f.String("title", "", "Title of the saved scan")
	f.Bool("no-save", false, "Do not save the result to the history")
	f.Bool("no-cache", false, "Ignore cached results")
	f.Bool("binarize", false, "Convert to black and white before recognition")
	f.Bool("no-grayscale", false, "Skip the grayscale conversion")
	f.Bool("no-contrast", false, "Skip the contrast stretch")
	f.Bool("no-dehyphenate", false, "Keep hyphens at line ends")
	f.Bool("json", false, "Print results as JSON")
	return cmd
}

func requestFromFlags(cmd *cobra.Command) (scanner.Request, error) {
	f := cmd.Flags()
	var req scanner.Request
	req.Language, _ = f.GetString("lang")
	req.Whitelist, _ = f.GetString("whitelist")
	req.Title, _ = f.GetString("title")
	req.NoCache, _ = f.GetBool("no-cache")
	if psm, _ := f.GetInt("psm"); psm >= 0 {
		req.PageSegMode = &psm
	}
	negated := map[string]**bool{
		"no-save":        &req.Save,
		"no-grayscale":   &req.Grayscale,
		"no-contrast":    &req.ContrastStretch,
		"no-dehyphenate": &req.Dehyphenate,
	}
	for name, field := range negated {
		if f.Changed(name) {
			v, _ := f.GetBool(name)
			v = !v
			*field = &v
		}
	}
	if f.Changed("binarize") {
		v, _ := f.GetBool("binarize")
		req.Binarize = &v
	}
	return req, req.Validate()
}

func runScan(cmd *cobra.Command, args []string) error {
	req, err := requestFromFlags(cmd)
	if err != nil {
		return err
	}
	asJSON, _ := cmd.Flags().GetBool("json")
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		var res *scanner.Outcome
		if args[0] == "-" {
			res, err = a.scanner.ProcessStream(ctx, cmd.InOrStdin(), -1, "stdin", req)
		} else {
			res, err = a.scanner.ProcessFile(ctx, args[0], req)
		}
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSON(out, res)
		}
		return printOutcome(out, cmd.ErrOrStderr(), res)
	}

	items := a.scanner.ProcessBatch(ctx, args, req)
	var failed []error
	for _, item := range items {
		if item.Err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", item.Path, item.Err))
		}
	}
	if asJSON {
		type result struct {
			scanner.BatchItem
			Error string `json:"error,omitempty"`
		}
		results := make([]result, len(items))
		for i, item := range items {
			results[i].BatchItem = item
			if item.Err != nil {
				results[i].Error = item.Err.Error()
			}
		}
		if err := writeJSON(out, results); err != nil {
			return err
		}
	} else {
		for _, item := range items {
			if item.Outcome == nil {
				continue
			}
			fmt.Fprintf(out, "==> %s <==\n", item.Path)
			if err := printOutcome(out, cmd.ErrOrStderr(), item.Outcome); err != nil {
				return err
			}
			fmt.Fprintln(out)
		}
	}
	return errors.Join(failed...)
}

func printOutcome(w, info io.Writer, res *scanner.Outcome) error {
	if _, err := fmt.Fprintln(w, res.Text); err != nil {
		return err
	}
	if res.Scan != nil {
		fmt.Fprintf(info, "saved as scan %d (%s, confidence %.1f%%)\n", res.Scan.ID, res.Language, res.Confidence)
	}
	return nil
}
