package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nao1215/markdown"
	"github.com/spf13/cobra"

	"github.com/johbar/scan-ocr-service/internal/langpack"
)

func NewLangCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "lang",
		Aliases: []string{"languages"},
		Short:   "Manage Tesseract language packs",
	}
	cmd.AddCommand(newLangListCmd(), newLangInstallCmd(), newLangRemoveCmd())
	return cmd
}

func newLangListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List available and installed languages",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			installedOnly, _ := cmd.Flags().GetBool("installed")
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			langs, err := a.scanner.ListLanguages(installedOnly)
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return writeJSON(cmd.OutOrStdout(), langs)
			}
			rows := make([][]string, len(langs))
			for i, l := range langs {
				installed := ""
				if l.Installed {
					installed = "yes"
				}
				size := ""
				if l.SizeBytes > 0 {
					size = humanize.Bytes(l.SizeBytes)
				}
				rows[i] = []string{l.Code, l.Name, size, installed}
			}
			return markdown.NewMarkdown(cmd.OutOrStdout()).
				Table(markdown.TableSet{Header: []string{"Code", "Name", "Size", "Installed"}, Rows: rows}).
				Build()
		},
	}
	cmd.Flags().Bool("installed", false, "Only installed languages")
	cmd.Flags().Bool("json", false, "Print as JSON")
	return cmd
}

// progressPrinter reports download progress at most once per second
func progressPrinter(w io.Writer, code string) langpack.Progress {
	var last time.Time
	return func(done, total int64) {
		if time.Since(last) < time.Second && done != total {
			return
		}
		last = time.Now()
		if total > 0 {
			fmt.Fprintf(w, "\r%s: %s of %s", code, humanize.Bytes(uint64(done)), humanize.Bytes(uint64(total)))
		} else {
			fmt.Fprintf(w, "\r%s: %s", code, humanize.Bytes(uint64(done)))
		}
	}
}

func newLangInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install CODE...",
		Short: "Download language packs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			for _, code := range args {
				err := a.scanner.InstallLanguage(cmd.Context(), code, progressPrinter(cmd.ErrOrStderr(), code))
				fmt.Fprintln(cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s installed\n", code)
			}
			return nil
		},
	}
}

func newLangRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove CODE...",
		Aliases: []string{"rm"},
		Short:   "Delete language packs",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			for _, code := range args {
				if err := a.scanner.RemoveLanguage(code); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s removed\n", code)
			}
			return nil
		},
	}
}
