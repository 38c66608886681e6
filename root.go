package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/johbar/scan-ocr-service/internal/config"
	"github.com/johbar/scan-ocr-service/internal/scanner"
)

// Exit codes
const (
	exitOK = iota
	exitFailure
	exitUsage
	exitNotFound
	exitConflict
	exitInterrupted = 130
)

// NewRootCmd creates the command tree
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   config.AppName,
		Short: "Offline text recognition for photos and scanned PDFs",
		Long: `scan-ocr recognizes printed text in photos and scanned PDFs using Tesseract.
Results are kept in a local history that can be searched, edited and exported.

Configuration is read from SCAN_* environment variables; the flags below override them.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// flags win over the environment
			for flag, envVar := range map[string]string{"data-dir": "SCAN_DATA_DIR", "log-level": "SCAN_LOG_LEVEL"} {
				if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
					if err := os.Setenv(envVar, f.Value.String()); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
	cmd.PersistentFlags().String("data-dir", "", "Directory for history, images and language packs")
	cmd.PersistentFlags().String("log-level", "", "Log level: DEBUG, INFO, WARN or ERROR")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewScanCmd())
	cmd.AddCommand(NewHistoryCmd())
	cmd.AddCommand(NewLangCmd())
	cmd.AddCommand(NewVersionCmd())
	return cmd
}

// Execute runs the command line and returns the exit code
func Execute(ctx context.Context, args []string) int {
	return execute(ctx, NewRootCmd(), args)
}

func execute(ctx context.Context, cmd *cobra.Command, args []string) int {
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
	return exitCode(err)
}

func exitCode(err error) int {
	if errors.Is(err, context.Canceled) {
		return exitInterrupted
	}
	p := scanner.Describe(err)
	switch {
	case p.Status == http.StatusNotFound:
		return exitNotFound
	case p.Status == http.StatusConflict:
		return exitConflict
	case p.Status >= 400 && p.Status < 500:
		return exitUsage
	}
	return exitFailure
}

// loadConfig reads the configuration and builds the CLI logger, which writes to stderr
func loadConfig(cmd *cobra.Command) (*config.ScanConfig, *slog.Logger, error) {
	conf, err := config.NewScanConfigFromEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", scanner.ErrBadRequest, err)
	}
	return conf, conf.NewLogger(cmd.ErrOrStderr()), nil
}

// openApp loads the configuration and opens the history without NATS
func openApp(cmd *cobra.Command) (*app, error) {
	conf, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return newApp(conf, logger, appOptions{nats: conf.NatsUrl != ""})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
