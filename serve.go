package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/johbar/scan-ocr-service/internal/config"
	"github.com/johbar/scan-ocr-service/internal/scanner"
)

const shutdownTimeout = 10 * time.Second

func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the NATS micro service",
		Long: `Runs the HTTP API on SCAN_HOST_PORT. With SCAN_NATS_URL or SCAN_EMBED_NATS
the service also registers as NATS micro service and caches results in JetStream.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().String("addr", "", "HTTP listen address, overrides SCAN_HOST_PORT")
	cmd.Flags().Bool("no-http", false, "Only serve NATS requests")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	conf, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		conf.SrvAddr = addr
	}
	if noHTTP, _ := cmd.Flags().GetBool("no-http"); noHTTP {
		conf.NoHttp = true
	}
	// the service logs to stdout
	logger := conf.NewLogger(os.Stdout)
	if os.Getenv("GOMEMLIMIT") != "" {
		logger.Info("GOMEMLIMIT", "Bytes", debug.SetMemoryLimit(-1), "MBytes", debug.SetMemoryLimit(-1)/1024/1024)
	}
	buildinfo, _ := debug.ReadBuildInfo()
	logger.Debug("Info", "buildinfo", buildinfo)

	a, err := newApp(conf, logger, appOptions{nats: true})
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	if a.nc != nil {
		if _, err := a.scanner.RegisterNatsService(a.nc, serviceVersion()); err != nil {
			return err
		}
		logger.Info("NATS micro service registered", "name", config.AppName)
	}
	a.scanner.StartCleanup(ctx)
	go warmUp(ctx, a)

	if conf.NoHttp {
		if a.nc == nil {
			return errors.New("NATS not connected and HTTP disabled")
		}
		logger.Info("Service started with no HTTP endpoints. Waiting for interrupt.")
		<-ctx.Done()
		return nil
	}

	if !conf.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{Addr: conf.SrvAddr, Handler: scanner.NewRouter(a.scanner, logger)}
	go func() {
		<-ctx.Done()
		a.scanner.Stop()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Error("Shutdown failed", "err", err)
		}
	}()
	logger.Info("Service started", "address", srv.Addr, "tesseract", a.scanner.EngineInfo().Version)
	defer logger.Info("HTTP Server stopped.")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		// Error starting or closing listener
		return err
	}
	return nil
}

// warmUp initializes the engine with the default language so the first request does not wait for it
func warmUp(ctx context.Context, a *app) {
	if err := a.scanner.InitializeOCR(ctx, ""); err != nil {
		a.log.Warn("OCR engine not initialized, will retry on the first request", "lang", a.conf.Language, "err", err)
		return
	}
	a.log.Info("OCR engine ready", "lang", a.conf.Language)
}
