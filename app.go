package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nats-io/nats.go"

	"github.com/johbar/scan-ocr-service/internal/cache"
	natsconn "github.com/johbar/scan-ocr-service/internal/cache/nats"
	"github.com/johbar/scan-ocr-service/internal/config"
	"github.com/johbar/scan-ocr-service/internal/docfactory"
	"github.com/johbar/scan-ocr-service/internal/history"
	"github.com/johbar/scan-ocr-service/internal/langpack"
	"github.com/johbar/scan-ocr-service/internal/scanner"
	"github.com/johbar/scan-ocr-service/pkg/tesswrap"
)

// app bundles the scanner with the connections it depends on
type app struct {
	conf    *config.ScanConfig
	log     *slog.Logger
	scanner *scanner.Scanner
	nc      *nats.Conn
}

type appOptions struct {
	// connect to NATS, possibly starting the embedded server
	nats bool
}

func newApp(conf *config.ScanConfig, logger *slog.Logger, opts appOptions) (*app, error) {
	if err := conf.EnsureDirs(); err != nil {
		return nil, err
	}
	store, err := history.Open(conf.DbDir, logger)
	if err != nil {
		return nil, err
	}
	langs, err := langpack.New(conf, &http.Client{}, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	a := &app{conf: conf, log: logger}
	var resultCache cache.Cache = &cache.NopCache{}
	if opts.nats {
		a.nc, err = natsconn.SetupNatsConnection(conf, logger)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("connecting to NATS: %w", err)
		}
	}
	if a.nc != nil {
		c, err := cache.New(conf, logger, a.nc)
		switch {
		case err == nil:
			resultCache = c
		case conf.FailWithoutJetstream:
			a.nc.Close()
			store.Close()
			return nil, fmt.Errorf("JetStream not available: %w", err)
		default:
			logger.Warn("JetStream not available, caching disabled", "err", err)
		}
	}
	engine := tesswrap.New(conf.TessdataDir, logger)
	a.scanner = scanner.New(conf, engine, store, langs, docfactory.New(conf, logger), resultCache, logger)
	return a, nil
}

func (a *app) Close() error {
	err := a.scanner.Close()
	if a.nc != nil {
		err = errors.Join(err, a.nc.Drain())
	}
	return err
}
