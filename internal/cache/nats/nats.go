// Package nats connects the service to an external or embedded NATS server.
package nats

import (
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/johbar/scan-ocr-service/internal/config"
)

// SetupNatsConnection connects the service to NATS.
// Depending on the config an embedded NATS server is started.
// It returns nil and no error if NATS is neither configured nor embedded.
func SetupNatsConnection(conf *config.ScanConfig, log *slog.Logger) (*nats.Conn, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if conf.NatsUrl == "" {
		if !conf.EmbedNats {
			return nil, nil
		}
		log.Info("Starting embedded NATS server", "storeDir", conf.NatsStoreDir, "exposed", conf.ExposeNats)
		return ConnectToEmbeddedNatsServer(conf)
	}
	var (
		nc       *nats.Conn
		err      error
		attempts int
	)
	log.Info("Try connecting to NATS", "url", conf.NatsUrl, "timeoutSecs", conf.NatsTimeout.Seconds())
	for nc == nil {
		attempts++
		nc, err = nats.Connect(conf.NatsUrl, nats.Name(config.AppName), nats.Timeout(conf.NatsTimeout))
		if err == nil {
			break
		}
		log.Error("Connecting to NATS failed",
			"url", conf.NatsUrl,
			"timeoutSecs", conf.NatsTimeout.Seconds(),
			"err", err,
			"count", attempts,
			"maxRetries", conf.NatsConnectRetries)
		if attempts > conf.NatsConnectRetries {
			log.Error("Connecting to NATS failed. Retry count exceeded", "err", err, "maxRetries", conf.NatsConnectRetries)
			return nil, err
		}
		time.Sleep(time.Second)
	}
	return nc, nil
}
