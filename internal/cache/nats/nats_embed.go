package nats

import (
	"errors"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/johbar/scan-ocr-service/internal/config"
)

// ConnectToEmbeddedNatsServer starts a JetStream enabled NATS server in this process
// and connects to it. Closing the connection leaves the server running.
func ConnectToEmbeddedNatsServer(conf *config.ScanConfig) (*nats.Conn, error) {
	ns, err := server.NewServer(
		&server.Options{
			JetStream:  true,
			MaxPayload: conf.NatsMaxPayload,
			TLS:        false,
			DontListen: !conf.ExposeNats,
			Host:       conf.NatsHost,
			Port:       conf.NatsPort,
			StoreDir:   conf.NatsStoreDir,
			NoSigs:     true,
		})
	if err != nil {
		return nil, err
	}
	ns.ConfigureLogger()
	ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("embedded NATS not ready")
	}
	return nats.Connect("", nats.InProcessServer(ns), nats.Name(config.AppName))
}
