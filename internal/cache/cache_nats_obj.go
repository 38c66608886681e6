package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/johbar/scan-ocr-service/internal/config"
)

// ObjectStoreCache keeps recognized text as objects in a NATS JetStream object store.
// The other result fields are stored as object metadata.
type ObjectStoreCache struct {
	jetstream.ObjectStore
	nc  *nats.Conn
	js  jetstream.JetStream
	log *slog.Logger
}

func New(conf *config.ScanConfig, log *slog.Logger, nc *nats.Conn) (*ObjectStoreCache, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if nc == nil {
		return nil, errors.New("no connection to NATS")
	}
	js, err := setupJetstream(conf, nc, log)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	store, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Storage:     jetstream.FileStorage,
		Bucket:      conf.Bucket,
		Compression: true,
		Replicas:    max(conf.Replicas, 1),
	})
	if err != nil {
		return nil, fmt.Errorf("initializing NATS object store: %w", err)
	}
	log.Info("NATS object store initialized.", "bucket", conf.Bucket)
	return &ObjectStoreCache{store, nc, js, log}, nil
}

func setupJetstream(conf *config.ScanConfig, nc *nats.Conn, log *slog.Logger) (jetstream.JetStream, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		log.Error("Error when initializing NATS JetStream", "err", err.Error())
		return nil, err
	}

	for attempts := 0; attempts <= conf.NatsConnectRetries; attempts++ {
		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		_, err = js.AccountInfo(ctx)
		cancel()
		if err == nil {
			return js, nil
		}
		if errors.Is(err, jetstream.ErrJetStreamNotEnabled) || errors.Is(err, jetstream.ErrJetStreamNotEnabledForAccount) {
			return nil, err
		}
		log.Error("NATS JetStream check failed. Is JetStream enabled in external NATS server(s)?",
			"err", err,
			"count", attempts,
			"maxRetries", conf.NatsConnectRetries)
		time.Sleep(time.Second)
	}
	return nil, fmt.Errorf("retry count exceeded: %w", err)
}

func (store *ObjectStoreCache) Get(ctx context.Context, key string) (*Result, error) {
	obj, err := store.ObjectStore.Get(ctx, key)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("retrieving object %s from object store: %w", key, err)
	}
	defer obj.Close()
	info, err := obj.Info()
	if err != nil {
		return nil, fmt.Errorf("retrieving object metadata for %s: %w", key, err)
	}
	var sb strings.Builder
	if _, err := io.Copy(&sb, obj); err != nil {
		return nil, fmt.Errorf("reading object %s: %w", key, err)
	}
	return resultFromMetadata(info.Metadata, sb.String()), nil
}

func (store *ObjectStoreCache) Save(ctx context.Context, key string, r *Result) error {
	m := jetstream.ObjectMeta{Name: key, Metadata: r.metadata()}
	info, err := store.ObjectStore.Put(ctx, m, strings.NewReader(r.Text))
	if err != nil {
		return fmt.Errorf("saving object %s: %w", key, err)
	}
	store.log.Debug("Result cached", "key", key, "size", info.Size)
	return nil
}
