package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const DeadLetterBucket = "PHARMA_DLQ"

type EmbeddedServer struct {
	server *server.Server
	nc     *nats.Conn
	js     jetstream.JetStream
}

// NewEmbeddedServer starts an in-process NATS server with JetStream storing
// under dataDir, connects to it and creates the KV buckets.
func NewEmbeddedServer(dataDir string) (*EmbeddedServer, error) {
	opts := &server.Options{
		JetStream: true,
		StoreDir:  filepath.Join(dataDir, "jetstream"),
		Host:      "127.0.0.1",
		Port:      -1, // random port, in-process clients only
		HTTPPort:  -1,
		NoSigs:    true,
	}

	if err := os.MkdirAll(opts.StoreDir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}

	ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready")
	}

	slog.Info("Embedded NATS server started", "clientURL", ns.ClientURL())

	nc, err := nats.Connect(ns.ClientURL(), nats.Name("pharmacy-pipeline"))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("init JetStream: %w", err)
	}

	es := &EmbeddedServer{
		server: ns,
		nc:     nc,
		js:     js,
	}

	if err := CreateBuckets(context.Background(), js); err != nil {
		es.Shutdown()
		return nil, err
	}

	return es, nil
}

// Connect dials an external NATS server and creates the KV buckets there.
func Connect(ctx context.Context, url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("pharmacy-pipeline"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS %s: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("init JetStream: %w", err)
	}

	if err := CreateBuckets(ctx, js); err != nil {
		nc.Close()
		return nil, nil, err
	}

	slog.Info("Connected to NATS", "url", url)
	return nc, js, nil
}

// CreateBuckets makes sure the dead-letter bucket exists.
func CreateBuckets(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      DeadLetterBucket,
		Description: "Messages the ingestion consumers gave up on",
		History:     1,
		TTL:         14 * 24 * time.Hour,
		MaxBytes:    100 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
	})
	if errors.Is(err, jetstream.ErrBucketExists) {
		_, err = js.KeyValue(ctx, DeadLetterBucket)
	}
	if err != nil {
		return fmt.Errorf("create %s KV bucket: %w", DeadLetterBucket, err)
	}

	slog.Info("KV bucket ready", "bucket", DeadLetterBucket)
	return nil
}

func (es *EmbeddedServer) JetStream() jetstream.JetStream {
	return es.js
}

func (es *EmbeddedServer) Connection() *nats.Conn {
	return es.nc
}

func (es *EmbeddedServer) Shutdown() {
	if es.nc != nil {
		es.nc.Close()
	}
	if es.server != nil {
		es.server.Shutdown()
		es.server.WaitForShutdown()
	}
	slog.Info("Embedded NATS server stopped")
}
