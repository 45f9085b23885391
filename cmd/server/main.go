package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/broker"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/config"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/consumers"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/directory"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/metrics"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/nats"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/notify"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/retry"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/store"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/web"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pharmacy-pipeline",
		Short: "Pharmacy order and patient ingestion pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the consumers, the outbox relay and the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := store.Migrate(cfg.DBDriver, cfg.DBDSN); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Println("Migrations applied.")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			version, dirty, ok, err := store.MigrationVersion(cfg.DBDriver, cfg.DBDSN)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("No migrations applied.")
				return nil
			}
			fmt.Printf("Schema version %d (dirty: %t)\n", version, dirty)
			return nil
		},
	})

	return cmd
}

// brokerSetup is everything that depends on which broker was chosen.
type brokerSetup struct {
	broker      broker.Broker
	sink        broker.DeadLetterSink
	deadLetters web.DeadLetters
	js          jetstream.JetStream
	close       func()
}

func setupBroker(ctx context.Context, cfg *config.Config) (*brokerSetup, error) {
	if cfg.Broker == config.BrokerAMQP {
		b, err := broker.DialAMQP(cfg.AMQPURL)
		if err != nil {
			return nil, err
		}
		return &brokerSetup{
			broker: b,
			sink:   broker.NewQueueDeadLetters(b),
			close: func() {
				if err := b.Close(); err != nil {
					slog.Error("AMQP close failed", "error", err)
				}
			},
		}, nil
	}

	var (
		js      jetstream.JetStream
		closeFn func()
	)
	if cfg.NATSURL == "" {
		es, err := nats.NewEmbeddedServer(cfg.NATSDataDir)
		if err != nil {
			return nil, err
		}
		js = es.JetStream()
		closeFn = es.Shutdown
	} else {
		nc, conn, err := nats.Connect(ctx, cfg.NATSURL)
		if err != nil {
			return nil, err
		}
		js = conn
		closeFn = nc.Close
	}

	dl, err := nats.NewKVDeadLetters(ctx, js)
	if err != nil {
		closeFn()
		return nil, err
	}

	return &brokerSetup{
		broker: broker.NewJetStream(js, broker.JetStreamOptions{
			MaxDeliver: cfg.RetryDLQThreshold + 1,
		}),
		sink:        dl,
		deadLetters: dl,
		js:          js,
		close:       closeFn,
	}, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Configuration could not be loaded", "error", err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := store.Migrate(cfg.DBDriver, cfg.DBDSN); err != nil {
		slog.Error("Database migration failed", "error", err)
		return err
	}

	st, err := store.Open(ctx, cfg.DBDriver, cfg.DBDSN, cfg.DBMaxOpenConns)
	if err != nil {
		slog.Error("Database could not be opened", "error", err)
		return err
	}
	defer st.Close()

	bs, err := setupBroker(ctx, cfg)
	if err != nil {
		slog.Error("Broker could not be started", "broker", cfg.Broker, "error", err)
		return err
	}
	defer bs.close()

	m, err := metrics.New()
	if err != nil {
		slog.Error("Metrics could not be registered", "error", err)
		return err
	}

	strategy := retry.Strategy{
		BaseDelay:    cfg.RetryBaseDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		Multiplier:   retry.DefaultStrategy().Multiplier,
		DLQThreshold: cfg.RetryDLQThreshold,
	}

	var wg sync.WaitGroup

	publisher := notify.NewPublisher(bs.broker, m)
	relay := notify.NewRelay(st, publisher, strategy, cfg.OutboxBatchSize, m)
	wg.Add(1)
	go func() {
		defer wg.Done()
		relay.Run(ctx, cfg.OutboxInterval)
	}()

	ingestor := consumers.NewIngestor(bs.broker, st, bs.sink, strategy, m)
	if err := ingestor.Start(ctx); err != nil {
		slog.Error("Consumers could not be started", "error", err)
		cancel()
		wg.Wait()
		return err
	}

	dir := directory.NewClient(cfg.DirectoryURL, directory.Options{
		Timeout:    cfg.DirectoryTimeout,
		MaxRetries: cfg.DirectoryMaxRetries,
		Metrics:    m,
	})

	webServer := web.NewServer(cfg, web.Deps{
		Store:       st,
		Directory:   dir,
		Publisher:   publisher,
		Consumers:   ingestor,
		DeadLetters: bs.deadLetters,
		JetStream:   bs.js,
		Metrics:     m,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := webServer.Start(ctx); err != nil {
			slog.Error("Web server error", "error", err)
		}
	}()

	slog.Info("Pharmacy pipeline started",
		"broker", cfg.Broker,
		"dbDriver", cfg.DBDriver,
		"webPort", cfg.WebPort,
		"directory", cfg.DirectoryURL,
	)

	printStartupInfo(cfg)

	<-sigChan
	slog.Info("Shutdown signal received, stopping")

	cancel()

	ingestor.Wait()
	wg.Wait()

	slog.Info("Pharmacy pipeline stopped")
	return nil
}

func printStartupInfo(cfg *config.Config) {
	info := `
╔═══════════════════════════════════════════════════════════════╗
║                   Pharmacy Pipeline Started                   ║
╠═══════════════════════════════════════════════════════════════╣
║ Broker               : %-38s ║
║ Database driver      : %-38s ║
║ HTTP API             : http://localhost:%-22d ║
║                                                               ║
║ Consuming            : %-38s ║
║ Patient directory    : %-38s ║
╚═══════════════════════════════════════════════════════════════╝
`
	brokerName := cfg.Broker
	if cfg.Broker == config.BrokerNATS && cfg.NATSURL == "" {
		brokerName += " (embedded)"
	}

	fmt.Printf(info,
		brokerName,
		cfg.DBDriver,
		cfg.WebPort,
		"orders, patient_publish",
		cfg.DirectoryURL,
	)
}
