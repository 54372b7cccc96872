package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/balu-dk/go-ocpp-central/internal/logger"
	"github.com/balu-dk/go-ocpp-central/internal/metrics"
	"github.com/balu-dk/go-ocpp-central/internal/notify"
	ocppserver "github.com/balu-dk/go-ocpp-central/ocpp"
	"github.com/balu-dk/go-ocpp-central/server"
	"github.com/balu-dk/go-ocpp-central/server/database"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the OCPP WebSocket server and the HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return serve(ctx, cfg, logger.New(cfg.Log))
}

// serve wires every component from cfg and runs them until ctx is cancelled
// or one of them fails.
func serve(ctx context.Context, cfg *Config, log zerolog.Logger) error {
	opts := []ocppserver.Option{ocppserver.WithLogger(log)}

	var dbService *database.Service
	if cfg.Database.Type != noDatabase {
		var err error
		dbService, err = database.NewService(&cfg.Database, log)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer func() {
			if err := dbService.Close(); err != nil {
				log.Error().Err(err).Msg("database close")
			}
		}()
		opts = append(opts,
			ocppserver.WithPersister(dbService),
			ocppserver.WithLoader(dbService),
			ocppserver.WithAuthorizer(dbService),
		)
	}

	var archiver *ocppserver.FrameArchiver
	if cfg.Archive.Enabled && dbService != nil {
		var store ocppserver.FrameStore = dbService
		if cfg.Archive.Backend == archivePgx {
			pgxArchive, err := database.NewPgxFrameArchive(ctx, cfg.Database.PostgresURL())
			if err != nil {
				return fmt.Errorf("frame archive: %w", err)
			}
			defer pgxArchive.Close()
			store = pgxArchive
		}
		archiver = ocppserver.NewFrameArchiver(store, log)
		opts = append(opts, ocppserver.WithFrameRecorder(archiver))
		log.Info().Str("backend", cfg.Archive.Backend).Msg("frame archive enabled")
	}

	var publishers notify.Multi
	if cfg.Notify.NATS.URL != "" {
		p, err := notify.NewNATSPublisher(cfg.Notify.NATS, log)
		if err != nil {
			return err
		}
		defer func() {
			if err := p.Close(); err != nil {
				log.Warn().Err(err).Msg("nats close")
			}
		}()
		publishers = append(publishers, p)
	}
	if cfg.Notify.MQTT.Broker != "" {
		p, err := notify.NewMQTTPublisher(cfg.Notify.MQTT, log)
		if err != nil {
			return err
		}
		defer p.Close()
		publishers = append(publishers, p)
	}
	if len(publishers) > 0 {
		opts = append(opts, ocppserver.WithPublisher(publishers))
	}

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		rec, err := metrics.NewPromRecorder(prometheus.DefaultRegisterer)
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		opts = append(opts, ocppserver.WithMetrics(rec))
		metricsHandler = metrics.Handler(prometheus.DefaultGatherer)
	}

	reg, err := ocppserver.NewRegistry(&cfg.OCPP, opts...)
	if err != nil {
		return err
	}
	if err := reg.Restore(ctx); err != nil {
		return err
	}

	commands := ocppserver.NewCommandManager(reg)
	central := ocppserver.NewCentralSystem(reg)
	defer central.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ocppserver.NewOCPPServer(&cfg.OCPP, central).ListenAndServe(ctx)
	})
	g.Go(func() error {
		return server.NewAPIServer(reg, commands, dbService, metricsHandler, log).ListenAndServe(ctx)
	})
	g.Go(func() error {
		return ocppserver.NewMonitor(reg, commands).Run(ctx)
	})
	if archiver != nil {
		g.Go(func() error { return archiver.Run(ctx) })
	}

	log.Info().
		Str("websocket", cfg.OCPP.WebSocketAddr()).
		Str("api", cfg.OCPP.APIAddr()).
		Str("database", string(cfg.Database.Type)).
		Msg("ocpp central system started")
	return g.Wait()
}
