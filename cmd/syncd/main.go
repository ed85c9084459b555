// Command syncd runs the authoritative sync server: the websocket
// listener, the per-connection session/room/sync handler (pkg/server),
// and, if configured, the Raft-backed clock sequencer (pkg/seqlog).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docukit/syncd/pkg/docbinding/jsonmap"
	"github.com/docukit/syncd/pkg/log"
	"github.com/docukit/syncd/pkg/seqlog"
	"github.com/docukit/syncd/pkg/server"
	"github.com/docukit/syncd/pkg/storage"
	"github.com/docukit/syncd/pkg/transport"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "syncd",
	Short:   "syncd runs the authoritative document sync server",
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("syncd version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.Flags().String("config", "", "Path to a YAML config file (see Config in cmd/syncd)")
	rootCmd.Flags().String("listen", "127.0.0.1:7420", "Websocket listen address")
	rootCmd.Flags().String("health-listen", "127.0.0.1:7421", "Health/metrics listen address")
	rootCmd.Flags().String("storage-dsn", "syncd.db", "SQLite DSN for the server store")
	rootCmd.Flags().Int("squash-threshold", 100, "Backlog size that triggers a squash; 0 disables squashing")
	rootCmd.Flags().Bool("raft", false, "Run the clock sequencer over Raft instead of assigning clocks directly")
	rootCmd.Flags().String("node-id", "node-1", "Raft node id (only used with --raft)")
	rootCmd.Flags().String("raft-bind", "127.0.0.1:7422", "Raft bind address (only used with --raft)")
	rootCmd.Flags().String("data-dir", "./syncd-data", "Raft data directory (only used with --raft)")
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := storage.NewSQLiteServerStore(cfg.StorageDSN)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	var sequencer *seqlog.Sequencer
	if cfg.Raft.Enabled {
		sequencer, err = seqlog.New(seqlog.Config{
			NodeID:   cfg.Raft.NodeID,
			BindAddr: cfg.Raft.BindAddr,
			DataDir:  cfg.Raft.DataDir,
		}, store)
		if err != nil {
			return fmt.Errorf("create sequencer: %w", err)
		}
		if err := sequencer.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap sequencer: %w", err)
		}
		log.Logger.Info().Str("nodeId", cfg.Raft.NodeID).Msg("raft sequencer bootstrapped")
	}

	srv := server.New[*jsonmap.Doc](server.Config{
		Storage:         store,
		Sequencer:       sequencer,
		SquashThreshold: cfg.SquashThreshold,
		Authorize:       cfg.authorizer(),
	}, jsonmap.New())

	upgrader := transport.NewUpgrader(cfg.authenticator())

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		conn, identity, err := upgrader.Accept(w, r)
		if err != nil {
			log.Logger.Warn().Err(err).Msg("handshake rejected")
			return
		}
		srv.HandleConn(conn, identity)
	})
	wsServer := &http.Server{Addr: cfg.ListenAddr, Handler: wsMux}

	health := server.NewHealthServer[*jsonmap.Doc](srv)
	healthServer := &http.Server{
		Addr:         cfg.HealthListenAddr,
		Handler:      health.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Logger.Info().Str("addr", cfg.ListenAddr).Msg("sync listener starting")
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("sync listener: %w", err)
		}
	}()
	go func() {
		log.Logger.Info().Str("addr", cfg.HealthListenAddr).Msg("health listener starting")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("health listener: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("shutting down")
	case err := <-errCh:
		log.Logger.Error().Err(err).Msg("listener failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = wsServer.Shutdown(ctx)
	_ = healthServer.Shutdown(ctx)

	if sequencer != nil {
		if err := sequencer.Shutdown(); err != nil {
			log.Logger.Error().Err(err).Msg("sequencer shutdown failed")
		}
	}
	if err := srv.Shutdown(); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	log.Logger.Info().Msg("shutdown complete")
	return nil
}
