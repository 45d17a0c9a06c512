// Package main implements the truthd binary: the artifact store daemon
// and a CLI client for it.
//
// "truthd serve" starts the REST server, "truthd mcp" serves the same
// operations over the Model Context Protocol on stdio, and the remaining
// subcommands are HTTP clients for a running daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/truthd/internal/config"
	"github.com/fyrsmithlabs/truthd/internal/embeddings"
	"github.com/fyrsmithlabs/truthd/internal/httpapi"
	"github.com/fyrsmithlabs/truthd/internal/logging"
	"github.com/fyrsmithlabs/truthd/internal/mcp"
	"github.com/fyrsmithlabs/truthd/internal/service"
	"github.com/fyrsmithlabs/truthd/internal/store"

	// Store backends register themselves with store.Open.
	_ "github.com/fyrsmithlabs/truthd/internal/store/qdrantstore"
	_ "github.com/fyrsmithlabs/truthd/internal/store/sqlitevec"
)

// Version information (set via ldflags during build).
var (
	version   = "dev"
	gitCommit = "unknown"
)

var (
	configPath string
	serverURL  string
	outputMode string
)

var rootCmd = &cobra.Command{
	Use:   "truthd",
	Short: "Artifact store and retrieval engine",
	Long: `truthd stores small truth artifacts (intents, contracts, constraints)
with embeddings and serves semantic search over them.

Run "truthd serve" to start the daemon; the other subcommands talk to it
over HTTP.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8970", "truthd server URL")
	rootCmd.PersistentFlags().StringVarP(&outputMode, "output", "o", "json", "output format: json or yaml")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("truthd %s (%s)\n", version, gitCommit)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the truthd REST server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve artifact tools over the Model Context Protocol on stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP(cmd.Context())
	},
}

// deps holds the initialized daemon dependencies.
type deps struct {
	cfg      *config.Config
	logger   *zap.Logger
	embedder embeddings.Provider
	store    store.Store
	services struct {
		artifacts *service.ArtifactService
		search    *service.SearchService
	}
}

// initDeps loads configuration and wires the embedding provider, store,
// and services. The store's vector width comes from the active model.
func initDeps() (*deps, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	embedder, err := embeddings.NewProvider(cfg.Embeddings.ToProvider())
	if err != nil {
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	st, err := store.Open(cfg.Store.ToStore(embedder.Dimension()))
	if err != nil {
		embedder.Close()
		return nil, fmt.Errorf("opening store: %w", err)
	}

	d := &deps{cfg: cfg, logger: logger, embedder: embedder, store: st}
	d.services.artifacts, err = service.NewArtifactService(st, embedder, logger)
	if err != nil {
		d.close()
		return nil, err
	}
	registry, err := cfg.Kinds.Registry()
	if err != nil {
		d.close()
		return nil, err
	}
	if registry != nil {
		d.services.artifacts.SetKindRegistry(registry)
	}
	d.services.search, err = service.NewSearchService(st, embedder, logger)
	if err != nil {
		d.close()
		return nil, err
	}

	logger.Info("truthd initialized",
		zap.String("store", cfg.Store.Backend),
		zap.String("embedding_provider", cfg.Embeddings.Provider),
		zap.String("embedding_model", embedder.ModelID()),
		zap.Int("dimensions", embedder.Dimension()),
	)
	return d, nil
}

func (d *deps) close() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("closing store", zap.Error(err))
		}
	}
	if d.embedder != nil {
		if err := d.embedder.Close(); err != nil {
			d.logger.Warn("closing embedding provider", zap.Error(err))
		}
	}
	_ = d.logger.Sync()
}

func runServe(ctx context.Context) error {
	d, err := initDeps()
	if err != nil {
		return err
	}
	defer d.close()

	srv, err := httpapi.NewServer(d.services.artifacts, d.services.search, d.store, d.logger, &httpapi.Config{
		Host: d.cfg.Server.Host,
		Port: d.cfg.Server.Port,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func runMCP(ctx context.Context) error {
	d, err := initDeps()
	if err != nil {
		return err
	}
	defer d.close()

	srv, err := mcp.NewServer(&mcp.Config{
		Name:    "truthd",
		Version: version,
		Logger:  d.logger,
	}, d.services.artifacts, d.services.search)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}
