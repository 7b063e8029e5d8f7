package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/synagraph/internal/config"
	"github.com/lazypower/synagraph/internal/engine"
	"github.com/lazypower/synagraph/internal/outbox"
	"github.com/lazypower/synagraph/internal/server"
	"github.com/lazypower/synagraph/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	// Resolve database path
	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("resolve db path: %w", err)
		}
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	eng := engine.New(db, cfg.Embedding, cfg.Scoring, log)

	// The embedding collaborator is optional: without it, vector queries
	// still work and only text-only searches are refused.
	if engine.ProbeOllama(cfg.Embedding.OllamaURL, cfg.Embedding.Model) {
		eng.SetEmbedder(engine.NewOllamaEmbedder(cfg.Embedding.OllamaURL, cfg.Embedding.Model, cfg.Embedding.Dim))
		log.Info("embedder configured",
			zap.String("model", cfg.Embedding.Model),
			zap.Int("dim", cfg.Embedding.Dim))
	} else {
		log.Warn("no embedder reachable, text-only search disabled",
			zap.String("ollama_url", cfg.Embedding.OllamaURL))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng.StartSweeper(ctx)
	defer eng.Stop()

	dispatcher := outbox.New(db, &outbox.LogPublisher{Log: log}, cfg.Outbox.BatchSize,
		time.Duration(cfg.Outbox.DrainIntervalSec)*time.Second, log)

	srv := server.New(db, eng, cfg.DefaultTenant, VersionString(), log)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: srv,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("synagraph serving",
			zap.String("addr", cfg.ListenAddr()),
			zap.String("db", dbPath))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return dispatcher.Run(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
