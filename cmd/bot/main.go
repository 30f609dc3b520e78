package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/tavern-relay/internal/archive"
	"github.com/zhouzirui/tavern-relay/internal/config"
	"github.com/zhouzirui/tavern-relay/internal/handler"
	"github.com/zhouzirui/tavern-relay/internal/model/persona"
	"github.com/zhouzirui/tavern-relay/internal/platform"
	"github.com/zhouzirui/tavern-relay/internal/platform/discord"
	"github.com/zhouzirui/tavern-relay/internal/service/backend"
	"github.com/zhouzirui/tavern-relay/internal/service/relay"
	"github.com/zhouzirui/tavern-relay/internal/service/session"
	"github.com/zhouzirui/tavern-relay/pkg/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string

	rootCmd := &cobra.Command{
		Use:   "tavern-relay",
		Short: "Relay bot between a chat platform and a local text generation backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(logLevel)
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	return rootCmd
}

func run(logLevel string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// .env 文件缺失不是错误
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "no .env file, using system environment only")
	}

	log, logBuffer := logging.New(logLevel)
	defer log.Sync()
	zap.ReplaceGlobals(log)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	token, err := config.ReadToken(cfg.TokenPath)
	if err != nil {
		return fmt.Errorf("read bot token: %w", err)
	}

	settings := config.NewManager(cfg.SettingsPath, log)

	personas := persona.NewStore(cfg.CharactersDir, cfg.TemplatesDir, log)
	if cfg.WatchPersonas {
		if err := personas.Watch(); err != nil {
			log.Warn("persona cache disabled, rereading from disk", zap.Error(err))
		}
		defer personas.Close()
	}

	var arch *archive.Archive
	if cfg.ArchivePath != "" {
		arch, err = archive.Open(cfg.ArchivePath, log)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer arch.Close()
	}

	table := session.NewTable()
	builder := backend.NewBuilder(personas, log)
	client := backend.NewClient(cfg.BackendURL, cfg.BackendTimeout, log)

	connect := func(ctx context.Context) (platform.Gateway, *relay.Orchestrator, error) {
		gw := discord.New(token, log)
		if err := gw.Connect(ctx); err != nil {
			return nil, nil, err
		}
		orch := relay.NewOrchestrator(settings, personas, table, builder, client, gw, arch, log)
		return gw, orch, nil
	}
	worker := relay.NewWorker(connect, log)

	// Connect on boot; the admin console can retry via /api/start.
	if err := worker.Start(ctx); err != nil {
		log.Warn("initial platform connect failed", zap.Error(err))
	}

	router := handler.NewRouter(worker, settings, table, logBuffer)
	if err := serveAdmin(ctx, cfg.ListenAddr, router, log); err != nil {
		return err
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := worker.Stop(stopCtx); err != nil {
		log.Warn("relay shutdown incomplete", zap.Error(err))
	}
	return nil
}

func serveAdmin(ctx context.Context, addr string, router http.Handler, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info("admin console listening", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
