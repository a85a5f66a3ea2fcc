// Command ttvcwatch measures Time To Visually Complete for configured
// pages using a headless Chrome, delivering results to sinks and serving
// an HTTP API plus optional MCP tools.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vizcomplete/ttvc/internal/browser"
	"github.com/vizcomplete/ttvc/internal/config"
	"github.com/vizcomplete/ttvc/internal/service"
	"github.com/vizcomplete/ttvc/internal/sink"
)

func main() {
	configPath := flag.String("config", "ttvc.yaml", "path to configuration file")
	flag.Parse()

	// Logging.
	var lvl slog.Level
	switch env("LOG_LEVEL", "info") {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	// Sinks. Results go to os.Stdout so they stay separable from the
	// structured logs on stderr.
	var (
		sinks []sink.Sink
		store *sink.Store
	)
	for _, sc := range cfg.Sinks {
		switch sc.Type {
		case "stdout":
			sinks = append(sinks, sink.NewStdout(os.Stdout))
		case "webhook":
			sinks = append(sinks, sink.NewWebhook(sc.URL, sink.WithWebhookLogger(logger)))
		case "sqlite":
			st, err := sink.OpenStore(sc.Path)
			if err != nil {
				slog.Error("sqlite sink", "path", sc.Path, "error", err)
				os.Exit(1)
			}
			sinks = append(sinks, st)
			if store == nil {
				store = st
			}
		}
	}
	router := sink.NewRouter(logger, sinks...)
	defer router.Close()

	// Browser.
	mgr := browser.NewManager(browser.Config{
		RemoteURL: cfg.Browser.Remote,
		Headless:  *cfg.Browser.Headless,
		Logger:    logger,
	})
	if _, err := mgr.Start(ctx); err != nil {
		slog.Error("browser", "error", err)
		os.Exit(1)
	}
	defer mgr.Close()

	svc := service.New(cfg, mgr, router, store, logger)

	// Optional MCP over stdio.
	if env("MCP_TRANSPORT", "") == "stdio" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "ttvc",
			Version: "1.0.0",
		}, nil)
		svc.RegisterMCP(mcpSrv)
		go func() {
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				slog.Error("mcp", "error", err)
			}
		}()
		slog.Info("mcp serving", "transport", "stdio")
	}

	// Scheduled measurements.
	go svc.Run(ctx)

	// HTTP server.
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           service.NewHandler(svc, cfg.HTTP),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Minute, // measure requests block until completion
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
