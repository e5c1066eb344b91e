package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codecanvas/codecanvas/internal/config"
	"github.com/codecanvas/codecanvas/internal/conversation"
	"github.com/codecanvas/codecanvas/internal/diagram"
	"github.com/codecanvas/codecanvas/internal/events"
	"github.com/codecanvas/codecanvas/internal/history"
	"github.com/codecanvas/codecanvas/internal/llm"
	"github.com/codecanvas/codecanvas/internal/prompts"
	"github.com/codecanvas/codecanvas/internal/providers"
	"github.com/codecanvas/codecanvas/internal/scanner"
	"github.com/codecanvas/codecanvas/internal/server"
	"github.com/codecanvas/codecanvas/internal/shell"
	"github.com/codecanvas/codecanvas/internal/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the CodeCanvas backend server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "codecanvas", Version)
	if err != nil {
		slog.Error("tracing setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	server.Version = Version
	deps, cleanup, err := buildDeps(cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	srv := server.New(cfg, deps)
	if err := srv.Run(ctx); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("server shut down cleanly")
}

// buildDeps constructs every subsystem from config. The cleanup closes them
// in reverse dependency order.
func buildDeps(cfg *config.Config) (server.Deps, func(), error) {
	reg := providers.NewRegistry()
	reg.Register(providers.NewOpenAIProvider("openai", cfg.LLM.APIKey, cfg.LLM.APIBase, cfg.LLM.DefaultModel))
	reg.Register(providers.NewAnthropicProvider(cfg.LLM.APIKey, providers.WithAnthropicModel(cfg.LLM.DefaultModel)))
	if p := cfg.LLM.Provider; p != "" && p != "openai" && p != "anthropic" {
		// Any other name is treated as an OpenAI-compatible endpoint.
		reg.Register(providers.NewOpenAIProvider(p, cfg.LLM.APIKey, cfg.LLM.APIBase, cfg.LLM.DefaultModel))
	}

	scan := scanner.New(cfg.Scanner.IgnoreFolders, cfg.Scanner.Extensions,
		cfg.Scanner.CacheSize, cfg.Scanner.CacheFileCap)

	diagrams := diagram.NewService(
		config.ExpandHome(cfg.Diagrams.D2Path),
		config.ExpandHome(cfg.Diagrams.MermaidPath),
		cfg.Server.StaticDir)

	lib := prompts.NewLibrary(config.ExpandHome(cfg.Prompts.Dir))
	if err := lib.Watch(); err != nil {
		slog.Warn("prompt hot reload unavailable", "error", err)
	}

	histLog, err := history.NewLogger(config.ExpandHome(cfg.History.Dir))
	if err != nil {
		lib.Close()
		return server.Deps{}, nil, fmt.Errorf("history logger: %w", err)
	}

	eventLog, err := events.Open(config.ExpandHome(cfg.Events.DBPath))
	if err != nil {
		lib.Close()
		return server.Deps{}, nil, fmt.Errorf("event log: %w", err)
	}

	shells := shell.NewManager(cfg.WorkspaceRoot(), shell.Options{
		CommandTimeout: time.Duration(cfg.Shell.CommandTimeoutSec) * time.Second,
		IdleTTL:        time.Duration(cfg.Shell.IdleTTLSec) * time.Second,
		EvictTick:      time.Duration(cfg.Shell.EvictEverySec) * time.Second,
	})

	sessions := conversation.NewRegistry(reg, conversation.Deps{
		Scanner:         scan,
		Diagrams:        diagrams,
		Prompts:         lib,
		History:         histLog,
		MaxContextBytes: cfg.Scanner.MaxContextBytes,
	})

	deps := server.Deps{
		Conversations: sessions,
		Scanner:       scan,
		Diagrams:      diagrams,
		Shells:        shells,
		Prompts:       lib,
		Events:        eventLog,
		ToolsGateway:  llm.NewGateway(reg, cfg.LLM.Provider, cfg.LLM.APIKey),
	}
	cleanup := func() {
		shells.Shutdown()
		eventLog.Close()
		lib.Close()
	}
	return deps, cleanup, nil
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
