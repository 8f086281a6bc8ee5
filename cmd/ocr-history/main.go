package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/ocr-history/internal/scan"
	"github.com/zombor/ocr-history/internal/scanning"
	"github.com/zombor/ocr-history/internal/store"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("ocr-history")
	var (
		port        = fs.IntLong("port", 8080, "HTTP server port")
		storeConfig = fs.StringLong("store-config", "store.yaml", "Record and image store config file (created with defaults if missing)")
		scannerType = fs.StringLong("scanner", "gemini", "Scanner type: 'gemini' or 'ollama'")
		geminiKey   = fs.StringLong("gemini-key", "", "Default Google Gemini API key for new sessions (or set GEMINI_API_KEY env var)")
		geminiModel = fs.StringLong("gemini-model", scanning.DefaultGeminiModel, "Gemini model used until model selection finishes")
		ollamaURL   = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, llava-phi3, bakllava, qwen2-vl)")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("OCR_HISTORY"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	// Initialize scanner provider based on type
	var provider scanning.Provider
	var defaultKey string
	switch *scannerType {
	case "gemini":
		// Get Gemini API key from flag or environment; sessions may also supply their own
		defaultKey = *geminiKey
		if defaultKey == "" {
			defaultKey = os.Getenv("GEMINI_API_KEY")
		}
		if defaultKey == "" {
			slog.Warn("No default Gemini API key; each session must set one")
		}
		slog.Info("Initializing Gemini provider...", "model", *geminiModel)
		provider = scanning.NewGeminiProvider(*geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama provider...", "url", *ollamaURL, "model", *ollamaModel)
		provider = scanning.NewOllamaProvider(*ollamaURL, *ollamaModel)
	default:
		slog.Error("Invalid scanner type", "type", *scannerType, "valid", "gemini or ollama")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := scan.NewMetrics(registry)

	// Initialize history and its store
	slog.Info("Initializing store...", "config", *storeConfig)
	history := scan.NewHistory(metrics)
	stores := store.NewController(ctx, *storeConfig, history)
	if err := stores.Start(); err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	// Initialize sessions and server
	manager := scan.NewManager(scan.Deps{
		Provider: provider,
		History:  history,
		Fetcher:  scan.NewDriveFetcher(),
		Metrics:  metrics,
	}, defaultKey)
	server := scan.NewServer(manager, history, scan.ServerConfig{
		Version:  version,
		Scanner:  provider.Name(),
		Store:    stores,
		Gatherer: registry,
	})

	addr := fmt.Sprintf(":%d", *port)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, addr)
	})

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)

	if err := g.Wait(); err != nil {
		slog.Error("Server error", "error", err)
	}

	slog.Info("Shutting down...")
	// pending history writes finish before the store closes
	manager.Shutdown()
}
