package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/athapong/kgraph/config"
	"github.com/athapong/kgraph/pkg/engine"
	"github.com/athapong/kgraph/pkg/graph/metrics"
	"github.com/athapong/kgraph/pkg/graph/processors"
	"github.com/athapong/kgraph/pkg/graph/storage"
	"github.com/athapong/kgraph/prompts"
	"github.com/athapong/kgraph/tools"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func main() {
	envFile := flag.String("env", ".env", "Path to environment file")
	configPath := flag.String("config", "", "Path to YAML config file")
	enableSSE := flag.Bool("sse", false, "Enable SSE server")
	sseAddr := flag.String("sse-addr", "", "Address for SSE server to listen on (overrides config)")
	flag.Parse()

	// stdout carries the stdio transport
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*envFile, *configPath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	if *enableSSE || os.Getenv("ENABLE_SSE") == "true" {
		cfg.Server.Transport = "sse"
	}
	if *sseAddr != "" {
		cfg.Server.SSEAddr = *sseAddr
	}

	ctx := context.Background()
	store, err := storage.Open(ctx, cfg.DataDir, storage.WithLogger(logger))
	if err != nil {
		logger.WithError(err).Fatal("Failed to open graph store")
	}
	defer store.Close()

	extractor, inferencer, err := cfg.Backends(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create extractor backend")
	}
	eng, err := engine.New(store, extractor, inferencer, engine.Options{
		QueueSize:  cfg.Queue.Size,
		Extraction: cfg.ExtractionOptions(),
		Logger:     logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create engine")
	}
	defer eng.Close()

	// Create MCP server
	mcpServer := server.NewMCPServer(
		"kgraph",
		"1.0.0",
		server.WithLogging(),
		server.WithPromptCapabilities(true),
		server.WithResourceCapabilities(true, true),
	)

	isEnabled := tools.EnabledGroups(os.Getenv("ENABLE_TOOLS"))

	if isEnabled(tools.GroupToolManager) {
		tools.RegisterToolManagerTool(mcpServer)
	}

	kg := tools.NewKnowledgeGraph(eng, processors.NewRegistry(logger))
	if cfg.Neo4j.URI != "" {
		exporter, err := storage.NewNeo4jExporter(cfg.Neo4j.URI, cfg.Neo4j.User, cfg.Neo4j.Password, logger)
		if err != nil {
			logger.WithError(err).Warn("Neo4j mirror disabled")
		} else {
			defer exporter.Close()
			kg.WithExporter(exporter)
		}
	}

	if isEnabled(tools.GroupBuild) {
		kg.RegisterBuildTools(mcpServer)
	}
	if isEnabled(tools.GroupReview) {
		kg.RegisterReviewTools(mcpServer)
		prompts.RegisterReviewPrompts(mcpServer, eng)
	}
	if isEnabled(tools.GroupQuery) {
		kg.RegisterQueryTools(mcpServer)
	}

	if cfg.Server.MetricsAddr != "" {
		go serveMetrics(cfg.Server.MetricsAddr, logger)
	}

	if cfg.Server.Transport == "sse" {
		sseServer := server.NewSSEServer(
			mcpServer,
			server.WithBaseURL(cfg.Server.SSEBaseURL),
		)

		go func() {
			logger.WithField("addr", cfg.Server.SSEAddr).Info("Starting SSE server")
			if err := sseServer.Start(cfg.Server.SSEAddr); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Fatal("Failed to start SSE server")
			}
		}()

		// Set up signal handling for graceful shutdown
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		sig := <-sigCh
		logger.WithField("signal", sig.String()).Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := sseServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Error during SSE server shutdown")
		}
		logger.Info("SSE server shutdown complete")
	} else {
		if err := server.ServeStdio(mcpServer); err != nil {
			panic(fmt.Sprintf("Server error: %v", err))
		}
	}
}

// serveMetrics exposes Prometheus metrics and refreshes the runtime gauges
func serveMetrics(addr string, logger *logrus.Logger) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			metrics.UpdateSystemMetrics()
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.WithField("addr", addr).Info("Serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.WithError(err).Error("Metrics server stopped")
	}
}
