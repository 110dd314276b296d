// Trestle bridge server. Terminates browser frontend sockets on one side
// and the MCP JSON-RPC surface on the other, correlating tool calls,
// resource reads, and agent-mediated queries between them.
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

	"github.com/joho/godotenv"

	"github.com/trestlehq/trestle/pkg/agent"
	"github.com/trestlehq/trestle/pkg/api"
	"github.com/trestlehq/trestle/pkg/config"
	"github.com/trestlehq/trestle/pkg/mcp"
	"github.com/trestlehq/trestle/pkg/query"
	"github.com/trestlehq/trestle/pkg/scheduler"
	"github.com/trestlehq/trestle/pkg/session"
	"github.com/trestlehq/trestle/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	envFile := flag.String("env-file",
		getEnv("TRESTLE_ENV_FILE", ".env"),
		"Path to an optional .env file")
	flag.Parse()

	// Load the .env file before reading the environment
	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envFile)
	}

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting trestle",
		"version", version.Full(),
		"http_port", cfg.HTTPPort)

	// 2. Scheduler shared by every timeout and expiry path
	sched := scheduler.New()

	// 3. Frontend session registry
	registry := session.NewRegistry(session.Options{
		MaxSessionsPerToken: cfg.MaxSessionsPerToken,
		EvictionPolicy:      cfg.SessionEvictionPolicy,
		MaxDuration:         cfg.SessionMaxDuration,
	}, sched)

	// 4. MCP host sessions
	hosts := mcp.NewHostSessions(sched)

	// 5. Agent client (optional; without it query messages are rejected)
	var agentClient query.AgentClient
	if cfg.AgentURL != "" {
		client, err := agent.New(cfg.AgentURL, cfg.AgentToken)
		if err != nil {
			slog.Error("Failed to initialize agent client", "url", cfg.AgentURL, "error", err)
			os.Exit(1)
		}
		agentClient = client
		slog.Info("Agent client initialized", "url", cfg.AgentURL)
	} else {
		slog.Warn("No agent URL configured, frontend queries will be rejected")
	}

	// 6. Query engine, wired to session removal and tool-change hooks
	engine := query.NewEngine(registry, agentClient, cfg.MaxQueriesPerToken)
	registry.SetOnRemove(func(s *session.Session) { engine.DropSession(s.ID) })
	registry.SetOnToolsChanged(hosts.NotifyToolsChanged)

	// 7. Correlation layer and JSON-RPC dispatcher
	caller := session.NewCaller(sched)
	dispatcher := mcp.NewDispatcher(registry, engine, caller, hosts, mcp.ServerInfo{
		Name:        cfg.ServerName,
		Description: cfg.ServerDescription,
		Version:     version.GitCommit,
		Icon:        cfg.ServerIcon,
	})

	// 8. Start HTTP server (non-blocking)
	srv := api.NewServer(cfg, registry, engine, hosts, dispatcher, sched)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Trestle started successfully")

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown. Closing the registry and host sessions first
	// ends the socket read loops and push streams so the HTTP drain below
	// has nothing left to wait on.
	registry.Close()
	engine.Close()
	hosts.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	sched.Dispose()

	slog.Info("Shutdown complete")
}
