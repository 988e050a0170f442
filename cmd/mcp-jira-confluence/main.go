// Command mcp-jira-confluence serves the MCP relay for Jira and Confluence
// over HTTP. All configuration comes from the environment; see internal/config
// for the full surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaykit/mcp-jira-confluence/catalog"
	"github.com/relaykit/mcp-jira-confluence/clientpool"
	"github.com/relaykit/mcp-jira-confluence/credentials"
	"github.com/relaykit/mcp-jira-confluence/internal/config"
	"github.com/relaykit/mcp-jira-confluence/relay"
	"github.com/relaykit/mcp-jira-confluence/sessions"
	"github.com/relaykit/mcp-jira-confluence/stdio"
	"github.com/relaykit/mcp-jira-confluence/streaminghttp"
	"github.com/relaykit/mcp-jira-confluence/upstream/confluence"
	"github.com/relaykit/mcp-jira-confluence/upstream/jira"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	stdioMode := flag.Bool("stdio", false,
		"serve one session over stdin/stdout instead of binding the HTTP listener")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jiraPool := clientpool.New(credentials.ServiceJira,
		func(cred credentials.Credential) (*jira.Client, error) {
			return jira.New(cfg.JiraURL, cred, cfg.UpstreamTimeout, log)
		},
		clientpool.WithIdleTTL[*jira.Client](cfg.PoolIdleTTL))
	defer jiraPool.Shutdown()

	confluencePool := clientpool.New(credentials.ServiceConfluence,
		func(cred credentials.Credential) (*confluence.Client, error) {
			return confluence.New(cfg.ConfluenceURL, cred, cfg.UpstreamTimeout, log)
		},
		clientpool.WithIdleTTL[*confluence.Client](cfg.PoolIdleTTL))
	defer confluencePool.Shutdown()

	rel := relay.New(catalog.Default(), jiraPool, confluencePool,
		relay.WithLogger(log),
		relay.WithDefaults(serverDefaults(cfg)),
	)

	if *stdioMode {
		return stdio.New(rel, stdio.WithLogger(log)).Serve(ctx)
	}

	registry := sessions.NewRegistry(
		sessions.WithQueueSize(cfg.SessionQueueSize),
		sessions.WithSendTimeout(cfg.SessionSendTimeout),
		sessions.WithLogger(log),
	)

	handler := streaminghttp.New(rel, registry,
		streaminghttp.WithLogger(log),
		streaminghttp.WithHeartbeatInterval(cfg.HeartbeatInterval),
	)

	listener, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
	}

	server := &http.Server{
		Handler: handler,
		// WriteTimeout stays unset: event streams hold their response open
		// for the life of the session.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info("server.listening",
		slog.String("addr", listener.Addr().String()),
		slog.Bool("jira_configured", cfg.JiraURL != ""),
		slog.Bool("confluence_configured", cfg.ConfluenceURL != ""),
	)

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		log.Info("server.shutdown.begin", slog.Duration("grace", cfg.ShutdownGrace))
	case err := <-serveDone:
		return err
	}

	// Closing the registry first ends every live event stream; Shutdown then
	// only has to drain the short-lived requests.
	registry.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("server.shutdown.done")
	return nil
}

func serverDefaults(cfg *config.Config) credentials.Defaults {
	return credentials.Defaults{
		Jira: credentials.ServiceDefaults{
			Username:      cfg.JiraUsername,
			APIToken:      cfg.JiraAPIToken,
			PersonalToken: cfg.JiraPersonalToken,
		},
		Confluence: credentials.ServiceDefaults{
			Username:      cfg.ConfluenceUsername,
			APIToken:      cfg.ConfluenceAPIToken,
			PersonalToken: cfg.ConfluencePersonalToken,
		},
	}
}
