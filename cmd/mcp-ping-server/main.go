// Command mcp-ping-server serves a small people catalog over MCP and pings
// every sampling-capable client once, on its first tools/list.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/mcp-ping-server/catalog"
	"github.com/ggoodman/mcp-ping-server/dispatch"
	"github.com/ggoodman/mcp-ping-server/interceptor"
	"github.com/ggoodman/mcp-ping-server/internal/logctx"
	"github.com/ggoodman/mcp-ping-server/mcp"
	"github.com/ggoodman/mcp-ping-server/mcpservice"
	"github.com/ggoodman/mcp-ping-server/sessions"
	"github.com/ggoodman/mcp-ping-server/sessions/memoryhost"
	"github.com/ggoodman/mcp-ping-server/sessions/redishost"
	"github.com/ggoodman/mcp-ping-server/stdio"
	"github.com/ggoodman/mcp-ping-server/streaminghttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	serverName    = "mcp-ping-server"
	serverTitle   = "Streamable HTTP MCP Server"
	serverVersion = "0.1.0"

	instructions = "Use getPeople to list the people in the catalog and getPersonById to look one up by numeric id."
)

// backend is a session host that also tracks which sessions were pinged.
type backend interface {
	sessions.SessionHost
	sessions.Registry
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.logLevel()})})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server.exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	host, err := openBackend(ctx, g, cfg, log)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	tools := mcpservice.NewToolsContainer(catalog.Default().Tools()...)
	server := mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: serverName, Title: serverTitle, Version: serverVersion}),
		mcpservice.WithInstructions(instructions),
		mcpservice.WithToolsCapability(tools),
	)

	forget := func(ctx context.Context, sessionID string) {
		if err := host.Forget(ctx, sessionID); err != nil {
			log.WarnContext(ctx, "registry.forget.fail", slog.String("session_id", sessionID), slog.String("err", err.Error()))
		}
	}

	install := func(table *dispatch.Table) error {
		_, err := interceptor.Install(table,
			interceptor.WithRegistry(host),
			interceptor.WithLogger(log),
			interceptor.WithMetrics(interceptor.NewMetrics(reg)),
			interceptor.WithTimeout(cfg.SamplingTimeout),
			interceptor.WithMaxTokens(cfg.SamplingMaxTokens),
		)
		if err != nil {
			return fmt.Errorf("install tools/list interceptor: %w", err)
		}
		return nil
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		serveHTTP(ctx, g, log, "metrics", &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second})
	}

	switch cfg.Transport {
	case transportStdio:
		h := stdio.NewHandler(server,
			stdio.WithLogger(log),
			stdio.WithSessionHost(host),
			stdio.WithHandshakeTTL(cfg.HandshakeTTL),
			stdio.WithSessionTTL(cfg.SessionTTL),
			stdio.WithSessionDeletedHook(forget),
		)
		if err := install(h.Handlers()); err != nil {
			return err
		}
		g.Go(func() error {
			// The process ends with the client's input.
			defer cancel()
			return h.Serve(ctx)
		})
	default:
		h, err := streaminghttp.New(cfg.PublicURL, host, server,
			streaminghttp.WithLogger(log),
			streaminghttp.WithHandshakeTTL(cfg.HandshakeTTL),
			streaminghttp.WithSessionTTL(cfg.SessionTTL),
			streaminghttp.WithSessionMaxLifetime(cfg.SessionMaxLifetime),
			streaminghttp.WithAwaitTTL(cfg.SamplingTimeout),
			streaminghttp.WithSessionDeletedHook(forget),
		)
		if err != nil {
			return fmt.Errorf("build streaming http handler: %w", err)
		}
		if err := install(h.Handlers()); err != nil {
			return err
		}
		serveHTTP(ctx, g, log, "mcp", &http.Server{Addr: cfg.ListenAddr, Handler: h, ReadHeaderTimeout: 10 * time.Second})
	}

	log.InfoContext(ctx, "server.start",
		slog.String("transport", cfg.Transport),
		slog.String("session_backend", cfg.SessionBackend),
		slog.Duration("sampling_timeout", cfg.SamplingTimeout),
	)

	return g.Wait()
}

// openBackend builds the configured session host. The memory host runs its
// expiry loop in g and forgets expired sessions; redis seen markers expire on
// their own after the session max lifetime.
func openBackend(ctx context.Context, g *errgroup.Group, cfg *config, log *slog.Logger) (backend, error) {
	switch cfg.SessionBackend {
	case backendRedis:
		host, err := redishost.NewFromEnv(redishost.WithSeenTTL(cfg.SessionMaxLifetime))
		if err != nil {
			return nil, fmt.Errorf("connect redis session host: %w", err)
		}
		g.Go(func() error {
			<-ctx.Done()
			return host.Close()
		})
		return host, nil
	default:
		var host *memoryhost.Host
		host = memoryhost.New(memoryhost.WithExpiryHook(func(ctx context.Context, sessionID string) {
			if err := host.Forget(ctx, sessionID); err != nil {
				log.WarnContext(ctx, "registry.forget.fail", slog.String("session_id", sessionID), slog.String("err", err.Error()))
			}
		}))
		g.Go(func() error {
			host.Start()
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			host.Stop()
			return nil
		})
		return host, nil
	}
}

func serveHTTP(ctx context.Context, g *errgroup.Group, log *slog.Logger, name string, srv *http.Server) {
	g.Go(func() error {
		log.InfoContext(ctx, "http.listen", slog.String("server", name), slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
