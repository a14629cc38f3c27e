package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/team-tissis/nolang-mcp/internal/api"
	"github.com/team-tissis/nolang-mcp/internal/config"
	"github.com/team-tissis/nolang-mcp/internal/nolang"
	"github.com/team-tissis/nolang-mcp/internal/retry"
	"github.com/team-tissis/nolang-mcp/internal/storage"
	"github.com/team-tissis/nolang-mcp/internal/video"
)

var stdioCmd = &cobra.Command{
	Use:   "stdio",
	Short: "Serve MCP tools over stdin/stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStdio(cmd.Context())
	},
}

var httpCmd = &cobra.Command{
	Use:   "http",
	Short: "Serve MCP tools over streamable HTTP",
	Long: `Serve MCP tools over streamable HTTP at /mcp.

The server also exposes /health, /metrics and /v1/jobs. When server.auth_token
is set, /mcp and /v1/jobs require "Authorization: Bearer <token>".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetInt("port")
		return runHTTP(cmd.Context(), host, port)
	},
}

func init() {
	httpCmd.Flags().String("host", "127.0.0.1", "interface to listen on")
	httpCmd.Flags().Int("port", 0, "port to listen on (default: server.port)")
}

// loadConfig is replaced in tests.
var loadConfig = config.Load

// app holds the components shared by the servers and the direct commands.
type app struct {
	cfg    config.Config
	videos *video.Service
	store  *storage.Store
	logger *slog.Logger
}

var openApp = func() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newApp(cfg)
}

func newApp(cfg config.Config) (*app, error) {
	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}

	opts := video.Options{
		Policy: &retry.Policy{
			BaseDelay:         cfg.Retry.BaseDelay,
			MaxAttempts:       cfg.Retry.MaxAttempts,
			CongestionDelay:   cfg.Retry.CongestionDelay,
			CongestionRetries: cfg.Retry.CongestionRetries,
		},
		InspectPDF: cfg.API.InspectPDF,
		Logger:     logger,
	}

	if cfg.Storage.Journal {
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening job journal: %w", err)
		}
		a.store = store
		opts.Journal = store
	}

	client := nolang.NewClient(cfg.API.Key,
		nolang.WithBaseURL(cfg.API.BaseURL),
		nolang.WithRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		nolang.WithLogger(logger),
	)
	a.videos = video.New(client, opts)
	return a, nil
}

func (a *app) Close() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing job journal", "error", err)
	}
}

func (a *app) mcpServer() *server.MCPServer {
	return api.NewMCPServer(api.MCPDeps{
		Videos:       a.videos,
		PollInterval: a.cfg.Poll.Interval,
		PollMaxWait:  a.cfg.Poll.MaxWait,
		Logger:       a.logger,
	}, version)
}

// newLogger writes text logs to stderr; stdout carries the stdio transport.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func runStdio(ctx context.Context) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	a.logger.Info("MCP server started", "transport", "stdio", "version", version)
	err = server.NewStdioServer(a.mcpServer()).Listen(ctx, os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stdio server: %w", err)
	}
	return nil
}

func runHTTP(ctx context.Context, host string, port int) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if port == 0 {
		port = a.cfg.Server.Port
	}
	if a.cfg.Server.AuthToken == "" && !isLoopback(host) {
		printWarning("server.auth_token is unset: /mcp is open to anyone who can reach %s", host)
	}

	handler := api.NewHTTPHandler(api.HTTPDeps{
		MCP:    a.mcpServer(),
		Videos: a.videos,
		Token:  a.cfg.Server.AuthToken,
	})

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if a.cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, a.cfg.Server.MaxConns)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	return serve(ctx, srv, ln, a.logger)
}

// serve runs srv on ln until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("MCP server started", "transport", "http", "addr", ln.Addr().String(), "version", version)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
