// mcp-sse-bridge runs an MCP server as a child process and exposes it to
// HTTP-only clients: tool calls as REST endpoints and everything the child
// writes as a Server-Sent Events stream.
//
// Usage:
//
//	mcp-sse-bridge [--port 8000] [--broadcast memory|redis] [-- command args...]
//
// Without a command the Asana MCP server is launched via npx. See package
// config for the environment variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/mcp-sse-bridge/auth"
	"github.com/ggoodman/mcp-sse-bridge/bridge"
	"github.com/ggoodman/mcp-sse-bridge/broker"
	"github.com/ggoodman/mcp-sse-bridge/broker/memory"
	redisbroker "github.com/ggoodman/mcp-sse-bridge/broker/redis"
	"github.com/ggoodman/mcp-sse-bridge/config"
	"github.com/ggoodman/mcp-sse-bridge/internal/logctx"
	"github.com/ggoodman/mcp-sse-bridge/streaminghttp"
	"github.com/ggoodman/mcp-sse-bridge/supervisor"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	br, closeBroker, err := newBroker(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeBroker()

	authn, err := auth.New(ctx, auth.Settings{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
	})
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if authn != nil {
		log.Info("auth.enabled", slog.String("issuer", cfg.AuthIssuer))
	}

	command, args := cfg.Command()
	b, err := bridge.New(bridge.Config{
		Supervisor: supervisor.Config{
			Spawner:      supervisor.ExecSpawner{Command: command, Args: args},
			Token:        cfg.AsanaToken,
			TokenFile:    cfg.AsanaTokenFile,
			InitDelay:    cfg.InitDelay,
			RestartDelay: cfg.RestartDelay,
			KillGrace:    cfg.KillGrace,
			Logger:       log,
		},
		Broker:         br,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         log,
	})
	if err != nil {
		return err
	}

	h, err := streaminghttp.New(b,
		streaminghttp.WithLogger(log),
		streaminghttp.WithAuthenticator(authn),
		streaminghttp.WithKeepalive(cfg.Keepalive),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		errc := make(chan error, 1)
		go func() { errc <- b.Run(gctx) }()
		select {
		case err := <-errc:
			return err
		case <-gctx.Done():
		}
		// The supervisor terminates the child after KillGrace. Past that the
		// child's pipes are held by something outside its process group.
		select {
		case err := <-errc:
			return err
		case <-time.After(cfg.KillGrace + time.Second):
			log.Warn("shutdown.bridge.abandon", slog.Duration("grace", cfg.KillGrace))
			return nil
		}
	})

	g.Go(func() error {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		log.Info(fmt.Sprintf("SSE wrapper listening on port %d", cfg.Port),
			slog.String("addr", ln.Addr().String()),
			slog.String("command", command),
			slog.String("broadcast", cfg.Broadcast),
		)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		// Restore default signal handling so a second signal exits at once.
		stop()
		log.Info("shutdown.start")
		// Open SSE streams are cut rather than drained.
		if err := b.Shutdown(); err != nil {
			log.Warn("shutdown.bridge.fail", slog.String("err", err.Error()))
		}
		return srv.Close()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shutdown.done")
	return nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	lvl, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch cfg.LogFormat {
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logctx.Handler{Handler: h}), nil
}

func newBroker(ctx context.Context, cfg *config.Config, log *slog.Logger) (broker.Broker, func(), error) {
	switch cfg.Broadcast {
	case config.BroadcastRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		br, err := redisbroker.New(ctx, redisbroker.Config{
			Client:  client,
			Channel: cfg.RedisChannel,
			Logger:  log,
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		log.Info("broadcast.redis.ready", slog.String("addr", cfg.RedisAddr), slog.String("channel", cfg.RedisChannel))
		return br, func() { _ = client.Close() }, nil
	default:
		return memory.New(), func() {}, nil
	}
}
