package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Netflix/go-env"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"github.com/omochice/channel-relay/internal/auth"
	"github.com/omochice/channel-relay/internal/chat"
	"github.com/omochice/channel-relay/internal/transport/ws"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// Exit codes for the server.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	_ = godotenv.Load()

	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}

	addr := flag.String("addr", config.Address, "Address to listen on (e.g., :4000)")
	issue := flag.String("issue-token", "", "Print a signed token for the given name and exit")
	flag.Parse()
	config.Address = *addr

	log := logs.GetLoggerFromString(config.LogLevel)

	if *issue != "" {
		if config.JWTSecret == "" {
			return exitConfig, errors.New("RELAY_JWT_SECRET is required to issue tokens")
		}
		token, err := auth.NewJWT(config.JWTSecret, config.JWTIssuer).Issue(*issue, config.TokenTTL)
		if err != nil {
			return exitRuntime, err
		}
		fmt.Println(token)
		return exitOK, nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	opts := []chat.Option{chat.WithTopicPolicy(chat.AllowTopics(splitList(config.Topics)...))}

	var broker *chat.RedisBroker
	if config.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: config.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return exitRuntime, fmt.Errorf("redis at %s: %w", config.RedisAddr, err)
		}
		broker = chat.NewRedisBroker(rdb, config.RedisPrefix, log)
		opts = append(opts, chat.WithBroker(broker))
	}

	hub := chat.NewHub(log, opts...)
	if broker != nil {
		g.Go(func() error { return broker.Listen(ctx, hub.Deliver) })
	}

	gin.SetMode(gin.ReleaseMode)
	srv := ws.New(ws.Config{
		Address:      config.Address,
		Path:         config.SocketPath,
		OutgoingSize: config.OutgoingSize,
	}, hub, authenticator(config, log), log)
	if err := srv.Listen(); err != nil {
		return exitRuntime, err
	}

	g.Go(srv.Serve)
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down")
		srv.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return exitRuntime, err
	}
	log.Info("Server stopped")
	return exitOK, nil
}

// authenticator prefers signed tokens when a secret is configured and
// falls back to the static token list.
func authenticator(config Config, log *slog.Logger) auth.Authenticator {
	if config.JWTSecret != "" {
		log.Info("Authenticating with signed tokens", "issuer", config.JWTIssuer)
		return auth.NewJWT(config.JWTSecret, config.JWTIssuer)
	}
	tokens := splitList(config.Tokens)
	if len(tokens) == 0 {
		log.Warn("No RELAY_TOKENS configured, accepting any token")
	}
	return auth.NewStaticTokens(tokens...)
}
