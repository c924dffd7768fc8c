// chatrelay matches asynchronous workflow-engine callbacks to waiting browser
// long-polls, and hosts the conversation-log and file-upload side channels the
// chat front end uses alongside them.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ragdesk/chatrelay/internal/blobstore"
	"github.com/ragdesk/chatrelay/internal/config"
	"github.com/ragdesk/chatrelay/internal/convlog"
	"github.com/ragdesk/chatrelay/internal/httpapi"
	"github.com/ragdesk/chatrelay/internal/relay"
)

func main() {
	cfg := config.FromEnv()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log, err := convlog.Open(cfg.ConvlogDSN)
	if err != nil {
		logger.Fatal().Err(err).Str("dsn", cfg.ConvlogDSN).Msg("open conversation log")
	}
	defer log.Close()

	blobs, err := blobstore.Open(cfg.BlobstoreDSN)
	if err != nil {
		logger.Fatal().Err(err).Str("dsn", cfg.BlobstoreDSN).Msg("open blob store")
	}
	defer blobs.Close()

	exchange := relay.NewExchange()
	defer exchange.Close()

	origins := config.NewOriginList(cfg.AllowedOrigins)
	if cfg.OriginsFile != "" {
		if err := origins.WatchFile(ctx, cfg.OriginsFile, logger); err != nil {
			logger.Fatal().Err(err).Str("path", cfg.OriginsFile).Msg("load origins file")
		}
	}

	server := httpapi.NewServerWithConfig(exchange, log, blobs, httpapi.ServerConfig{
		Origins:         origins,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		Logger:          logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("shutdown did not finish cleanly")
		}
	}()

	logger.Info().
		Str("addr", cfg.Addr).
		Str("convlog", cfg.ConvlogDSN).
		Str("blobstore", cfg.BlobstoreDSN).
		Msg("chatrelay listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(parsed).With().Timestamp().Logger()
}
