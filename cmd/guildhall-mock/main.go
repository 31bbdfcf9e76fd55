package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vovakirdan/guildhall-client/internal/log"
	"github.com/vovakirdan/guildhall-client/internal/mock"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	user := flag.String("user", "dev", "account username")
	pass := flag.String("pass", "dev", "account password")
	level := flag.String("log-level", "debug", "log level")
	flag.Parse()

	logger := log.New(*level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := mock.New(logger)
	if err := srv.AddAccount(*user, *pass); err != nil {
		logger.Fatal().Err(err).Msg("add account")
	}
	g := srv.AddGuild("playground")
	general := srv.AddChannel(g.ID, "general")
	random := srv.AddChannel(g.ID, "random")
	logger.Info().
		Str("guild", g.ID).
		Str("general", general.ID).
		Str("random", random.ID).
		Msg("fixtures ready")

	server := &http.Server{
		Addr:              *addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	logger.Info().Str("addr", *addr).Str("user", *user).Msg("mock server listening")

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Fatal().Err(err).Msg("server exited with error")
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		logger.Info().Msg("shutting down mock server")
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("shutdown error")
		}
		<-serverErr
	}
}
