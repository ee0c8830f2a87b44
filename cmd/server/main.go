package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/omochice/roomchat/internal/config"
	"github.com/omochice/roomchat/internal/logging"
	"github.com/omochice/roomchat/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := server.New(cfg)
	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start server")
	}
	log.Info().Str("tcp", srv.TCPAddr()).Str("http", srv.HTTPAddr()).
		Str("default_room", cfg.DefaultRoom).Bool("echo_chat", cfg.EchoChat).Msg("chat server started")

	<-ctx.Done()
	log.Info().Msg("received shutdown signal")

	// A second signal aborts the grace period.
	shutdownCtx, shutdownCancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		os.Exit(1)
	}
	log.Info().Msg("server exited gracefully")
}
