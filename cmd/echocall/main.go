package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxline/janusgw/internal/adapter/driven/media/pion"
	"github.com/voxline/janusgw/internal/adapter/driven/transport"
	"github.com/voxline/janusgw/internal/adapter/plugin/echotest"
	"github.com/voxline/janusgw/internal/config"
	"github.com/voxline/janusgw/internal/core/client"
)

func main() {
	w := zerolog.ConsoleWriter{Out: os.Stdout}
	log.Logger = zerolog.New(w).With().Timestamp().Caller().Logger()

	var (
		url     = flag.String("url", "", "gateway endpoint (ws://, wss://, http:// or https://)")
		cfgPath = flag.String("config", "", "TOML config file")
	)
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load config")
		}
		cfg = loaded
	}
	if *url != "" {
		cfg.Gateway.URL = *url
	}
	if cfg.Gateway.URL == "" {
		log.Fatal().Msg("A gateway url is required (-url or config file)")
	}

	sess, err := client.NewSession(client.Config{
		URL:                cfg.Gateway.URL,
		APISecret:          cfg.Gateway.APISecret,
		Token:              cfg.Gateway.Token,
		RequestTimeout:     cfg.Timing.RequestTimeout.Duration,
		KeepaliveInterval:  cfg.Timing.KeepaliveInterval.Duration,
		MaxConnectAttempts: cfg.Timing.MaxConnectAttempts,
		MaxPollBackoff:     cfg.Timing.MaxPollBackoff.Duration,
		Registry:           transport.NewRegistry(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build session")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := pion.NewEngine()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build negotiation engine")
	}
	echo := echotest.New(engine)

	handle, err := sess.Attach(ctx, echo, engine)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to attach echotest")
	}

	reply, err := echo.Start(ctx, handle, echotest.StartBody{Audio: true, Video: true})
	if err != nil {
		log.Error().Err(err).Msg("Echotest start failed")
	} else if reply.Jsep != nil {
		log.Info().Str("type", reply.Jsep.Type).Msg("Negotiation description received")
	}

	log.Info().Msg("Echo call running, press Ctrl-C to stop")
	select {
	case <-ctx.Done():
	case err := <-handle.Errors():
		log.Error().Err(err).Msg("Plugin handler error")
	}

	teardown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	handle.Detach(teardown)
	sess.Destroy(teardown)
	log.Info().Msg("Echo call finished")
}
