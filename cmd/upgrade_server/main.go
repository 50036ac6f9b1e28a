package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/clusterupgrade/internal/config"
	"github.com/qiniu/clusterupgrade/internal/middleware"
	"github.com/qiniu/clusterupgrade/internal/upgrade"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// load config first
	log.Info().Msg("Starting clusterupgrade api server")
	configFile := flag.String("f", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// configure log level from config
	switch strings.ToLower(cfg.Logging.Level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	upgradeSrv, err := upgrade.NewUpgradeServer(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create upgrade server")
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.Authentication(cfg.Server.Bearer, "/metrics"))
	if err := upgradeSrv.UseApi(router); err != nil {
		log.Fatal().Err(err).Msg("bind upgrade api failed.")
	}

	httpSrv := &http.Server{Addr: cfg.Server.BindAddr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http shutdown failed")
		}
	}()

	log.Info().Msgf("Starting server on %s", cfg.Server.BindAddr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("start clusterupgrade api server failed.")
	}
	// running upgrades are cancelled and torn down before exit
	if err := upgradeSrv.Close(context.Background()); err != nil {
		log.Error().Err(err).Msg("shutdown failed")
	}
	log.Info().Msg("clusterupgrade api server exit...")
}
