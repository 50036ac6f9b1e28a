package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/qiniu/clusterupgrade/internal/config"
	"github.com/qiniu/clusterupgrade/internal/upgrade"
	"github.com/qiniu/clusterupgrade/internal/upgrade/model"
	"github.com/qiniu/clusterupgrade/internal/upgrade/service"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// imageFlags collects repeated -image version=image flags.
type imageFlags []string

func (f *imageFlags) String() string { return strings.Join(*f, ",") }

func (f *imageFlags) Set(v string) error {
	*f = append(*f, v)
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func main() {
	// 配置日志
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	var images imageFlags
	configFile := flag.String("f", "", "Path to configuration file")
	volumeName := flag.String("volume", "", "Docker volume holding the cluster data directory")
	target := flag.Int("target", 0, "Target major version")
	databases := flag.String("databases", "", "Comma separated databases to carry over")
	tables := flag.String("tables", "", "Comma separated tables to transfer (default: all)")
	schemas := flag.String("schemas", "", "Comma separated schemas to transfer (default: all)")
	restoreFile := flag.String("restore-file", "", "Restore this dump archive instead of upgrading")
	restoreDB := flag.String("database", "", "Database to restore -restore-file into")
	flag.Var(&images, "image", "Image for a major version as version=image, repeatable")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setLogLevel(cfg.Logging.Level)
	if err := cfg.ApplyImageOverrides(images); err != nil {
		log.Fatal().Err(err).Msg("invalid -image flag")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := upgrade.NewUpgradeServer(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize upgrade engine")
	}

	var code int
	if *restoreFile != "" {
		code = runRestore(ctx, srv, service.RestoreRequest{Volume: *volumeName, Database: *restoreDB, Path: *restoreFile})
	} else {
		code = runUpgrade(ctx, srv, model.UpgradeRequest{
			Volume:        *volumeName,
			TargetVersion: *target,
			Databases:     splitList(*databases),
			Selection:     model.Selection{Tables: splitList(*tables), Schemas: splitList(*schemas)},
		})
	}

	if err := srv.ExportMetrics(); err != nil {
		log.Warn().Err(err).Msg("failed to export metrics")
	}
	srv.Close(context.Background())
	os.Exit(code)
}

func runUpgrade(ctx context.Context, srv *upgrade.UpgradeServer, req model.UpgradeRequest) int {
	res, err := srv.Upgrader().Upgrade(ctx, req)
	printJSON(res)
	if err != nil {
		log.Error().Str("stage", string(res.FailedStage)).Err(err).Msg("upgrade failed")
		return 1
	}
	for _, w := range res.Warnings {
		log.Warn().Msg(w)
	}
	log.Info().Str("volume", res.Volume).Int("from", res.SourceVersion).Int("to", res.TargetVersion).
		Str("backup", res.BackupVolume).Int("databases", res.Transferred()).Msg("upgrade complete")
	return 0
}

func runRestore(ctx context.Context, srv *upgrade.UpgradeServer, req service.RestoreRequest) int {
	res, err := srv.Upgrader().RestoreFile(ctx, req)
	if err != nil {
		log.Error().Err(err).Msg("restore failed")
		return 1
	}
	printJSON(res)
	return 0
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}

func setLogLevel(level string) {
	switch strings.ToLower(level) {
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
}
