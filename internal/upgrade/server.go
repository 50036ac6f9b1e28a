package upgrade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/clusterupgrade/internal/config"
	"github.com/qiniu/clusterupgrade/internal/upgrade/api"
	"github.com/qiniu/clusterupgrade/internal/upgrade/cluster"
	"github.com/qiniu/clusterupgrade/internal/upgrade/database"
	"github.com/qiniu/clusterupgrade/internal/upgrade/lock"
	"github.com/qiniu/clusterupgrade/internal/upgrade/metrics"
	"github.com/qiniu/clusterupgrade/internal/upgrade/registry"
	"github.com/qiniu/clusterupgrade/internal/upgrade/runtime"
	"github.com/qiniu/clusterupgrade/internal/upgrade/service"
	"github.com/qiniu/clusterupgrade/internal/upgrade/sqlexec"
	"github.com/qiniu/clusterupgrade/internal/upgrade/verify"
	"github.com/qiniu/clusterupgrade/internal/upgrade/volume"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// UpgradeServer 组装升级引擎的全部依赖
type UpgradeServer struct {
	config   *config.Config
	runtime  runtime.Runtime
	db       *database.Database
	redis    *redis.Client
	metrics  *metrics.Collector
	store    *api.Store
	upgrader *service.Upgrader
	api      *api.Api
}

// NewUpgradeServer 根据配置创建升级服务；数据库与Redis为可选组件
func NewUpgradeServer(ctx context.Context, cfg *config.Config) (*UpgradeServer, error) {
	rt, err := runtime.NewDockerRuntime(cfg.Runtime.Host)
	if err != nil {
		return nil, err
	}
	s := &UpgradeServer{
		config:  cfg,
		runtime: rt,
		metrics: metrics.New(),
		store:   api.NewStore(0),
	}

	clusters, err := cluster.NewManager(rt, cfg.ReadinessPolicy())
	if err != nil {
		s.Close(ctx)
		return nil, fmt.Errorf("invalid readiness policy: %w", err)
	}

	exec := sqlexec.NewPgxExecutor(config.ParseDuration(cfg.Cluster.ConnectTimeout, 10*time.Second))

	var recorder service.Recorder = s.store
	if cfg.Database.Enabled {
		db, err := database.NewDatabase(ctx, &cfg.Database)
		if err != nil {
			s.Close(ctx)
			return nil, fmt.Errorf("failed to open run history database: %w", err)
		}
		s.db = db
		recorder = service.MultiRecorder{s.store, database.NewRunRepo(db)}
	}

	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.Redis.Enabled {
		s.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := s.redis.Ping(ctx).Err(); err != nil {
			s.Close(ctx)
			return nil, fmt.Errorf("failed to connect to redis %s: %w", cfg.Redis.Addr, err)
		}
		locker = lock.NewRedisLocker(s.redis, cfg.Redis.Prefix)
	}

	s.upgrader, err = service.New(service.Deps{
		Registry:   registry.New(cfg.Images, rt, exec, cfg.Runtime.UtilityImage),
		Clusters:   clusters,
		Volumes:    volume.NewManager(rt, cfg.Runtime.UtilityImage, nil),
		Verifier:   verify.New(exec, cfg.Verify.Strict),
		Executor:   exec,
		Locker:     locker,
		Recorder:   recorder,
		Metrics:    s.metrics,
		Transferer: service.PipelineFactory(cfg.Transfer, s.metrics.AddTransferBytes),
	}, service.Options{
		SourcePassword: cfg.Cluster.SourcePassword,
		LockTTL:        config.ParseDuration(cfg.Upgrade.LockTTL, 10*time.Minute),
		Timeout:        config.ParseDuration(cfg.Upgrade.Timeout, 0),
		PostCheck:      cfg.Verify.PostCheck,
	})
	if err != nil {
		s.Close(ctx)
		return nil, err
	}

	log.Info().Ints("versions", cfg.Images.Versions()).
		Bool("history", s.db != nil).Bool("redis_lock", s.redis != nil).
		Msg("upgrade engine initialized")
	return s, nil
}

// Upgrader 返回升级执行器
func (s *UpgradeServer) Upgrader() *service.Upgrader { return s.upgrader }

// Metrics 返回指标收集器
func (s *UpgradeServer) Metrics() *metrics.Collector { return s.metrics }

// UseApi 设置 API 路由
func (s *UpgradeServer) UseApi(router *gin.Engine) error {
	var history api.History
	if s.db != nil {
		history = database.NewRunRepo(s.db)
	}
	s.api = api.NewApi(router, s.upgrader, s.store, history, s.metrics.Handler())
	return nil
}

// ExportMetrics 按配置写出textfile或推送到Pushgateway
func (s *UpgradeServer) ExportMetrics() error {
	var errs []error
	if path := s.config.Metrics.Textfile; path != "" {
		errs = append(errs, s.metrics.WriteTextfile(path))
	}
	if url := s.config.Metrics.PushURL; url != "" {
		errs = append(errs, s.metrics.Push(url, s.config.Metrics.Job))
	}
	return errors.Join(errs...)
}

// Close 优雅关闭：取消进行中的升级并等待清理完成
func (s *UpgradeServer) Close(ctx context.Context) error {
	log.Info().Msg("Starting shutdown...")
	if s.api != nil {
		s.api.Shutdown()
	}
	var errs []error
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.runtime != nil {
		errs = append(errs, s.runtime.Close())
	}
	log.Info().Msg("upgrade server shut down")
	return errors.Join(errs...)
}
