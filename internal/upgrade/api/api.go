// Package api exposes upgrades over HTTP: start one asynchronously, then
// poll its state.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/qiniu/clusterupgrade/internal/upgrade/database"
	"github.com/qiniu/clusterupgrade/internal/upgrade/model"
	"github.com/rs/zerolog/log"
)

// Upgrader runs one upgrade under a caller-chosen run id.
type Upgrader interface {
	UpgradeRun(ctx context.Context, runID string, req model.UpgradeRequest) (*model.UpgradeResult, error)
}

// History reads runs recorded by earlier processes.
type History interface {
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, volume string, limit int) ([]*model.Run, error)
	GetDatabaseResults(ctx context.Context, runID string) ([]*model.RunDatabase, error)
}

// RunStore keeps the runs started through this process. *Store is the
// implementation.
type RunStore interface {
	CreateRun(ctx context.Context, run *model.Run) error
	SetResult(id string, res *model.UpgradeResult)
	Get(id string) (*RunDetail, bool)
	List(volume string, limit int) []*model.Run
	Active(volume string) (*model.Run, bool)
}

type Api struct {
	upgrader Upgrader
	store    RunStore
	history  History

	// ctx outlives requests; cancelled by Shutdown
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApi registers the upgrade routes. history may be nil; metrics, when
// non-nil, is served at /metrics.
func NewApi(router *gin.Engine, upgrader Upgrader, store RunStore, history History, metrics http.Handler) *Api {
	ctx, cancel := context.WithCancel(context.Background())
	api := &Api{upgrader: upgrader, store: store, history: history, ctx: ctx, cancel: cancel}
	api.setupRouters(router, metrics)
	return api
}

func (api *Api) setupRouters(router *gin.Engine, metrics http.Handler) {
	router.POST("/v1/upgrades", api.StartUpgrade)
	router.GET("/v1/upgrades/:runID", api.GetUpgrade)
	router.GET("/v1/upgrades", api.ListUpgrades)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}
}

// Shutdown cancels running upgrades and waits for their teardown.
func (api *Api) Shutdown() {
	api.cancel()
	api.wg.Wait()
}

// Wait blocks until every started upgrade has returned.
func (api *Api) Wait() {
	api.wg.Wait()
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, map[string]any{"error": map[string]any{"code": code, "message": message}})
}

type startResponse struct {
	RunID string `json:"runId"`
	State string `json:"state"`
}

func (api *Api) StartUpgrade(c *gin.Context) {
	var req model.UpgradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_PARAMETER", "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
		return
	}
	if active, ok := api.store.Active(req.Volume); ok {
		writeError(c, http.StatusConflict, "VOLUME_BUSY", "upgrade "+active.ID+" is already running on "+req.Volume)
		return
	}

	runID := uuid.NewString()
	pending := &model.Run{
		ID:            runID,
		Volume:        req.Volume,
		TargetVersion: req.TargetVersion,
		State:         string(model.StateInit),
		StartedAt:     time.Now(),
	}
	if err := api.store.CreateRun(c.Request.Context(), pending); err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("failed to record upgrade run")
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to record upgrade run")
		return
	}

	api.wg.Add(1)
	go func() {
		defer api.wg.Done()
		res, err := api.upgrader.UpgradeRun(api.ctx, runID, req)
		if err != nil {
			log.Error().Err(err).Str("run_id", runID).Msg("upgrade failed")
		}
		api.store.SetResult(runID, res)
	}()

	log.Info().Str("run_id", runID).Str("volume", req.Volume).Int("target", req.TargetVersion).Msg("upgrade accepted")
	c.JSON(http.StatusAccepted, startResponse{RunID: runID, State: string(model.StateInit)})
}

func (api *Api) GetUpgrade(c *gin.Context) {
	runID := c.Param("runID")
	if detail, ok := api.store.Get(runID); ok {
		c.JSON(http.StatusOK, detail)
		return
	}
	if api.history == nil {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "upgrade run not found")
		return
	}

	ctx := c.Request.Context()
	run, err := api.history.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, database.ErrRunNotFound) {
			writeError(c, http.StatusNotFound, "NOT_FOUND", "upgrade run not found")
			return
		}
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	databases, err := api.history.GetDatabaseResults(ctx, runID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if databases == nil {
		databases = []*model.RunDatabase{}
	}
	c.JSON(http.StatusOK, &RunDetail{Run: run, Databases: databases})
}

type listResponse struct {
	Items []*model.Run `json:"items"`
}

func (api *Api) ListUpgrades(c *gin.Context) {
	volume := strings.TrimSpace(c.Query("volume"))
	limit := 50
	if s := strings.TrimSpace(c.Query("limit")); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			writeError(c, http.StatusBadRequest, "INVALID_PARAMETER", "limit must be 1-500")
			return
		}
		limit = n
	}

	var items []*model.Run
	if api.history != nil {
		runs, err := api.history.ListRuns(c.Request.Context(), volume, limit)
		if err != nil {
			writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
			return
		}
		items = runs
	} else {
		items = api.store.List(volume, limit)
	}
	if items == nil {
		items = []*model.Run{}
	}
	c.JSON(http.StatusOK, listResponse{Items: items})
}
