package erpsync

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/parking_backend/config"
	"github.com/mmdatafocus/parking_backend/models"
	"github.com/mmdatafocus/parking_backend/utils"
	"gorm.io/gorm"
)

// API serves integration configuration, sync triggers and run history.
type API struct {
	DB         *gorm.DB
	Registry   *Registry
	Controller *Controller
	Scheduler  *Scheduler
}

type TriggerSyncRequest struct {
	FullSync bool `json:"fullSync"`
}

type SyncRunDetailResponse struct {
	models.SyncRun
	Errors []models.SyncRunError `json:"errors"`
}

type CursorResponse struct {
	Found  bool              `json:"found"`
	Cursor models.SyncCursor `json:"cursor"`
}

// RegisterRoutes mounts the API under r. guard protects the sync trigger and
// the Pub/Sub push endpoint, both of which can start a run.
func (a *API) RegisterRoutes(r gin.IRouter, guard gin.HandlerFunc) {
	triggers := []gin.HandlerFunc{}
	if guard != nil {
		triggers = append(triggers, guard)
	}

	api := r.Group("/api")
	api.GET("/integrations", a.ListIntegrationsHandler())
	api.POST("/integrations", a.CreateIntegrationHandler())
	api.GET("/integrations/:id", a.GetIntegrationHandler())
	api.PUT("/integrations/:id", a.UpdateIntegrationHandler())
	api.GET("/integrations/:id/cursor", a.CursorHandler())
	api.GET("/integrations/:id/sync-runs", a.SyncHistoryHandler())
	api.POST("/integrations/:id/sync", append(triggers, a.TriggerSyncHandler())...)
	api.GET("/sync-runs/:id", a.SyncRunDetailHandler())
	api.GET("/sync-runs/:id/errors.xlsx", a.SyncRunErrorsExportHandler())

	r.POST("/pubsub/erp-sync", append(triggers, a.PubSubPushHandler())...)
}

func (a *API) configs() GormConfigSource {
	return GormConfigSource{DB: a.DB}
}

func (a *API) runLog() GormRunLog {
	return GormRunLog{DB: a.DB}
}

func (a *API) ListIntegrationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var list []models.Integration
		if err := a.DB.WithContext(c.Request.Context()).Order("id").Find(&list).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": list})
	}
}

func (a *API) GetIntegrationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, ok := a.loadIntegration(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, cfg)
	}
}

func (a *API) CreateIntegrationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.NewIntegration
		if !bindIntegration(c, &req) {
			return
		}
		var cfg models.Integration
		req.Apply(&cfg)
		if cfg.IsActive == nil {
			cfg.IsActive = utils.NewTrue()
		}
		a.saveIntegration(c, &cfg, http.StatusCreated)
	}
}

func (a *API) UpdateIntegrationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, ok := a.loadIntegration(c)
		if !ok {
			return
		}
		var req models.NewIntegration
		if !bindIntegration(c, &req) {
			return
		}
		creds := cfg.ErpCredentials
		req.Apply(&cfg)
		if req.ErpCredentials == (models.ErpCredentials{}) {
			// omitted credentials keep the stored ones
			cfg.ErpCredentials = creds
		}
		if cfg.IsActive == nil {
			cfg.IsActive = utils.NewTrue()
		}
		a.saveIntegration(c, &cfg, http.StatusOK)
	}
}

func bindIntegration(c *gin.Context, req *models.NewIntegration) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return false
	}
	return true
}

func (a *API) saveIntegration(c *gin.Context, cfg *models.Integration, status int) {
	spec, err := a.Registry.Spec(cfg.TargetEntity)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := ValidateConfig(*cfg, spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.configs().Save(c.Request.Context(), cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if a.Scheduler != nil {
		if err := a.Scheduler.Reload(c.Request.Context()); err != nil {
			config.LogError(config.GetLogger(), "erpsync", "saveIntegration", "reload schedule", cfg.ID, err)
		}
	}
	c.JSON(status, cfg)
}

func (a *API) TriggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, ok := a.loadIntegration(c)
		if !ok {
			return
		}

		var req TriggerSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		ctx := utils.SetTriggeredByInContext(c.Request.Context(), models.SyncTriggeredManual)
		res, err := a.Controller.RunSync(ctx, cfg.ID, Options{FullResync: req.FullSync, TriggeredBy: models.SyncTriggeredManual})
		if errors.Is(err, ErrSyncInProgress) {
			c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func (a *API) SyncHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}
		runs, err := a.runLog().ListRuns(c.Request.Context(), id, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": runs})
	}
}

func (a *API) SyncRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		run, ok := a.loadRun(c)
		if !ok {
			return
		}
		errs, err := a.runLog().ListRunErrors(c.Request.Context(), run.ID, 500)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, SyncRunDetailResponse{SyncRun: run, Errors: errs})
	}
}

func (a *API) SyncRunErrorsExportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		run, ok := a.loadRun(c)
		if !ok {
			return
		}
		errs, err := a.runLog().ListRunErrors(c.Request.Context(), run.ID, 0)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=sync-run-%d-errors.xlsx", run.ID))
		c.Status(http.StatusOK)
		if err := WriteRunErrorsXLSX(c.Writer, run, errs); err != nil {
			config.LogError(config.GetLogger(), "erpsync", "SyncRunErrorsExportHandler", "write xlsx", run.ID, err)
		}
	}
}

func (a *API) CursorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		cur, found, err := a.runLog().LoadCursor(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, CursorResponse{Found: found, Cursor: cur})
	}
}

func (a *API) loadIntegration(c *gin.Context) (models.Integration, bool) {
	id, ok := paramID(c)
	if !ok {
		return models.Integration{}, false
	}
	cfg, err := a.configs().Load(c.Request.Context(), id)
	if errors.Is(err, ErrIntegrationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return models.Integration{}, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return models.Integration{}, false
	}
	return cfg, true
}

func (a *API) loadRun(c *gin.Context) (models.SyncRun, bool) {
	id, ok := paramID(c)
	if !ok {
		return models.SyncRun{}, false
	}
	run, err := a.runLog().GetRun(c.Request.Context(), id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return models.SyncRun{}, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return models.SyncRun{}, false
	}
	return run, true
}

func paramID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}
