package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/GriffinCanCode/streambox/backend/internal/domain/manager"
	"github.com/GriffinCanCode/streambox/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/streambox/backend/internal/runtime/sandbox"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/paths"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Manager is the slice of the extension manager the API serves
type Manager interface {
	Install(ctx context.Context, sourceURL string) (*types.Extension, error)
	Update(ctx context.Context, id string) (*types.Extension, error)
	Uninstall(ctx context.Context, id string) (bool, error)
	SetEnabled(ctx context.Context, id string, enabled bool) (bool, error)
	Reset(ctx context.Context, id string) error
	InvokeRaw(ctx context.Context, id, operation string, args ...any) ([]byte, error)
	Get(ctx context.Context, id string) (*types.Extension, error)
	ListInstalled(ctx context.Context) ([]types.Extension, error)
	ListEnabled(ctx context.Context) ([]types.Extension, error)
	SetActive(ctx context.Context, id string) error
	Active(ctx context.Context) (*types.Extension, error)
	CheckForUpdates(ctx context.Context) (*manager.UpdateReport, error)
	LastUpdateCheck(ctx context.Context) (time.Time, bool, error)

	Catalog(ctx context.Context, id string) ([]types.CatalogItem, error)
	Genres(ctx context.Context, id string) ([]types.CatalogItem, error)
	Posts(ctx context.Context, id, filter string, page int) ([]types.Post, error)
	Search(ctx context.Context, id, query string, page int) ([]types.Post, error)
	Metadata(ctx context.Context, id, link string) (*types.ContentInfo, error)
	Streams(ctx context.Context, id, link, contentType string) ([]types.StreamSource, error)
	Episodes(ctx context.Context, id, link string) ([]types.Episode, error)
}

// Sandboxes reports the live sandboxes of the pool
type Sandboxes interface {
	Stats() []sandbox.Info
}

// Handlers contains HTTP request handlers
type Handlers struct {
	manager   Manager
	sandboxes Sandboxes
	logger    *zap.Logger
	metrics   *monitoring.Metrics
}

// NewHandlers creates a new handlers instance
func NewHandlers(mgr Manager, sandboxes Sandboxes, logger *zap.Logger, metrics *monitoring.Metrics) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		manager:   mgr,
		sandboxes: sandboxes,
		logger:    logger,
		metrics:   metrics,
	}
}

// Register mounts every route on r
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/health", h.HealthCheck)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}

	r.GET("/extensions", h.ListExtensions)
	r.POST("/extensions", h.InstallExtension)

	ext := r.Group("/extensions/:id", h.requireID)
	ext.GET("", h.GetExtension)
	ext.DELETE("", h.UninstallExtension)
	ext.POST("/update", h.UpdateExtension)
	ext.PUT("/enabled", h.SetEnabled)
	ext.POST("/reset", h.ResetExtension)
	ext.POST("/invoke/:op", h.InvokeExtension)

	ext.GET("/catalog", h.Catalog)
	ext.GET("/genres", h.Genres)
	ext.GET("/posts", h.Posts)
	ext.GET("/search", h.Search)
	ext.GET("/meta", h.Metadata)
	ext.GET("/streams", h.Streams)
	ext.GET("/episodes", h.Episodes)

	r.GET("/active", h.GetActive)
	r.PUT("/active", h.SetActive)

	r.POST("/updates/check", h.CheckForUpdates)
	r.GET("/updates/last", h.LastUpdateCheck)

	r.GET("/sandboxes", h.ListSandboxes)
	r.POST("/logs", h.StreamLogs)
}

// HealthCheck returns server health status
func (h *Handlers) HealthCheck(c *gin.Context) {
	body := gin.H{"status": "healthy"}
	if h.sandboxes != nil {
		body["sandboxes"] = len(h.sandboxes.Stats())
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handlers) requireID(c *gin.Context) {
	if err := paths.ValidateExtensionID(c.Param("id")); err != nil {
		badRequest(c, err.Error())
		return
	}
	c.Next()
}

// ListExtensions lists installed extensions, or only enabled ones with ?enabled=true
func (h *Handlers) ListExtensions(c *gin.Context) {
	list := h.manager.ListInstalled
	if enabled, _ := strconv.ParseBool(c.Query("enabled")); enabled {
		list = h.manager.ListEnabled
	}

	exts, err := list(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	if exts == nil {
		exts = []types.Extension{}
	}
	c.JSON(http.StatusOK, gin.H{"extensions": exts, "count": len(exts)})
}

// GetExtension returns one installed extension
func (h *Handlers) GetExtension(c *gin.Context) {
	ext, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if ext == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "extension not found", "kind": "not_found"})
		return
	}
	c.JSON(http.StatusOK, ext)
}

// InstallRequest names the manifest to install from
type InstallRequest struct {
	SourceURL string `json:"sourceUrl" binding:"required,url"`
}

// InstallExtension installs or upgrades an extension from a manifest URL
func (h *Handlers) InstallExtension(c *gin.Context) {
	var req InstallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	ext, err := h.manager.Install(c.Request.Context(), req.SourceURL)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ext)
}

// UpdateExtension reinstalls an extension from its recorded source
func (h *Handlers) UpdateExtension(c *gin.Context) {
	ext, err := h.manager.Update(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ext)
}

// UninstallExtension removes an extension with its payloads and state
func (h *Handlers) UninstallExtension(c *gin.Context) {
	id := c.Param("id")
	removed, err := h.manager.Uninstall(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "extension not found", "kind": "not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": id})
}

// EnabledRequest toggles an extension
type EnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// SetEnabled enables or disables an extension
func (h *Handlers) SetEnabled(c *gin.Context) {
	var req EnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	id := c.Param("id")
	found, err := h.manager.SetEnabled(c.Request.Context(), id, *req.Enabled)
	if err != nil {
		fail(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "extension not found", "kind": "not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "enabled": *req.Enabled})
}

// ResetExtension discards the extension's sandbox and reports its last fault
func (h *Handlers) ResetExtension(c *gin.Context) {
	id := c.Param("id")
	body := gin.H{"id": id}
	if err := h.manager.Reset(c.Request.Context(), id); err != nil {
		body["fault"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

// InvokeRequest carries positional arguments for an exported function
type InvokeRequest struct {
	Args []any `json:"args"`
}

// InvokeExtension calls an exported function and returns its JSON result
func (h *Handlers) InvokeExtension(c *gin.Context) {
	var req InvokeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	raw, err := h.manager.InvokeRaw(c.Request.Context(), c.Param("id"), c.Param("op"), req.Args...)
	if err != nil {
		fail(c, err)
		return
	}
	if len(raw) == 0 {
		raw = []byte("null")
	}
	c.JSON(http.StatusOK, gin.H{"result": json.RawMessage(raw)})
}

// GetActive returns the active extension, falling back to the first enabled one
func (h *Handlers) GetActive(c *gin.Context) {
	ext, err := h.manager.Active(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ext)
}

// ActiveRequest selects the active extension
type ActiveRequest struct {
	ID string `json:"id" binding:"required"`
}

// SetActive stores the active extension preference
func (h *Handlers) SetActive(c *gin.Context) {
	var req ActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := paths.ValidateExtensionID(req.ID); err != nil {
		badRequest(c, err.Error())
		return
	}

	if err := h.manager.SetActive(c.Request.Context(), req.ID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": req.ID})
}

// CheckForUpdates runs an update pass over every installed extension
func (h *Handlers) CheckForUpdates(c *gin.Context) {
	report, err := h.manager.CheckForUpdates(c.Request.Context())
	if report == nil {
		fail(c, err)
		return
	}
	if err != nil {
		h.logger.Warn("Update check finished with failures",
			zap.Int("checked", report.Checked),
			zap.Int("failed", len(report.Failed)))
	}
	c.JSON(http.StatusOK, report)
}

// LastUpdateCheck reports when the last update pass ran
func (h *Handlers) LastUpdateCheck(c *gin.Context) {
	at, ok, err := h.manager.LastUpdateCheck(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"checkedAt": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkedAt": at})
}

// ListSandboxes lists the sandboxes currently held by the pool
func (h *Handlers) ListSandboxes(c *gin.Context) {
	stats := []sandbox.Info{}
	if h.sandboxes != nil {
		stats = append(stats, h.sandboxes.Stats()...)
	}
	c.JSON(http.StatusOK, gin.H{"sandboxes": stats, "count": len(stats)})
}
