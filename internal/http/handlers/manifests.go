package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/geocoder89/manifold/internal/config"
	"github.com/geocoder89/manifold/internal/domain/manifest"
	"github.com/geocoder89/manifold/internal/utils"
	"github.com/gin-gonic/gin"
)

// ManifestsRepo is the subset of store.ManifestStore the admin surface needs.
type ManifestsRepo interface {
	ListManifests(ctx context.Context) ([]manifest.Manifest, error)
	GetManifest(ctx context.Context, id string) (manifest.Manifest, error)
	CreateManifest(ctx context.Context, req manifest.CreateRequest) (manifest.Manifest, error)
	SetManifestEnabled(ctx context.Context, id string, enabled bool, note *string) error
}

type ManifestsHandler struct {
	repo ManifestsRepo
}

func NewManifestsHandler(repo ManifestsRepo) *ManifestsHandler {
	return &ManifestsHandler{repo: repo}
}

// GET /admin/manifests
func (h *ManifestsHandler) List(ctx *gin.Context) {
	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	items, err := h.repo.ListManifests(cctx)
	if err != nil {
		RespondInternal(ctx, "Could not list manifests")
		return
	}

	RespondJSONWithETag(ctx, http.StatusOK, gin.H{"count": len(items), "items": items})
}

// GET /admin/manifests/:id
func (h *ManifestsHandler) GetByID(ctx *gin.Context) {
	id := ctx.Param("id")
	if !utils.IsUUID(id) {
		RespondBadRequest(ctx, "invalid_id", nil)
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	m, err := h.repo.GetManifest(cctx, id)
	if err != nil {
		RespondNotFound(ctx, "Manifest not found")
		return
	}

	ctx.JSON(http.StatusOK, m)
}

type createManifestRequest struct {
	Name                     string   `json:"name" binding:"required"`
	PropertiesJSON           []byte   `json:"propertiesJson,omitempty"`
	PropertiesTypeName       string   `json:"propertiesTypeName,omitempty"`
	ScheduleType             string   `json:"scheduleType" binding:"required,oneof=none cron interval on_demand"`
	CronExpression           *string  `json:"cronExpression,omitempty"`
	IntervalSeconds          *int     `json:"intervalSeconds,omitempty"`
	MaxRetries               int      `json:"maxRetries"`
	TimeoutSeconds           *int     `json:"timeoutSeconds,omitempty"`
	RetryBackoffMultiplier   *float64 `json:"retryBackoffMultiplier,omitempty"`
	DefaultRetryDelaySeconds *int     `json:"defaultRetryDelaySeconds,omitempty"`
	MaxRetryDelaySeconds     *int     `json:"maxRetryDelaySeconds,omitempty"`
	ManifestGroupID          *string  `json:"manifestGroupId,omitempty"`
	DependsOnManifestID      *string  `json:"dependsOnManifestId,omitempty"`
	Priority                 int      `json:"priority"`
}

// POST /admin/manifests
func (h *ManifestsHandler) Create(ctx *gin.Context) {
	var body createManifestRequest
	if !BindJSON(ctx, &body) {
		return
	}

	req := manifest.CreateRequest{
		Name:                     body.Name,
		PropertiesJSON:           body.PropertiesJSON,
		PropertiesTypeName:       body.PropertiesTypeName,
		ScheduleType:             manifest.ScheduleType(body.ScheduleType),
		CronExpression:           body.CronExpression,
		IntervalSeconds:          body.IntervalSeconds,
		MaxRetries:               body.MaxRetries,
		TimeoutSeconds:           body.TimeoutSeconds,
		RetryBackoffMultiplier:   body.RetryBackoffMultiplier,
		DefaultRetryDelaySeconds: body.DefaultRetryDelaySeconds,
		MaxRetryDelaySeconds:     body.MaxRetryDelaySeconds,
		ManifestGroupID:          body.ManifestGroupID,
		DependsOnManifestID:      body.DependsOnManifestID,
		Priority:                 body.Priority,
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	m, err := h.repo.CreateManifest(cctx, req)
	if err != nil {
		if errors.Is(err, manifest.ErrInvalidSchedule) {
			RespondBadRequest(ctx, "invalid_schedule", err.Error())
			return
		}
		RespondInternal(ctx, "Could not create manifest")
		return
	}

	ctx.JSON(http.StatusCreated, m)
}

type setEnabledRequest struct {
	Enabled bool    `json:"enabled"`
	Note    *string `json:"note,omitempty"`
}

// PATCH /admin/manifests/:id/enabled
func (h *ManifestsHandler) SetEnabled(ctx *gin.Context) {
	id := ctx.Param("id")
	if !utils.IsUUID(id) {
		RespondBadRequest(ctx, "invalid_id", nil)
		return
	}

	var body setEnabledRequest
	if !BindJSON(ctx, &body) {
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()
	cctx = withActor(ctx, cctx)

	if err := h.repo.SetManifestEnabled(cctx, id, body.Enabled, body.Note); err != nil {
		RespondInternal(ctx, "Could not update manifest")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"id": id, "enabled": body.Enabled})
}
