package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/geocoder89/manifold/internal/config"
	"github.com/geocoder89/manifold/internal/domain/manifestgroup"
	"github.com/gin-gonic/gin"
)

// ManifestGroupsRepo is the subset of store.ManifestStore the admin
// surface needs for the concurrency-unit resource.
type ManifestGroupsRepo interface {
	ListManifestGroups(ctx context.Context) ([]manifestgroup.Group, error)
	CreateManifestGroup(ctx context.Context, req manifestgroup.CreateRequest) (manifestgroup.Group, error)
}

type ManifestGroupsHandler struct {
	repo ManifestGroupsRepo
}

func NewManifestGroupsHandler(repo ManifestGroupsRepo) *ManifestGroupsHandler {
	return &ManifestGroupsHandler{repo: repo}
}

// GET /admin/manifest-groups
func (h *ManifestGroupsHandler) List(ctx *gin.Context) {
	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	items, err := h.repo.ListManifestGroups(cctx)
	if err != nil {
		RespondInternal(ctx, "Could not list manifest groups")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"count": len(items), "items": items})
}

type createManifestGroupRequest struct {
	Name          string `json:"name" binding:"required"`
	MaxActiveJobs *int   `json:"maxActiveJobs,omitempty"`
	Priority      int    `json:"priority"`
}

// POST /admin/manifest-groups
func (h *ManifestGroupsHandler) Create(ctx *gin.Context) {
	var body createManifestGroupRequest
	if !BindJSON(ctx, &body) {
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	g, err := h.repo.CreateManifestGroup(cctx, manifestgroup.CreateRequest{
		Name:          body.Name,
		MaxActiveJobs: body.MaxActiveJobs,
		Priority:      body.Priority,
	})
	if err != nil {
		RespondInternal(ctx, "Could not create manifest group")
		return
	}

	ctx.JSON(http.StatusCreated, g)
}
