package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/geocoder89/manifold/internal/config"
	"github.com/geocoder89/manifold/internal/domain/workqueue"
	"github.com/geocoder89/manifold/internal/utils"
	"github.com/gin-gonic/gin"
)

// WorkQueueRepo is the subset of store.WorkQueueStore the admin surface
// needs to inspect and cancel queued dispatch requests.
type WorkQueueRepo interface {
	ListQueued(ctx context.Context, limit int) ([]workqueue.Entry, error)
	CancelQueued(ctx context.Context, id string) error
}

type WorkQueueHandler struct {
	repo WorkQueueRepo
}

func NewWorkQueueHandler(repo WorkQueueRepo) *WorkQueueHandler {
	return &WorkQueueHandler{repo: repo}
}

// GET /admin/work-queue?limit=50
func (h *WorkQueueHandler) List(ctx *gin.Context) {
	limit := parseInt(ctx.Query("limit"), 50)
	if limit < 1 || limit > 200 {
		RespondBadRequest(ctx, "invalid_query", "limit must be between 1 and 200")
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	items, err := h.repo.ListQueued(cctx, limit)
	if err != nil {
		RespondInternal(ctx, "Could not list queued work")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"count": len(items), "items": items})
}

// DELETE /admin/work-queue/:id
func (h *WorkQueueHandler) Cancel(ctx *gin.Context) {
	id := ctx.Param("id")
	if !utils.IsUUID(id) {
		RespondBadRequest(ctx, "invalid_id", nil)
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	if err := h.repo.CancelQueued(cctx, id); err != nil {
		if err == workqueue.ErrStateConflict {
			RespondConflict(ctx, "already_dispatched", "Entry already claimed or cancelled")
			return
		}
		RespondInternal(ctx, "Could not cancel queued entry")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"id": id, "status": workqueue.StatusCancelled})
}
