package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/geocoder89/manifold/internal/config"
	"github.com/geocoder89/manifold/internal/domain/metadata"
	"github.com/geocoder89/manifold/internal/utils"
	"github.com/gin-gonic/gin"
)

// MetadataRepo is the subset of store.MetadataStore the admin surface needs
// to force-cancel an in-flight execution attempt.
type MetadataRepo interface {
	CancelMetadata(ctx context.Context, id string) error
}

type MetadataHandler struct {
	repo MetadataRepo
}

func NewMetadataHandler(repo MetadataRepo) *MetadataHandler {
	return &MetadataHandler{repo: repo}
}

// POST /admin/metadata/:id/cancel
//
// Unlike DELETE /admin/work-queue/:id, which only withdraws a row that
// hasn't been claimed yet, this forces a Pending or InProgress metadata row
// straight to Cancelled even while its workflow is still running in a
// dispatcher goroutine. The running goroutine itself isn't killed — the
// task server already treats cancellation as best-effort — so the row
// simply stops being authoritative for whatever the goroutine does next.
func (h *MetadataHandler) Cancel(ctx *gin.Context) {
	id := ctx.Param("id")
	if !utils.IsUUID(id) {
		RespondBadRequest(ctx, "invalid_id", nil)
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	if err := h.repo.CancelMetadata(cctx, id); err != nil {
		if err == metadata.ErrStateConflict {
			RespondConflict(ctx, "already_terminal", "Metadata already in a terminal state")
			return
		}
		RespondInternal(ctx, "Could not cancel metadata")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"id": id, "status": metadata.StateCancelled})
}
