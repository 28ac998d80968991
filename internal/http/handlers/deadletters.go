package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/geocoder89/manifold/internal/config"
	"github.com/geocoder89/manifold/internal/domain/deadletter"
	"github.com/geocoder89/manifold/internal/utils"
	"github.com/gin-gonic/gin"
)

// DeadLettersRepo is the subset of store.DeadLetterStore the admin surface
// needs, plus touching a manifest back to enabled on manual retry.
type DeadLettersRepo interface {
	ListDeadLetters(ctx context.Context, status *deadletter.Status, limit int) ([]deadletter.DeadLetter, error)
	ResolveDeadLetter(ctx context.Context, id string, status deadletter.Status, note *string, retryMetadataID *string) error
	SetManifestEnabled(ctx context.Context, id string, enabled bool, note *string) error
}

type DeadLettersHandler struct {
	repo DeadLettersRepo
}

func NewDeadLettersHandler(repo DeadLettersRepo) *DeadLettersHandler {
	return &DeadLettersHandler{repo: repo}
}

// GET /admin/dead-letters?status=awaiting_intervention&limit=50
func (h *DeadLettersHandler) List(ctx *gin.Context) {
	limit := parseInt(ctx.Query("limit"), 50)
	if limit < 1 || limit > 200 {
		RespondBadRequest(ctx, "invalid_query", "limit must be between 1 and 200")
		return
	}

	var statusPointer *deadletter.Status
	if s := ctx.Query("status"); s != "" {
		status := deadletter.Status(s)
		statusPointer = &status
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	items, err := h.repo.ListDeadLetters(cctx, statusPointer, limit)
	if err != nil {
		RespondInternal(ctx, "Could not list dead letters")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"count": len(items), "items": items})
}

// parseInt reads an integer query value, returning def when s is empty and
// 0 when it is not a number, so the callers' range checks reject it.
func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

type resolveRequest struct {
	Note *string `json:"note,omitempty"`
}

// POST /admin/dead-letters/:id/acknowledge
func (h *DeadLettersHandler) Acknowledge(ctx *gin.Context) {
	h.resolve(ctx, deadletter.StatusAcknowledged)
}

type retryRequest struct {
	ManifestID string  `json:"manifestId" binding:"required"`
	Note       *string `json:"note,omitempty"`
}

// POST /admin/dead-letters/:id/retry
//
// Retrying re-enables the manifest so the Manager's next GetDueManifests
// pass can pick it up again; it does not enqueue directly, keeping the
// single scheduling path through the normal due-candidate flow.
func (h *DeadLettersHandler) Retry(ctx *gin.Context) {
	id := ctx.Param("id")
	if !utils.IsUUID(id) {
		RespondBadRequest(ctx, "invalid_id", nil)
		return
	}

	var body retryRequest
	if !BindJSON(ctx, &body) {
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()
	cctx = withActor(ctx, cctx)

	if err := h.repo.SetManifestEnabled(cctx, body.ManifestID, true, body.Note); err != nil {
		RespondInternal(ctx, "Could not re-enable manifest")
		return
	}

	if err := h.repo.ResolveDeadLetter(cctx, id, deadletter.StatusRetried, body.Note, nil); err != nil {
		if errors.Is(err, deadletter.ErrNotFound) {
			RespondNotFound(ctx, "Dead letter not found")
			return
		}
		if errors.Is(err, deadletter.ErrAlreadyResolved) {
			RespondConflict(ctx, "already_resolved", "Dead letter already resolved")
			return
		}
		RespondInternal(ctx, "Could not resolve dead letter")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"id": id, "status": deadletter.StatusRetried, "manifestId": body.ManifestID})
}

func (h *DeadLettersHandler) resolve(ctx *gin.Context, status deadletter.Status) {
	id := ctx.Param("id")
	if !utils.IsUUID(id) {
		RespondBadRequest(ctx, "invalid_id", nil)
		return
	}

	var body resolveRequest
	_ = ctx.ShouldBindJSON(&body)

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()
	cctx = withActor(ctx, cctx)

	if err := h.repo.ResolveDeadLetter(cctx, id, status, body.Note, nil); err != nil {
		if errors.Is(err, deadletter.ErrNotFound) {
			RespondNotFound(ctx, "Dead letter not found")
			return
		}
		if errors.Is(err, deadletter.ErrAlreadyResolved) {
			RespondConflict(ctx, "already_resolved", "Dead letter already resolved")
			return
		}
		RespondInternal(ctx, "Could not resolve dead letter")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"id": id, "status": status})
}
