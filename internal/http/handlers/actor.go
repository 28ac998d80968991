package handlers

import (
	"context"

	"github.com/geocoder89/manifold/internal/actorctx"
	"github.com/geocoder89/manifold/internal/http/middlewares"
	"github.com/gin-gonic/gin"
)

// withActor carries the authenticated operator's id from the gin request
// context onto the plain context.Context passed to the store, so audit
// trails (who acknowledged a dead letter, who toggled a manifest) can be
// reconstructed downstream via actorctx.UserIDFrom.
func withActor(ginCtx *gin.Context, ctx context.Context) context.Context {
	userID, ok := middlewares.UserIDFromContext(ginCtx)
	if !ok {
		return ctx
	}
	return actorctx.WithUserID(ctx, userID)
}
