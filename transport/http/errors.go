package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/warden/core"
	"go.uber.org/zap"
)

// abortWithError maps err to a response. Authentication failures of every kind
// share one body so clients cannot tell them apart; the kind is logged instead.
func abortWithError(c *gin.Context, logger *zap.Logger, err error) {
	var verr *core.ValidationError
	switch {
	case errors.As(err, &verr):
		body := gin.H{"error": verr.Message}
		if len(verr.Details) > 0 {
			body["details"] = verr.Details
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, body)
	case core.IsAuthFailure(err):
		logger.Info("request unauthorized",
			zap.String("path", c.FullPath()),
			zap.String("kind", core.ErrorKind(err)),
		)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	default:
		logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
