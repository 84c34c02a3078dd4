package http

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/warden/core"
	"go.uber.org/zap"
)

const (
	identityKey       = "identity"
	fingerprintHeader = "X-Client-Fingerprint"
)

type guardFunc func(ctx context.Context, token string) (*core.Identity, error)

// guardMiddleware admits the request when check accepts its bearer token. When
// the client sends X-Client-Fingerprint it must equal the sealed fingerprint;
// requireHeader makes the header mandatory.
func guardMiddleware(check guardFunc, requireHeader bool, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortWithError(c, logger, fmt.Errorf("%w: missing bearer token", core.ErrInvalidTokenPayload))
			return
		}

		id, err := check(c.Request.Context(), token)
		if err != nil {
			abortWithError(c, logger, err)
			return
		}

		fp := c.GetHeader(fingerprintHeader)
		switch {
		case fp == "" && requireHeader:
			abortWithError(c, logger, fmt.Errorf("%w: missing fingerprint header", core.ErrTokenMismatch))
			return
		case fp != "" && subtle.ConstantTimeCompare([]byte(fp), []byte(id.DeviceFingerprint)) != 1:
			abortWithError(c, logger, fmt.Errorf("%w: fingerprint header mismatch", core.ErrTokenMismatch))
			return
		}

		c.Set(identityKey, id)
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// identity returns the Identity set by the guard middleware.
func identity(c *gin.Context) (*core.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}
	id, ok := v.(*core.Identity)
	return id, ok
}

// RequestLogger logs one line per request. Headers are never logged since they
// carry tokens and fingerprints.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if status >= 500 {
			logger.Error("http request", fields...)
			return
		}
		logger.Info("http request", fields...)
	}
}
