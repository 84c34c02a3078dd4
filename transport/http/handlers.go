package http

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/service"
	"go.uber.org/zap"
)

// MessageParams are the values a client needs to build a SIWE message.
type MessageParams struct {
	Domain    string `json:"domain"`
	URI       string `json:"uri"`
	Statement string `json:"statement"`
}

// AuthHandlers contains HTTP handlers for auth endpoints
type AuthHandlers struct {
	authService *service.AuthService
	params      MessageParams
	validate    *validator.Validate
	logger      *zap.Logger
}

// NewAuthHandlers creates new auth handlers
func NewAuthHandlers(authService *service.AuthService, params MessageParams, logger *zap.Logger) *AuthHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandlers{
		authService: authService,
		params:      params,
		validate:    newValidator(),
		logger:      logger,
	}
}

type nonceRequest struct {
	DeviceFingerprint string `json:"deviceFingerprint" validate:"required,max=512"`
}

// Nonce issues a single-use nonce bound to the caller's device. The nonce is
// returned as plain text.
func (h *AuthHandlers) Nonce(c *gin.Context) {
	var req nonceRequest
	if err := bindJSON(c, h.validate, &req); err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	nonce, err := h.authService.IssueNonce(c.Request.Context(), req.DeviceFingerprint)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	c.String(http.StatusOK, nonce)
}

// MessageParams returns the domain, URI and statement the SIWE message must use.
func (h *AuthHandlers) MessageParams(c *gin.Context) {
	c.JSON(http.StatusOK, h.params)
}

type verifyRequest struct {
	Message           string `json:"message" validate:"required"`
	Signature         string `json:"signature" validate:"required"`
	DeviceFingerprint string `json:"deviceFingerprint" validate:"required,max=512"`
	UserAgent         string `json:"userAgent" validate:"max=512"`
	IPAddress         string `json:"ipAddress" validate:"omitempty,ip"`
}

type verifyResponse struct {
	AccessToken         string        `json:"accessToken"`
	RefreshToken        string        `json:"refreshToken"`
	AccessTokenExpires  int64         `json:"accessTokenExpires"`
	RefreshTokenExpires int64         `json:"refreshTokenExpires"`
	ChainID             string        `json:"chainId"`
	Address             string        `json:"address"`
	User                core.UserView `json:"user"`
}

// Verify checks a signed SIWE message and opens a session for the device.
func (h *AuthHandlers) Verify(c *gin.Context) {
	var req verifyRequest
	if err := bindJSON(c, h.validate, &req); err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	userAgent := req.UserAgent
	if userAgent == "" {
		userAgent = c.Request.UserAgent()
	}
	ip := req.IPAddress
	if ip == "" {
		ip = c.ClientIP()
	}

	res, err := h.authService.Login(c.Request.Context(), service.LoginInput{
		Message:           req.Message,
		Signature:         req.Signature,
		DeviceFingerprint: req.DeviceFingerprint,
		UserAgent:         userAgent,
		IPAddress:         ip,
	})
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, verifyResponse{
		AccessToken:         res.Tokens.Access.Value,
		RefreshToken:        res.Tokens.Refresh.Value,
		AccessTokenExpires:  res.Tokens.Access.ExpiresAt.Unix(),
		RefreshTokenExpires: res.Tokens.Refresh.ExpiresAt.Unix(),
		ChainID:             res.ChainID,
		Address:             res.Address,
		User:                res.User,
	})
}

// Session reports that the access token is valid. The guard has already done
// the work.
func (h *AuthHandlers) Session(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// Sessions lists the caller's sessions, flagging the current one.
func (h *AuthHandlers) Sessions(c *gin.Context) {
	id, ok := h.requireIdentity(c)
	if !ok {
		return
	}

	views, err := h.authService.ListSessions(c.Request.Context(), id.UserID, id.SessionID, id.DeviceFingerprint)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, views)
}

// Refresh re-mints the access token for a refresh-guarded request.
func (h *AuthHandlers) Refresh(c *gin.Context) {
	id, ok := h.requireIdentity(c)
	if !ok {
		return
	}

	res, err := h.authService.Refresh(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	body := gin.H{
		"accessToken":        res.Access.Value,
		"accessTokenExpires": res.Access.ExpiresAt.Unix(),
	}
	if res.Refresh != nil {
		body["refreshToken"] = res.Refresh.Value
		body["refreshTokenExpires"] = res.Refresh.ExpiresAt.Unix()
	}
	c.JSON(http.StatusOK, body)
}

// Logout revokes the session the refresh token belongs to.
func (h *AuthHandlers) Logout(c *gin.Context) {
	id, ok := h.requireIdentity(c)
	if !ok {
		return
	}

	if err := h.authService.Logout(c.Request.Context(), id.UserID, id.SessionID, id.DeviceFingerprint); err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Me returns information about the authenticated user
func (h *AuthHandlers) Me(c *gin.Context) {
	id, ok := h.requireIdentity(c)
	if !ok {
		return
	}

	user, err := h.authService.Me(c.Request.Context(), id.UserID)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, user.View())
}

type updateRequest struct {
	Name    *string `json:"name" validate:"omitempty,min=2,max=100"`
	Email   *string `json:"email" validate:"omitempty,email"`
	Picture *string `json:"picture" validate:"omitempty,url,max=2048"`
}

// UpdateUser changes the caller's profile fields. Absent fields are left as is.
func (h *AuthHandlers) UpdateUser(c *gin.Context) {
	id, ok := h.requireIdentity(c)
	if !ok {
		return
	}

	var req updateRequest
	if err := bindJSON(c, h.validate, &req); err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	user, err := h.authService.UpdateProfile(c.Request.Context(), id.UserID, core.ProfileUpdate{
		Name:    req.Name,
		Email:   req.Email,
		Picture: req.Picture,
	})
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, user.View())
}

func (h *AuthHandlers) requireIdentity(c *gin.Context) (*core.Identity, bool) {
	id, ok := identity(c)
	if !ok {
		abortWithError(c, h.logger, fmt.Errorf("%w: no identity on request", core.ErrInvalidTokenPayload))
		return nil, false
	}
	return id, true
}
