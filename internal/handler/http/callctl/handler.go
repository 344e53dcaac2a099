package callctl

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"peercall/internal/call"
	"peercall/internal/domain"
	"peercall/internal/signaling"
	apperrors "peercall/pkg/errors"
	"peercall/pkg/push"
	"peercall/pkg/response"
)

// Handler exposes the call agent's control API
type Handler struct {
	callService *call.Service
	signaling   *signaling.Service
	pushService *push.Service
}

// NewHandler creates a new call control handler
func NewHandler(callService *call.Service, sig *signaling.Service, pushService *push.Service) *Handler {
	return &Handler{
		callService: callService,
		signaling:   sig,
		pushService: pushService,
	}
}

// StartCallRequest represents a call initiation request
type StartCallRequest struct {
	RecipientID string `json:"recipient_id" binding:"required"`
	CallType    string `json:"call_type" binding:"required,oneof=audio video"`
}

// StartCall places an outbound call
// POST /v1/call/start
func (h *Handler) StartCall(c *gin.Context) {
	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	invitation, err := h.callService.StartCall(c.Request.Context(), req.RecipientID, domain.CallType(req.CallType))
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, invitation)
}

// AcceptCall answers the currently ringing call
// POST /v1/call/accept
func (h *Handler) AcceptCall(c *gin.Context) {
	if err := h.callService.AcceptCall(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, h.callService.GetCallState())
}

// RejectCall declines the currently ringing call
// POST /v1/call/reject
func (h *Handler) RejectCall(c *gin.Context) {
	if err := h.callService.RejectCall(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, h.callService.GetCallState())
}

// EndCall hangs up the current call. Ending when no call is active is a no-op.
// POST /v1/call/end
func (h *Handler) EndCall(c *gin.Context) {
	h.callService.EndCall(c.Request.Context())
	response.Success(c, http.StatusOK, h.callService.GetCallState())
}

// ToggleRequest represents a local mute/unmute request
type ToggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// ToggleAudio enables or disables the local audio track
// POST /v1/call/audio
func (h *Handler) ToggleAudio(c *gin.Context) {
	h.toggle(c, h.callService.ToggleAudio)
}

// ToggleVideo enables or disables the local video track
// POST /v1/call/video
func (h *Handler) ToggleVideo(c *gin.Context) {
	h.toggle(c, h.callService.ToggleVideo)
}

func (h *Handler) toggle(c *gin.Context, apply func(bool) bool) {
	var req ToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if !apply(*req.Enabled) {
		response.Error(c, http.StatusConflict, string(apperrors.ErrCodeInvalidState), "No matching local track in the current call")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"enabled": *req.Enabled})
}

// GetCallState returns the local lifecycle snapshot of the current call
// GET /v1/call/state
func (h *Handler) GetCallState(c *gin.Context) {
	response.Success(c, http.StatusOK, h.callService.GetCallState())
}

// GetCall returns the shared call record from the relay store
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	callID := c.Param("id")
	if callID == "" {
		response.ValidationError(c, "Call ID is required")
		return
	}

	invitation, err := h.signaling.GetCall(c.Request.Context(), callID)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, invitation)
}

// RegisterPushTokenRequest represents a device token registration
type RegisterPushTokenRequest struct {
	Token    string `json:"token" binding:"required"`
	Type     string `json:"type" binding:"required,oneof=fcm apns"`
	Platform string `json:"platform" binding:"omitempty,oneof=ios android"`
}

// RegisterPushToken stores a device push token for the local user
// POST /v1/push/tokens
func (h *Handler) RegisterPushToken(c *gin.Context) {
	var req RegisterPushTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	token := &push.Token{
		UserID:   h.signaling.LocalUserID(),
		Token:    req.Token,
		Type:     push.TokenType(req.Type),
		Platform: req.Platform,
		Active:   true,
	}

	if err := h.pushService.RegisterToken(c.Request.Context(), token); err != nil {
		response.InternalError(c, "Failed to register push token")
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"message": "Token registered"})
}

// UnregisterPushTokens removes every device token for the local user
// DELETE /v1/push/tokens
func (h *Handler) UnregisterPushTokens(c *gin.Context) {
	if err := h.pushService.UnregisterAllTokens(c.Request.Context(), h.signaling.LocalUserID()); err != nil {
		response.InternalError(c, "Failed to unregister push tokens")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Tokens unregistered"})
}

// respondError maps service errors onto the response envelope, preserving
// the status and code carried by application errors
func respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		response.Error(c, appErr.StatusCode, string(appErr.Code), appErr.Message)
		return
	}
	response.InternalError(c, "Internal server error")
}
