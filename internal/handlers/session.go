package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"chatroom/internal/models"
	"chatroom/internal/session"
	"chatroom/internal/telemetry"
)

// SessionManager is the session surface used over HTTP.
type SessionManager interface {
	Current(ctx context.Context) *models.Identity
	Login(ctx context.Context, provider, credential string) (*models.Identity, error)
	Refresh(ctx context.Context) error
	Logout(ctx context.Context) error
}

// SessionHandler exposes the daemon session to the UI.
type SessionHandler struct {
	sessions SessionManager
	audit    *telemetry.AuditEmitter
}

// NewSessionHandler builds a SessionHandler. audit may be nil.
func NewSessionHandler(sessions SessionManager, audit *telemetry.AuditEmitter) *SessionHandler {
	return &SessionHandler{sessions: sessions, audit: audit}
}

type sessionResponse struct {
	SignedIn bool             `json:"signed_in"`
	User     *models.Identity `json:"user,omitempty"`
	Username string           `json:"username,omitempty"`
}

func newSessionResponse(u *models.Identity) sessionResponse {
	if u == nil {
		return sessionResponse{}
	}
	return sessionResponse{SignedIn: true, User: u, Username: session.Username(*u)}
}

// Current resolves the signed-in identity.
func (h *SessionHandler) Current(c *gin.Context) {
	c.JSON(http.StatusOK, newSessionResponse(h.sessions.Current(c.Request.Context())))
}

// Login signs in with a provider credential.
func (h *SessionHandler) Login(c *gin.Context) {
	var req struct {
		Provider   string `json:"provider" binding:"required"`
		Credential string `json:"credential"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.sessions.Login(c.Request.Context(), req.Provider, req.Credential)
	if err != nil {
		h.audit.Emit(c.Request.Context(), auditRecord(c, "login", req.Provider, err))
		status := http.StatusBadGateway
		if errors.Is(err, session.ErrAuthentication) {
			status = http.StatusUnauthorized
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	rec := auditRecord(c, "login", req.Provider, nil)
	rec.UserID = &user.ID
	h.audit.Emit(c.Request.Context(), rec)
	c.JSON(http.StatusOK, newSessionResponse(user))
}

// Refresh renews the session tokens.
func (h *SessionHandler) Refresh(c *gin.Context) {
	if err := h.sessions.Refresh(c.Request.Context()); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, session.ErrNoSession) {
			status = http.StatusUnauthorized
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "refreshed"})
}

// Logout signs out. The local identity is gone even when the remote call
// failed, which is reported as a warning.
func (h *SessionHandler) Logout(c *gin.Context) {
	rec := auditRecord(c, "logout", "", nil)
	err := h.sessions.Logout(c.Request.Context())
	if err != nil {
		rec.Detail = err.Error()
	}
	h.audit.Emit(c.Request.Context(), rec)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "signed_out", "warning": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "signed_out"})
}
