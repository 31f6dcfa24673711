package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/coedit/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const ticketQueryParameter = "ticket"

var errAnonymousConnection = errors.New("no credentials presented")

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	userID, err := h.authenticateSession(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) authenticateSession(r *http.Request) (string, error) {
	claims, err := h.sessions.ValidateRequest(r)
	if err != nil {
		h.logTokenFailure("session validation failed", err)
		return "", err
	}
	userID, err := h.users.ResolveCanonicalUserID(r.Context(), claims)
	if err != nil {
		h.logger.Warn("user resolution failed", zap.Error(err))
		return "", err
	}
	return userID, nil
}

// authenticateWebsocket accepts a realtime ticket, then a session, and otherwise lets the connection through
// anonymously so public documents stay viewable. Presented but invalid credentials are rejected.
func (h *httpHandler) authenticateWebsocket(r *http.Request) (string, error) {
	if ticket := strings.TrimSpace(r.URL.Query().Get(ticketQueryParameter)); ticket != "" {
		userID, err := h.tickets.Validate(ticket)
		if err != nil {
			h.logTokenFailure("realtime ticket validation failed", err)
			return "", err
		}
		return userID, nil
	}
	userID, err := h.authenticateSession(r)
	if errors.Is(err, auth.ErrMissingSessionToken) {
		return "", errAnonymousConnection
	}
	return userID, err
}

func (h *httpHandler) logTokenFailure(message string, err error) {
	if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
		h.logger.Info(message, zap.Error(err))
		return
	}
	h.logger.Warn(message, zap.Error(err))
}
