package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/auth"
	"github.com/MarcoPoloResearchLab/coedit/internal/documents"
	"github.com/MarcoPoloResearchLab/coedit/internal/realtime"
	"github.com/MarcoPoloResearchLab/coedit/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "coedit_user_id"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserResolver     = errors.New("user resolver dependency required")
	errMissingTicketManager    = errors.New("ticket manager dependency required")
	errMissingDocumentStore    = errors.New("document store dependency required")
	errMissingCoordinator      = errors.New("update coordinator dependency required")
	errMissingRegistry         = errors.New("realtime registry dependency required")
	errMissingRelay            = errors.New("realtime relay dependency required")
)

// SessionValidator authenticates TAuth sessions carried by a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserResolver maps session claims onto canonical user ids.
type UserResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
	Profile(ctx context.Context, userID string) (users.Identity, error)
}

// TicketManager issues and checks realtime connection tickets.
type TicketManager interface {
	Issue(userID string) (string, int64, error)
	Validate(ticket string) (string, error)
}

// FrameLimitRecorder counts inbound realtime frames rejected by the rate limiter.
type FrameLimitRecorder interface {
	RecordRateLimited()
}

// Dependencies are the explicit handles the HTTP layer is built from.
type Dependencies struct {
	SessionValidator SessionValidator
	Users            UserResolver
	Tickets          TicketManager
	Store            *documents.Store
	Coordinator      *documents.Coordinator
	Registry         *realtime.Registry
	Relay            *realtime.Relay
	Realtime         RealtimeSettings
	AllowedOrigins   []string
	MetricsHandler   http.Handler
	FrameLimits      FrameLimitRecorder
	Logger           *zap.Logger
	Clock            func() time.Time
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.SessionValidator == nil:
		return nil, errMissingSessionValidator
	case deps.Users == nil:
		return nil, errMissingUserResolver
	case deps.Tickets == nil:
		return nil, errMissingTicketManager
	case deps.Store == nil:
		return nil, errMissingDocumentStore
	case deps.Coordinator == nil:
		return nil, errMissingCoordinator
	case deps.Registry == nil:
		return nil, errMissingRegistry
	case deps.Relay == nil:
		return nil, errMissingRelay
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	frameLimits := deps.FrameLimits
	if frameLimits == nil {
		frameLimits = noopFrameLimitRecorder{}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:    deps.SessionValidator,
		users:       deps.Users,
		tickets:     deps.Tickets,
		store:       deps.Store,
		coordinator: deps.Coordinator,
		registry:    deps.Registry,
		relay:       deps.Relay,
		realtime:    deps.Realtime.withDefaults(),
		frameLimits: frameLimits,
		logger:      logger,
		clock:       clock,
	}
	handler.upgrader = newUpgrader(deps.AllowedOrigins)

	router.GET("/health", handleHealth)
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}
	router.GET("/ws", handler.handleWebsocket)

	api := router.Group("/api")
	api.Use(handler.authorizeRequest)
	api.GET("/me", handler.handleProfile)
	api.POST("/realtime/tickets", handler.handleIssueTicket)
	api.POST("/documents", handler.handleCreateDocument)
	api.GET("/documents", handler.handleListDocuments)
	api.GET("/documents/:id", handler.handleGetDocument)
	api.PUT("/documents/:id", handler.handleSaveDocument)
	api.DELETE("/documents/:id", handler.handleDeleteDocument)
	api.POST("/documents/:id/collaborators", handler.handleAddCollaborator)
	api.PUT("/documents/:id/visibility", handler.handleSetVisibility)
	api.GET("/documents/:id/versions", handler.handleListVersions)
	api.POST("/documents/:id/versions/:sequence/restore", handler.handleRestoreVersion)

	return router, nil
}

type httpHandler struct {
	sessions    SessionValidator
	users       UserResolver
	tickets     TicketManager
	store       *documents.Store
	coordinator *documents.Coordinator
	registry    *realtime.Registry
	relay       *realtime.Relay
	realtime    RealtimeSettings
	upgrader    websocketUpgrader
	clients     sync.Map // session id -> *realtimeClient
	frameLimits FrameLimitRecorder
	logger      *zap.Logger
	clock       func() time.Time
}

type noopFrameLimitRecorder struct{}

func (noopFrameLimitRecorder) RecordRateLimited() {}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || containsWildcard(allowedOrigins) {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleProfile(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	profile, err := h.users.Profile(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, users.ErrUnknownUser) {
			c.JSON(http.StatusNotFound, gin.H{"error": "users.profile.not_found"})
			return
		}
		h.logger.Error("profile lookup failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "users.profile.query_failed"})
		return
	}
	c.JSON(http.StatusOK, profile)
}

type ticketResponsePayload struct {
	Ticket    string `json:"ticket"`
	ExpiresIn int64  `json:"expires_in"`
}

func (h *httpHandler) handleIssueTicket(c *gin.Context) {
	ticket, expiresIn, err := h.tickets.Issue(c.GetString(userIDContextKey))
	if err != nil {
		h.logger.Error("failed to issue realtime ticket", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ticket_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, ticketResponsePayload{Ticket: ticket, ExpiresIn: expiresIn})
}
