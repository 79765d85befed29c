package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/docvault/internal/access"
	"github.com/MarcoPoloResearchLab/docvault/internal/auth"
	"github.com/MarcoPoloResearchLab/docvault/internal/documents"
	"github.com/MarcoPoloResearchLab/docvault/internal/editing"
	"github.com/MarcoPoloResearchLab/docvault/internal/feedkeys"
	"github.com/MarcoPoloResearchLab/docvault/internal/feeds"
	"github.com/MarcoPoloResearchLab/docvault/internal/gate"
	"github.com/MarcoPoloResearchLab/docvault/internal/locks"
	"github.com/MarcoPoloResearchLab/docvault/internal/notify"
	"github.com/MarcoPoloResearchLab/docvault/internal/permalinks"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	principalContextKey      = "docvault_principal"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingSessions  = errors.New("session validator dependency required")
	errMissingUsers     = errors.New("identity dependency required")
	errMissingDocuments = errors.New("documents service dependency required")
	errMissingAccess    = errors.New("authorization resolver dependency required")
	errMissingEditing   = errors.New("editing service dependency required")
	errMissingLocks     = errors.New("lock manager dependency required")
	errMissingFeedKeys  = errors.New("feed key authenticator dependency required")
	errMissingFeeds     = errors.New("feed service dependency required")
	errMissingLinks     = errors.New("permalink resolver dependency required")
	errMissingGate      = errors.New("file serve gate dependency required")
	errMissingEvents    = errors.New("event dispatcher dependency required")
)

// SessionValidator authenticates the session cookie or bearer token of a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Identities maps session claims to canonical users and their capabilities.
type Identities interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
	Principal(ctx context.Context, userID string) (access.Principal, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Sessions          SessionValidator
	Users             Identities
	Documents         *documents.Service
	Access            *access.Resolver
	Editing           *editing.Service
	Locks             *locks.Manager
	FeedKeys          *feedkeys.Authenticator
	Feeds             *feeds.Service
	Links             *permalinks.Resolver
	Gate              *gate.Gate
	Events            *notify.Dispatcher
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errMissingSessions
	case deps.Users == nil:
		return nil, errMissingUsers
	case deps.Documents == nil:
		return nil, errMissingDocuments
	case deps.Access == nil:
		return nil, errMissingAccess
	case deps.Editing == nil:
		return nil, errMissingEditing
	case deps.Locks == nil:
		return nil, errMissingLocks
	case deps.FeedKeys == nil:
		return nil, errMissingFeedKeys
	case deps.Feeds == nil:
		return nil, errMissingFeeds
	case deps.Links == nil:
		return nil, errMissingLinks
	case deps.Gate == nil:
		return nil, errMissingGate
	case deps.Events == nil:
		return nil, errMissingEvents
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	handler := &httpHandler{
		sessions:  deps.Sessions,
		users:     deps.Users,
		documents: deps.Documents,
		access:    deps.Access,
		editing:   deps.Editing,
		locks:     deps.Locks,
		feedKeys:  deps.FeedKeys,
		feeds:     deps.Feeds,
		links:     deps.Links,
		gate:      deps.Gate,
		events:    deps.Events,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))
	router.Use(handler.identify)
	router.Use(handler.accessLog)

	router.GET(permalinks.Prefix+"*permalink", handler.handleServe)

	api := router.Group("/api")
	api.GET("/documents", handler.handleListDocuments)
	api.GET("/documents/:id", handler.handleGetDocument)
	api.GET("/documents/:id/revisions", handler.handleListRevisions)
	api.GET("/documents/:id/feed-items", handler.handleFeedItems)

	protected := api.Group("/")
	protected.Use(handler.requireUser)
	protected.POST("/documents", handler.handleCreateDocument)
	protected.PUT("/documents/:id/status", handler.handleSetStatus)
	protected.DELETE("/documents/:id", handler.handleDeleteDocument)
	protected.POST("/documents/:id/untrash", handler.handleUntrash)
	protected.POST("/documents/:id/revisions", handler.handleRevise)
	protected.POST("/documents/:id/restore", handler.handleRestore)
	protected.POST("/documents/:id/lock", handler.handleAcquireLock)
	protected.DELETE("/documents/:id/lock", handler.handleReleaseLock)
	protected.POST("/documents/:id/lock/override", handler.handleOverrideLock)
	protected.GET("/me/feed-key", handler.handleCurrentFeedKey)
	protected.POST("/me/feed-key", handler.handleRegenerateFeedKey)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	sessions  SessionValidator
	users     Identities
	documents *documents.Service
	access    *access.Resolver
	editing   *editing.Service
	locks     *locks.Manager
	feedKeys  *feedkeys.Authenticator
	feeds     *feeds.Service
	links     *permalinks.Resolver
	gate      *gate.Gate
	events    *notify.Dispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "If-None-Match"},
		ExposeHeaders:    []string{"ETag", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

// identify resolves the optional session into a principal. Requests without a valid session
// continue as the anonymous principal.
func (h *httpHandler) identify(c *gin.Context) {
	principal := access.Anonymous()
	claims, err := h.sessions.ValidateRequest(c.Request)
	switch {
	case err == nil:
		resolved, resolveErr := h.resolvePrincipal(c.Request.Context(), claims)
		if resolveErr != nil {
			h.logger.Error("principal resolution failed", zap.Error(resolveErr))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}
		principal = resolved
	case errors.Is(err, auth.ErrMissingSessionToken):
	default:
		h.logger.Info("session validation failed", zap.Error(err))
	}
	c.Set(principalContextKey, principal)
	c.Next()
}

func (h *httpHandler) resolvePrincipal(ctx context.Context, claims auth.SessionClaims) (access.Principal, error) {
	userID, err := h.users.ResolveCanonicalUserID(ctx, claims)
	if err != nil {
		return access.Principal{}, err
	}
	return h.users.Principal(ctx, userID)
}

func (h *httpHandler) requireUser(c *gin.Context) {
	if !principalFrom(c).Authenticated() {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (h *httpHandler) accessLog(c *gin.Context) {
	started := time.Now()
	c.Next()
	h.logger.Info("http request",
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("duration", time.Since(started)),
		zap.String("user_id", principalFrom(c).ID))
}

func principalFrom(c *gin.Context) access.Principal {
	if value, ok := c.Get(principalContextKey); ok {
		if principal, ok := value.(access.Principal); ok {
			return principal
		}
	}
	return access.Anonymous()
}
