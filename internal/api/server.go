// Package api exposes the request/response surface around the hub: the
// action submission endpoint the reconciler replays into, the per-topic
// snapshot endpoint used by polling and gap resync, and the websocket
// upgrade route.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/harborview/realtime/internal/auth"
	"github.com/harborview/realtime/internal/hub"
)

// Deps bundles the collaborators the API surface needs.
type Deps struct {
	// Verifier authenticates bearer tokens on every route.
	Verifier auth.Verifier
	// Hub registers live connections and broadcasts events.
	Hub *hub.Manager
	// Mutate is the domain mutation handler behind the action endpoint.
	Mutate Mutator
	// Snapshots produces full per-topic state snapshots.
	Snapshots SnapshotSource
	// Authorize gates snapshot reads the same way topic joins are gated.
	Authorize hub.Authorizer
	// AllowedOrigins configures CORS; empty allows any origin.
	AllowedOrigins []string
}

// NewRouter builds the gin engine with all sync-core routes attached.
func NewRouter(deps Deps) *gin.Engine {
	if deps.Authorize == nil {
		deps.Authorize = func(string, string) bool { return true }
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"*"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	endpoint := hub.NewEndpoint(deps.Hub)
	actions := newActionHandler(deps.Mutate, deps.Hub)
	snapshots := newSnapshotHandler(deps.Snapshots, deps.Hub, deps.Authorize)

	router.GET("/v1/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": deps.Hub.ConnectionCount()})
	})

	// The websocket route authenticates inside the handshake so failures
	// can carry a structured reason frame.
	router.GET("/v1/updates", endpoint.Handle)

	authed := router.Group("/v1", authMiddleware(deps.Verifier))
	authed.POST("/actions", actions.handle)
	authed.GET("/topics/:topic/state", snapshots.handle)

	return router
}

// authMiddleware validates the bearer token and stores the subscriber
// identity in the request context.
func authMiddleware(verifier auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			c.Abort()
			return
		}

		subscriberID, err := verifier.Verify(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set("subscriberID", subscriberID)
		c.Next()
	}
}

// subscriberID extracts the authenticated identity from the gin context.
func subscriberID(c *gin.Context) (string, bool) {
	v, exists := c.Get("subscriberID")
	if !exists {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}
