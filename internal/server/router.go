// Package server assembles the HTTP router.
package server

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/iconic-events/backend/internal/access"
	"github.com/iconic-events/backend/internal/auth"
	"github.com/iconic-events/backend/internal/checkins"
	"github.com/iconic-events/backend/internal/middleware"
	"github.com/iconic-events/backend/internal/realtime"
	"github.com/iconic-events/backend/internal/registrations"
	"github.com/iconic-events/backend/pkg/response"
)

// Checker reports whether a dependency is reachable.
type Checker func(ctx context.Context) error

// Limits holds the optional per-route rate limiters.
type Limits struct {
	Join     middleware.Limiter
	Generate middleware.Limiter
	Scan     middleware.Limiter
}

// Options wires the router. JoinQueue nil means joins run synchronously.
type Options struct {
	Logger        *zap.Logger
	JWT           *auth.JWTService
	Policy        access.Policy
	Registrations *registrations.Service
	Checkins      *checkins.Service
	JoinQueue     registrations.JoinQueue
	Hub           *realtime.Hub
	Limits        Limits
	CORSOrigins   string
	Checks        map[string]Checker
}

func (o Options) limit(scope string, l middleware.Limiter) gin.HandlerFunc {
	if l == nil {
		return nil
	}
	return middleware.RateLimit(scope, l, o.Logger)
}

// NewRouter builds the gin engine with every route mounted.
func NewRouter(o Options) *gin.Engine {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(o.CORSOrigins))
	router.Use(middleware.Logger(o.Logger))

	router.GET("/health", health(o.Checks))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(o.JWT))
	{
		registrations.NewHandler(o.Registrations, o.JoinQueue, o.Logger).
			Register(api, o.limit("join", o.Limits.Join))
		checkins.NewHandler(o.Checkins, o.Logger).
			Register(api, o.limit("checkin_generate", o.Limits.Generate), o.limit("checkin_scan", o.Limits.Scan))

		// WebSocket (token may come in the access_token query parameter)
		if o.Hub != nil {
			api.GET("/ws/checkins", realtime.ServeWs(o.Hub, o.Policy, o.Logger))
		}
	}
	return router
}

func health(checks map[string]Checker) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		status := gin.H{}
		healthy := true
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status[name] = err.Error()
				healthy = false
				continue
			}
			status[name] = "ok"
		}
		if !healthy {
			response.ServiceUnavailable(c, "dependency unavailable")
			return
		}
		status["status"] = "ok"
		response.OK(c, status)
	}
}
