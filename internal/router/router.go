package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4" // import the Echo web framework to handle routing

	"github.com/iliyamo/clinic-flow/internal/handler"    // handlers that adapt the engines to HTTP
	"github.com/iliyamo/clinic-flow/internal/middleware" // JWT authentication and role enforcement
	"github.com/iliyamo/clinic-flow/internal/utils"      // role names carried in tokens
	"github.com/iliyamo/clinic-flow/internal/ws"         // websocket upgrade handler
)

// Handlers bundles the handlers behind the public /v1 group.
type Handlers struct {
	Visits  *handler.VisitHandler
	Queue   *handler.QueueHandler
	Station *handler.StationHandler
	Events  *ws.Handler // optional
}

// RegisterRoutes registers the unauthenticated probes.  They sit outside
// the rate limited group so monitoring is never throttled.
func RegisterRoutes(e *echo.Echo, h *handler.HealthHandler) {
	e.GET("/healthz", h.Live)
	e.GET("/readyz", h.Ready)
}

// Limits holds the rate limiters.  Nil entries are skipped.
type Limits struct {
	Public echo.MiddlewareFunc // whole /v1 group
	Pin    echo.MiddlewareFunc // PIN gated terminal calls
}

// RegisterPublic registers the kiosk, terminal and display endpoints
// under /v1.  Station terminals authenticate each mutation with the
// daily PIN instead of a JWT.
func RegisterPublic(e *echo.Echo, h Handlers, limits Limits) {
	g := e.Group("/v1")
	if limits.Public != nil {
		g.Use(limits.Public)
	}
	var pinGuard []echo.MiddlewareFunc
	if limits.Pin != nil {
		pinGuard = append(pinGuard, limits.Pin)
	}

	// Reception: route assignment and lookup.
	g.POST("/visits", h.Visits.Start)
	g.GET("/visits/:patient", h.Visits.Get)

	// Catalogue and live ranking.  Static paths are registered before
	// /stations/:id/... so Echo prefers them.
	g.GET("/exams", h.Station.ExamTypes)
	g.GET("/routes/:exam/:gender", h.Station.Route)
	g.GET("/stations", h.Station.List)
	g.GET("/stations/loads", h.Station.Loads)
	g.GET("/stations/rank", h.Station.Rank)
	g.GET("/stations/best", h.Station.Best)

	// Station terminals.
	g.POST("/stations/:id/queue", h.Queue.Enter)
	g.POST("/stations/:id/call", h.Queue.CallNext, pinGuard...)
	g.POST("/stations/:id/complete", h.Queue.Complete, pinGuard...)
	g.POST("/stations/:id/cancel", h.Queue.Cancel, pinGuard...)
	g.GET("/stations/:id/status", h.Queue.Status)

	// Live event stream for displays.
	if h.Events != nil {
		e.GET("/ws", h.Events.Connect)
	}
}

// RegisterAdmin registers the supervisor endpoints.  Every route needs a
// valid access token; STAFF may read and validate pins, only ADMIN may
// issue or rotate them.
func RegisterAdmin(e *echo.Echo, h *handler.PinHandler, jwtSecret string) {
	g := e.Group("/v1/admin")
	g.Use(middleware.JWTAuth(jwtSecret))
	g.Use(middleware.RequireRole(utils.RoleAdmin, utils.RoleStaff))

	g.GET("/pins/:station", h.Current)
	g.POST("/pins/validate", h.Validate)

	admin := g.Group("", middleware.RequireRole(utils.RoleAdmin))
	admin.POST("/pins", h.IssueAll)
	admin.POST("/pins/:station", h.Issue)
	admin.POST("/pins/:station/rotate", h.Rotate)
}
