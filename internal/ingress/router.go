package ingress

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/dispatch/internal/common/httpmw"
	"github.com/kandev/dispatch/internal/orchestrator/api"
)

// NewRouter assembles the gin engine: ambient middleware stack
// (RequestLogger/Recovery/ErrorHandler/CORS, grounded on
// internal/orchestrator/api/middleware.go) plus the duplex, webhook,
// and REST routes of §4.6/§6.3/§6.4.
func (s *Service) NewRouter() *gin.Engine {
	r := gin.New()
	r.Use(api.Recovery(s.logger))
	r.Use(api.RequestLogger(s.logger))
	r.Use(api.ErrorHandler(s.logger))
	r.Use(api.CORS())
	r.Use(httpmw.OtelTracing("dispatch-ingress"))

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/health", s.Health)
		apiGroup.GET("/duplex", s.rateLimited(s.rateLimit.DuplexPerSecond), s.StreamDuplex)

		apiGroup.POST("/channel/:type/webhook", s.rateLimited(s.rateLimit.WebhookPerSecond), s.Webhook)

		apiGroup.GET("/sessions", s.ListSessions)
		apiGroup.POST("/sessions", s.CreateSession)
		apiGroup.GET("/sessions/:id", s.GetSession)
		apiGroup.PATCH("/sessions/:id", s.PatchSession)
		apiGroup.DELETE("/sessions/:id", s.DeleteSession)
		apiGroup.GET("/sessions/:id/messages", s.SessionMessages)

		apiGroup.GET("/tasks/:id", s.GetTask)
		apiGroup.GET("/tasks/:id/logs", s.TaskLogs)
		apiGroup.POST("/tasks/:id/cancel", s.CancelTask)

		apiGroup.GET("/workspace/:file", s.WorkspaceGetFile)
		apiGroup.PUT("/workspace/:file", s.WorkspacePutFile)
	}

	return r
}

// rateLimited wraps api.RateLimit for routes exposed to untrusted
// callers (§5's failure-isolation goal extends to abusive callers, not
// just backend outages). perSecond <= 0 disables limiting for that
// route, matching RateLimitConfig's zero value.
func (s *Service) rateLimited(perSecond int) gin.HandlerFunc {
	if perSecond <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	return api.RateLimit(perSecond)
}
