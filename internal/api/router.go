package api

import (
	"net/http"
	"time"

	"github.com/ChuLiYu/stagecoach/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const decisionKey = "auth.decision"

// Options configures the engine.
type Options struct {
	Authorizer auth.Authorizer // nil allows everything
	Metrics    http.Handler    // mounted at /metrics when set
}

// NewRouter builds the gin engine with every route.
func NewRouter(h *Handler, opts Options) *gin.Engine {
	if opts.Authorizer == nil {
		opts.Authorizer = auth.AllowAll{}
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/health", h.Health)
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/pipelines", h.ListPipelines)

		pipelines := v1.Group("/pipelines/:pipeline")
		{
			pipelines.GET("/jobs/:id", h.GetJob)
			pipelines.GET("/jobs/:id/events", h.ListEvents)
			pipelines.POST("/progress", Authorize(opts.Authorizer), h.Advance)
			pipelines.POST("/jobs/:id/tokens", Authorize(opts.Authorizer), h.IssueToken)
		}

		v1.POST("/callbacks", Authorize(opts.Authorizer), h.Callback)
		v1.POST("/route", Authorize(opts.Authorizer), h.Route)
	}
	return router
}

// Authorize gates a route on the bearer credential.
func Authorize(a auth.Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := auth.BearerToken(c.GetHeader("Authorization"))
		d, err := auth.Check(c.Request.Context(), a, credential)
		if err != nil {
			log.WithError(err).WithField("path", c.FullPath()).Debug("request denied")
			Unauthorized(c, "missing or invalid credential")
			return
		}
		c.Set(decisionKey, d)
		c.Next()
	}
}

// withoutDenied drops the fields the authorization decision denies.
func withoutDenied(c *gin.Context, m map[string]any) map[string]any {
	v, ok := c.Get(decisionKey)
	if !ok || m == nil {
		return m
	}
	d, _ := v.(auth.Decision)
	if len(d.DeniedFields) == 0 {
		return m
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		out[k] = val
	}
	for _, f := range d.DeniedFields {
		delete(out, f)
	}
	return out
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("request")
	}
}
