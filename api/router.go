// Package api exposes the engine management operations over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mockstate "github.com/goliatone/go-mockstate"
	"github.com/goliatone/go-mockstate/logging"
)

// NewRouter builds the management router over engine.
func NewRouter(engine *mockstate.Engine) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(engine.Logger()))

	h := NewHandler(engine)
	r.GET("/healthz", h.Health)

	machines := r.Group("/state-machines")
	{
		machines.GET("", h.ListDefinitions)
		machines.POST("", h.CreateDefinition)
		machines.GET("/export", h.ExportDefinitions)
		machines.POST("/import", h.ImportDefinitions)
		machines.GET("/:type", h.GetDefinition)
		machines.PUT("/:type", h.UpdateDefinition)
		machines.DELETE("/:type", h.DeleteDefinition)
	}

	instances := r.Group("/instances")
	{
		instances.GET("/:type", h.ListInstances)
		instances.GET("/:type/:id", h.GetInstance)
		instances.DELETE("/:type/:id", h.ResetInstance)
		instances.GET("/:type/:id/next-states", h.NextStates)
		instances.POST("/:type/:id/transition", h.ForceTransition)
	}

	entities := r.Group("/entities")
	{
		entities.GET("/:type", h.ListEntities)
		entities.GET("/:type/:id", h.GetEntity)
		entities.PUT("/:type/:id", h.PutEntity)
		entities.DELETE("/:type/:id", h.DeleteEntity)
		entities.GET("/:type/:id/:relation", h.Related)
	}

	r.POST("/decide", h.Decide)
	r.POST("/handle", h.Handle)
	r.GET("/recordings", h.Recordings)
	r.DELETE("/recordings", h.ResetRecordings)
	r.GET("/snapshot", h.Snapshot)
	r.PUT("/snapshot", h.Restore)

	if cfg := engine.Config().Metrics; cfg.Enabled {
		r.GET(cfg.Path, gin.WrapH(promhttp.HandlerFor(engine.Gatherer(), promhttp.HandlerOpts{})))
	}
	return r
}

// NewServer returns an http.Server for the management router.
func NewServer(addr string, engine *mockstate.Engine) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(engine),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.WithFields(logger, map[string]any{
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("%s %s", c.Request.Method, c.Request.URL.Path)
	}
}
