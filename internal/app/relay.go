package app

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/petervdpas/livecam/internal/signal"
)

// relayRouter serves the websocket relay on path plus two read-only status
// routes.
func relayRouter(relay *signal.Server, path string, debug bool) *gin.Engine {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if debug {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET(path, func(c *gin.Context) {
		relay.ServeHTTP(c.Writer, c.Request)
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "endpoints": len(relay.Peers())})
	})

	r.GET("/peers", func(c *gin.Context) {
		ids := relay.Peers()
		sort.Strings(ids)
		c.JSON(http.StatusOK, gin.H{"endpoints": ids})
	})

	log.Debugw("relay router setup", "path", path)
	return r
}
