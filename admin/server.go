// Package admin serves the controller's status and control HTTP API.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/autonlab/srl/srl"
)

const shutdownTimeout = 5 * time.Second

// Controller is the part of *srl.Controller the API needs.
type Controller interface {
	Snapshot() srl.Snapshot
	Stats() srl.Stats
	DescribeConnection(id int) (srl.ConnectionInfo, bool)
	CloseConnection(id int, reason string) error
	GetProvider(name string) (srl.ServiceProvider, bool)
	ConnectionID(conn srl.Connection) (int, bool)
	UnregisterProvider(name string, reason string) bool
	IdleConnectionTimeout() time.Duration
}

type Server struct {
	ctl    Controller
	engine *gin.Engine
}

func NewServer(ctl Controller) *Server {
	s := &Server{ctl: ctl, engine: gin.New()}

	r := s.engine
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(accessLog())

	r.GET("/api/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })

	requireValidID := RequireValidConnectionID()
	r.GET("/api/connections", s.getConnections)
	r.GET("/api/connections/:id", requireValidID, s.getConnection)
	r.DELETE("/api/connections/:id", requireValidID, s.deleteConnection)

	r.GET("/api/providers", s.getProviders)
	r.GET("/api/providers/:name", s.getProvider)
	r.DELETE("/api/providers/:name", s.deleteProvider)

	r.GET("/metrics", s.serveMetrics)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts the server down.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Infof("Admin API listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
