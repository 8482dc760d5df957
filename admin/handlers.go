package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/autonlab/srl/srl"
)

func (s *Server) getConnections(c *gin.Context) {
	snap := s.ctl.Snapshot()
	c.Header("X-Total-Count", strconv.Itoa(len(snap.Connections)))
	c.JSON(http.StatusOK, gin.H{
		"connections":  snap.Connections,
		"queue_length": snap.QueueLength,
	})
}

func (s *Server) getConnection(c *gin.Context) {
	id, _ := strconv.Atoi(c.Param("id"))
	info, ok := s.ctl.DescribeConnection(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": srl.ErrUnknownConnection.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) deleteConnection(c *gin.Context) {
	id, _ := strconv.Atoi(c.Param("id"))
	reason := c.DefaultQuery("reason", srl.ReasonAdministrative)

	if err := s.ctl.CloseConnection(id, reason); err != nil {
		c.Error(err)
		switch {
		case errors.Is(err, srl.ErrUnknownConnection):
			c.JSON(http.StatusNotFound, gin.H{"message": err.Error()})
		case errors.Is(err, srl.ErrConnectionBusy):
			c.JSON(http.StatusConflict, gin.H{"message": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (s *Server) getProviders(c *gin.Context) {
	providers := s.ctl.Snapshot().Providers
	c.Header("X-Total-Count", strconv.Itoa(len(providers)))
	c.JSON(http.StatusOK, providers)
}

func (s *Server) getProvider(c *gin.Context) {
	name := c.Param("name")
	p, ok := s.ctl.GetProvider(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": srl.ErrUnknownProvider.Error()})
		return
	}
	id, _ := s.ctl.ConnectionID(p.Connection())
	c.JSON(http.StatusOK, srl.ProviderInfo{Name: name, ConnectionID: id})
}

func (s *Server) deleteProvider(c *gin.Context) {
	name := c.Param("name")
	reason := c.DefaultQuery("reason", srl.ReasonAdministrative)
	if !s.ctl.UnregisterProvider(name, reason) {
		c.JSON(http.StatusNotFound, gin.H{"message": srl.ErrUnknownProvider.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name})
}
