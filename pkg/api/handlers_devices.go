package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// listDevicesHandler handles GET /api/devices.
func (s *Server) listDevicesHandler(c *gin.Context) {
	devices, err := s.aggregate.ListDevices(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

// getDeviceHandler handles GET /api/devices/:id.
func (s *Server) getDeviceHandler(c *gin.Context) {
	detail, err := s.aggregate.GetDeviceDetail(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}
