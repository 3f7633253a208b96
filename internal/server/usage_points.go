package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	usagepointdomain "github.com/gridsight/consentgate/internal/usagepoint/domain"
)

type registerUsagePointRequest struct {
	ID           string `json:"id"`
	Segment      string `json:"segment"`
	ServiceLevel *int   `json:"service_level,omitempty"`
}

func (s *Server) RegisterUsagePoint(c *gin.Context) {
	var req registerUsagePointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.usagePointSvc.Register(c.Request.Context(), usagepointdomain.RegisterRequest{
		ID:           strings.TrimSpace(req.ID),
		Segment:      usagepointdomain.Segment(strings.TrimSpace(req.Segment)),
		ServiceLevel: req.ServiceLevel,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetUsagePoint(c *gin.Context) {
	resp, err := s.usagePointSvc.Get(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListUsagePoints(c *gin.Context) {
	resp, err := s.usagePointSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
