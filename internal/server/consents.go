package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	consentdomain "github.com/gridsight/consentgate/internal/consent/domain"
	usagepointdomain "github.com/gridsight/consentgate/internal/usagepoint/domain"
)

type consentUsagePointGrant struct {
	ID           string `json:"id"`
	Segment      string `json:"segment"`
	ServiceLevel *int   `json:"service_level,omitempty"`
	Comment      string `json:"comment,omitempty"`
}

type createConsentRequest struct {
	IssuerName  string                   `json:"issuer_name"`
	IssuerType  string                   `json:"issuer_type"`
	BeginsAt    string                   `json:"begins_at"`
	ExpiresAt   string                   `json:"expires_at"`
	Users       []string                 `json:"users"`
	UsagePoints []consentUsagePointGrant `json:"usage_points"`
}

type revokeConsentRequest struct {
	ExpiresAt string `json:"expires_at"`
}

func (s *Server) RegisterUser(c *gin.Context) {
	var req struct {
		ID string `json:"id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.ID) == "" {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.consentSvc.RegisterUser(c.Request.Context(), strings.TrimSpace(req.ID)); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"id": strings.TrimSpace(req.ID)}})
}

func (s *Server) CreateConsent(c *gin.Context) {
	var req createConsentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	beginsAt, err := parseTime(req.BeginsAt)
	if err != nil {
		AbortWithError(c, newValidationError("begins_at", "invalid_time", "invalid begins_at"))
		return
	}
	expiresAt, err := parseTime(req.ExpiresAt)
	if err != nil {
		AbortWithError(c, newValidationError("expires_at", "invalid_time", "invalid expires_at"))
		return
	}

	grants := make([]consentdomain.UsagePointGrant, 0, len(req.UsagePoints))
	for _, grant := range req.UsagePoints {
		grants = append(grants, consentdomain.UsagePointGrant{
			ID:           strings.TrimSpace(grant.ID),
			Segment:      usagepointdomain.Segment(strings.TrimSpace(grant.Segment)),
			ServiceLevel: grant.ServiceLevel,
			Comment:      strings.TrimSpace(grant.Comment),
		})
	}

	resp, err := s.consentSvc.Create(c.Request.Context(), consentdomain.CreateRequest{
		IssuerName:  strings.TrimSpace(req.IssuerName),
		IssuerType:  consentdomain.IssuerType(strings.TrimSpace(req.IssuerType)),
		BeginsAt:    beginsAt,
		ExpiresAt:   expiresAt,
		Users:       req.Users,
		UsagePoints: grants,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetConsent(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_consent_id", "invalid consent id"))
		return
	}

	resp, err := s.consentSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListConsents(c *gin.Context) {
	resp, err := s.consentSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RevokeConsent(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_consent_id", "invalid consent id"))
		return
	}

	var req revokeConsentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	expiresAt, err := parseTime(req.ExpiresAt)
	if err != nil {
		AbortWithError(c, newValidationError("expires_at", "invalid_time", "invalid expires_at"))
		return
	}

	if err := s.consentSvc.Revoke(c.Request.Context(), id, expiresAt); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"id": id.String(), "expires_at": expiresAt}})
}
