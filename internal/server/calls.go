package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	ledgerdomain "github.com/gridsight/consentgate/internal/ledger/domain"
)

type historicalQueryRequest struct {
	UserID       string `json:"user_id"`
	UsagePointID string `json:"usage_point_id"`
	Series       string `json:"series"`
	Start        string `json:"start"`
	End          string `json:"end"`
}

// HistoricalQuery runs one gated measurement fetch. The call is recorded in
// the ledger whether the remote side answers or not.
func (s *Server) HistoricalQuery(c *gin.Context) {
	var req historicalQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	series := strings.TrimSpace(req.Series)
	start, err := parseTime(req.Start)
	if err != nil {
		AbortWithError(c, newValidationError("start", "invalid_time", "invalid start"))
		return
	}
	end, err := parseTime(req.End)
	if err != nil {
		AbortWithError(c, newValidationError("end", "invalid_time", "invalid end"))
		return
	}
	if !start.Before(end) {
		AbortWithError(c, newValidationError("end", "invalid_range", "end must be after start"))
		return
	}

	userID := strings.TrimSpace(req.UserID)
	usagePointID := strings.TrimSpace(req.UsagePointID)
	now := s.clock.Now()

	var result json.RawMessage
	call, err := s.ledgerSvc.Execute(c.Request.Context(), ledgerdomain.ExecuteRequest{
		Webservice:   "measurements/" + series,
		UserID:       userID,
		UsagePointID: usagePointID,
		At:           now,
		Params: map[string]any{
			"series": series,
			"start":  start,
			"end":    end,
		},
	}, func(callCtx context.Context) error {
		var performErr error
		result, performErr = s.caller.GetMeasurements(callCtx, series, usagePointID, start, end)
		return performErr
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"call":   call,
		"result": result,
	}})
}

func (s *Server) GetCall(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_call_id", "invalid call id"))
		return
	}

	call, err := s.ledgerSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": call})
}

func (s *Server) ListCalls(c *gin.Context) {
	var query struct {
		UserID       string `form:"user_id"`
		UsagePointID string `form:"usage_point_id"`
		Webservice   string `form:"webservice"`
		Limit        string `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	limit, err := parseOptionalInt(query.Limit)
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}

	calls, err := s.ledgerSvc.ListCalls(c.Request.Context(), ledgerdomain.ListFilter{
		UserID:       strings.TrimSpace(query.UserID),
		UsagePointID: strings.TrimSpace(query.UsagePointID),
		Webservice:   strings.TrimSpace(query.Webservice),
		Limit:        limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": calls})
}
