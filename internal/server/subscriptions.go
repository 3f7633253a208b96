package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	ledgerdomain "github.com/gridsight/consentgate/internal/ledger/domain"
	"github.com/gridsight/consentgate/internal/remote"
	subscriptiondomain "github.com/gridsight/consentgate/internal/subscription/domain"
)

type subscribeRequest struct {
	UserID       string `json:"user_id"`
	UsagePointID string `json:"usage_point_id"`
	Series       string `json:"series"`
}

// Subscribe upserts the logical subscription and issues the initial
// subscription call through the ledger. A failed remote call leaves the
// subscription behind without a backing call; re-subscribing retries.
func (s *Server) Subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	userID := strings.TrimSpace(req.UserID)
	usagePointID := strings.TrimSpace(req.UsagePointID)
	series := strings.TrimSpace(req.Series)
	if userID == "" || usagePointID == "" {
		AbortWithError(c, invalidRequestError())
		return
	}

	callType, err := remote.CallTypeForSeries(series)
	if err != nil {
		AbortWithError(c, newValidationError("series", "invalid_series", "invalid series"))
		return
	}

	ctx := c.Request.Context()
	now := s.clock.Now()

	consent, err := s.consentSvc.ActiveConsent(ctx, userID, usagePointID, now)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sub, err := s.subscriptionSvc.Upsert(ctx, subscriptiondomain.UpsertRequest{
		UserID:       userID,
		UsagePointID: usagePointID,
		SeriesName:   series,
		Consent:      consent,
		SubscribedAt: now,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	requestedExpiry := consent.ExpiresAt
	subID := sub.ID

	var result *remote.SubscribeResult
	call, err := s.ledgerSvc.Execute(ctx, ledgerdomain.ExecuteRequest{
		Webservice:   "subscribe/" + string(callType),
		UserID:       userID,
		UsagePointID: usagePointID,
		At:           now,
		Params: map[string]any{
			"call_type":   string(callType),
			"series_name": series,
			"expires_at":  requestedExpiry,
		},
		SubscriptionID: &subID,
	}, func(callCtx context.Context) error {
		var performErr error
		result, performErr = s.caller.Subscribe(callCtx, callType, usagePointID, requestedExpiry)
		return performErr
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	expiresAt := result.ExpiresAt
	if expiresAt.IsZero() || expiresAt.After(consent.ExpiresAt) {
		expiresAt = consent.ExpiresAt
	}

	callID := result.CallID
	backing, err := s.subscriptionSvc.RecordBackingCall(ctx, sub.ID, subscriptiondomain.BackingCallRequest{
		WebserviceCallID: call.ID,
		CalledAt:         call.CalledAt,
		CallType:         callType,
		ExpiresAt:        expiresAt,
		CallID:           &callID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"subscription": sub,
		"backing_call": backing,
	}})
}

func (s *Server) Unsubscribe(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_subscription_id", "invalid subscription id"))
		return
	}

	unsubscribe := func(ctx context.Context, sub *subscriptiondomain.Subscription, backing *subscriptiondomain.WebserviceCallSubscription) error {
		if backing.CallID == nil {
			return nil
		}
		remoteCallID := *backing.CallID
		subID := sub.ID
		_, err := s.ledgerSvc.Execute(ctx, ledgerdomain.ExecuteRequest{
			Webservice:   "unsubscribe/" + string(backing.CallType),
			UserID:       sub.UserID,
			UsagePointID: sub.UsagePointID,
			At:           s.clock.Now(),
			Params: map[string]any{
				"call_id": remoteCallID,
			},
			SubscriptionID: &subID,
		}, func(callCtx context.Context) error {
			return s.caller.Unsubscribe(callCtx, remoteCallID)
		})
		return err
	}

	if err := s.subscriptionSvc.Cancel(c.Request.Context(), id, unsubscribe); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"id": id.String(), "status": subscriptiondomain.StatusCanceled}})
}

func (s *Server) GetSubscription(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_subscription_id", "invalid subscription id"))
		return
	}

	sub, err := s.subscriptionSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	backing, err := s.subscriptionSvc.CurrentBackingCall(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"subscription": sub,
		"backing_call": backing,
	}})
}

func (s *Server) ListSubscriptions(c *gin.Context) {
	var query struct {
		UserID       string `form:"user_id"`
		UsagePointID string `form:"usage_point_id"`
		Status       string `form:"status"`
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

	subs, err := s.subscriptionSvc.List(c.Request.Context(), subscriptiondomain.ListFilter{
		UserID:       strings.TrimSpace(query.UserID),
		UsagePointID: strings.TrimSpace(query.UsagePointID),
		Status:       subscriptiondomain.SubscriptionStatus(strings.ToUpper(strings.TrimSpace(query.Status))),
		Limit:        limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": subs})
}

func (s *Server) MarkSubscriptionNotified(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_subscription_id", "invalid subscription id"))
		return
	}

	var req struct {
		At string `json:"at"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	at := s.clock.Now()
	if strings.TrimSpace(req.At) != "" {
		parsed, err := parseTime(req.At)
		if err != nil {
			AbortWithError(c, newValidationError("at", "invalid_time", "invalid at"))
			return
		}
		at = parsed
	}

	if err := s.subscriptionSvc.MarkNotified(c.Request.Context(), id, at); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"id": id.String(), "notified_at": at}})
}

func (s *Server) ListSweepFindings(c *gin.Context) {
	if s.scheduler == nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}

	findings, err := s.scheduler.ListSweepFindings(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": findings})
}
