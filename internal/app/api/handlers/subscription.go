package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	mw "github.com/faceflex/membership/internal/app/api/middleware"
	"github.com/faceflex/membership/internal/app/service/reconcile"
	"github.com/faceflex/membership/pkg/types"
)

// Reconciler is the engine surface the routes need.
type Reconciler interface {
	Get(ctx context.Context, userID string) (*types.SubscriptionInfo, error)
	CheckSubscription(ctx context.Context, userID, subscriptionID string) (*types.SubscriptionInfo, bool, error)
	CheckCustomer(ctx context.Context, userID, customerID string) (*types.SubscriptionInfo, bool, error)
	Cancel(ctx context.Context, userID string) (*types.SubscriptionInfo, error)
	CustomerID(ctx context.Context, userID string) (string, error)
	SubscriptionID(ctx context.Context, userID string) (string, error)
	PortalURL(ctx context.Context, customerID string) (string, error)
	RequestSync(userID, subscriptionID string) bool
	LastSyncOutcome(subscriptionID string) reconcile.SyncOutcome
}

type checkRequest struct {
	UserID           string `json:"userId"`
	StripeCustomerID string `json:"stripeCustomerId"`
	SubscriptionID   string `json:"subscriptionId"`
}

type syncRequest struct {
	SubscriptionID string `json:"subscriptionId"`
	UserID         string `json:"userId"`
}

type portalRequest struct {
	UserID           string `json:"userId"`
	StripeCustomerID string `json:"stripeCustomerId"`
}

// resolveUserID prefers an explicit body id over the authenticated identity.
func resolveUserID(c *gin.Context, bodyUserID string) string {
	if bodyUserID != "" {
		return bodyUserID
	}
	if u, ok := mw.UserFrom(c); ok {
		return u.ID
	}
	return ""
}

func errJSON(msg string) gin.H {
	return gin.H{"error": msg}
}

// @Summary      Cancel subscription
// @Description  Flags the authenticated user's subscription to stop renewing at period end.
// @Tags         Subscription
// @Accept       json
// @Produce      json
// @Success      200  {object}  handlers.CancelResponse
// @Failure      401  {object}  handlers.ErrorResponse
// @Failure      404  {object}  handlers.ErrorResponse
// @Router       /api/subscription/cancel [post]
func ApiCancelSubscription(rec Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := resolveUserID(c, "")
		if userID == "" {
			c.JSON(http.StatusUnauthorized, errJSON("Authentication required"))
			return
		}

		info, err := rec.Cancel(c.Request.Context(), userID)
		if err != nil {
			if errors.Is(err, reconcile.ErrNoSubscription) {
				c.JSON(http.StatusNotFound, errJSON("No subscription found"))
				return
			}
			c.JSON(http.StatusInternalServerError, errJSON(err.Error()))
			return
		}

		c.JSON(http.StatusOK, gin.H{"success": true, "subscription": info})
	}
}

// @Summary      Check subscription status
// @Description  Resolves the current subscription state for a user, customer, or subscription id.
// @Tags         Subscription
// @Accept       json
// @Produce      json
// @Param        request body handlers.CheckRequest false "Optional ids; fall back to the authenticated user"
// @Success      200  {object}  handlers.SubscriptionInfoResponse
// @Failure      401  {object}  handlers.ErrorResponse
// @Router       /api/subscription/check [post]
func ApiCheckSubscription(rec Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req checkRequest
		_ = c.ShouldBindJSON(&req) // empty body is fine, everything is optional

		ctx := c.Request.Context()
		userID := resolveUserID(c, req.UserID)

		switch {
		case req.SubscriptionID != "":
			info, found, err := rec.CheckSubscription(ctx, userID, req.SubscriptionID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, errJSON(err.Error()))
				return
			}
			if !found {
				c.JSON(http.StatusOK, gin.H{"active": false, "message": "Subscription not found in Stripe"})
				return
			}
			c.JSON(http.StatusOK, info)

		case req.StripeCustomerID != "":
			info, found, err := rec.CheckCustomer(ctx, userID, req.StripeCustomerID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, errJSON(err.Error()))
				return
			}
			if !found {
				c.JSON(http.StatusOK, gin.H{"active": false})
				return
			}
			c.JSON(http.StatusOK, info)

		case userID != "":
			info, err := rec.Get(ctx, userID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, errJSON(err.Error()))
				return
			}
			c.JSON(http.StatusOK, info)

		default:
			c.JSON(http.StatusUnauthorized, errJSON("Authentication required"))
		}
	}
}

// @Summary      Trigger provider sync
// @Description  Schedules a debounced re-pull of the provider record into the local store.
// @Tags         Subscription
// @Accept       json
// @Produce      json
// @Param        request body handlers.SyncRequest false "Subscription id, or a user id to resolve it from"
// @Success      200  {object}  handlers.SyncResponse
// @Failure      400  {object}  handlers.ErrorResponse
// @Router       /api/subscription/sync [post]
func ApiSyncSubscription(rec Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req syncRequest
		_ = c.ShouldBindJSON(&req)

		ctx := c.Request.Context()
		userID := resolveUserID(c, req.UserID)

		subID := req.SubscriptionID
		if subID == "" && userID != "" {
			resolved, err := rec.SubscriptionID(ctx, userID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, errJSON(err.Error()))
				return
			}
			subID = resolved
		}
		if subID == "" {
			c.JSON(http.StatusBadRequest, errJSON("Subscription ID is required"))
			return
		}

		queued := rec.RequestSync(userID, subID)
		c.JSON(http.StatusOK, gin.H{"queued": queued, "subscriptionId": subID})
	}
}

// @Summary      Create billing portal session
// @Description  Returns a provider-hosted billing portal URL for the customer.
// @Tags         Stripe
// @Accept       json
// @Produce      json
// @Param        request body handlers.PortalRequest false "Customer id, or a user id to resolve it from"
// @Success      200  {object}  handlers.PortalResponse
// @Failure      401  {object}  handlers.ErrorResponse
// @Failure      404  {object}  handlers.ErrorResponse
// @Router       /api/stripe/customer-portal [post]
func ApiCustomerPortal(rec Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req portalRequest
		_ = c.ShouldBindJSON(&req)

		ctx := c.Request.Context()
		userID := resolveUserID(c, req.UserID)

		customerID := req.StripeCustomerID
		if customerID == "" {
			if userID == "" {
				c.JSON(http.StatusUnauthorized, errJSON("Authentication required"))
				return
			}
			resolved, err := rec.CustomerID(ctx, userID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, errJSON(err.Error()))
				return
			}
			customerID = resolved
		}
		if customerID == "" {
			c.JSON(http.StatusNotFound, errJSON("No customer found"))
			return
		}

		url, err := rec.PortalURL(ctx, customerID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errJSON(err.Error()))
			return
		}
		c.JSON(http.StatusOK, gin.H{"url": url})
	}
}

func RegisterSubscriptionRoutes(r gin.IRouter, rec Reconciler) {
	r.POST("/cancel", ApiCancelSubscription(rec))
	r.POST("/check", ApiCheckSubscription(rec))
	r.POST("/sync", ApiSyncSubscription(rec))
}

func RegisterStripeRoutes(r gin.IRouter, rec Reconciler) {
	r.POST("/customer-portal", ApiCustomerPortal(rec))
}
