package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"clickbloom-license/pkg/errutil"
	"clickbloom-license/pkg/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type HandlerParams struct {
	fx.In

	Activations *ActivationManager
	Credits     *CreditLedger
	Admin       *AdminAPI
	Auth        *middleware.AdminAuth
	Limiter     *middleware.RateLimiter
}

// Handler exposes the engine over HTTP: the public routes used by the
// WordPress plugin and crawler, and the admin routes used by the dashboard.
type Handler struct {
	activations *ActivationManager
	credits     *CreditLedger
	admin       *AdminAPI
	auth        *middleware.AdminAuth
	limiter     *middleware.RateLimiter
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		activations: p.Activations,
		credits:     p.Credits,
		admin:       p.Admin,
		auth:        p.Auth,
		limiter:     p.Limiter,
	}
}

func (h *Handler) Register(r gin.IRouter) {
	public := r.Group("/v1", h.limiter.Handler())
	public.POST("/licenses/activate", h.activate)
	public.POST("/licenses/validate", h.validate)
	public.POST("/credits/spend", h.spend)

	admin := r.Group("/v1/admin", h.auth.Handler())
	admin.POST("/licenses", h.createLicense)
	admin.GET("/licenses", h.listLicenses)
	admin.GET("/licenses/:id", h.getLicense)
	admin.PUT("/licenses/:id/status", h.setStatus)
	admin.PUT("/licenses/:id/expiry", h.setExpiry)
	admin.PUT("/licenses/:id/credits", h.setCredits)
	admin.PUT("/licenses/:id/max-sites", h.setMaxSites)
	admin.DELETE("/licenses/:id", h.deleteLicense)
	admin.POST("/activations/:id/revoke", h.revokeActivation)
	admin.POST("/activations/:id/unrevoke", h.unrevokeActivation)
	admin.POST("/cleanup", h.cleanup)
}

// RegisterRoutes mounts the handler on the shared engine.
func RegisterRoutes(r *gin.Engine, h *Handler) {
	h.Register(r)
}

type activateRequest struct {
	Key     string `json:"key"`
	SiteURL string `json:"site_url"`
}

type activateResponse struct {
	OK bool `json:"ok"`
	*PublicView
}

func (h *Handler) activate(c *gin.Context) {
	var req activateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.Abort(c, errutil.BadRequest("request body must be JSON", err, errutil.WithReason("invalid_argument")))
		return
	}

	view, err := h.activations.Activate(c.Request.Context(), req.Key, req.SiteURL)
	if err != nil {
		middleware.Abort(c, toHTTPError(err))
		return
	}

	c.JSON(http.StatusOK, activateResponse{OK: true, PublicView: view})
}

type validateResponse struct {
	OK bool `json:"ok"`
	*Validation
}

func (h *Handler) validate(c *gin.Context) {
	var req activateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.Abort(c, errutil.BadRequest("request body must be JSON", err, errutil.WithReason("invalid_argument")))
		return
	}

	result, err := h.activations.Validate(c.Request.Context(), req.Key, req.SiteURL)
	if err != nil {
		middleware.Abort(c, toHTTPError(err))
		return
	}

	c.JSON(http.StatusOK, validateResponse{OK: true, Validation: result})
}

type spendRequest struct {
	Key    string `json:"key"`
	Amount int64  `json:"amount"`
}

type spendResponse struct {
	OK bool `json:"ok"`
	*SpendResult
}

func (h *Handler) spend(c *gin.Context) {
	var req spendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.Abort(c, errutil.BadRequest("request body must be JSON", err, errutil.WithReason("invalid_argument")))
		return
	}

	result, err := h.credits.Spend(c.Request.Context(), req.Key, req.Amount)
	if err != nil {
		middleware.Abort(c, toHTTPError(err))
		return
	}

	c.JSON(http.StatusOK, spendResponse{OK: true, SpendResult: result})
}

func (h *Handler) createLicense(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.Abort(c, errutil.BadRequest("request body must be JSON", err, errutil.WithReason("invalid_argument")))
		return
	}

	issued, err := h.admin.Create(c.Request.Context(), req)
	if err != nil {
		middleware.Abort(c, toHTTPError(err))
		return
	}

	zap.L().Info("license issued by admin",
		zap.String("admin", middleware.AdminSubject(c)), zap.String("license_id", issued.License.ID))
	c.JSON(http.StatusCreated, gin.H{"ok": true, "key": issued.Key, "license": issued.License})
}

func (h *Handler) listLicenses(c *gin.Context) {
	snap, err := h.admin.ListAll(c.Request.Context())
	if err != nil {
		middleware.Abort(c, toHTTPError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "licenses": snap.Licenses, "activations": snap.Activations})
}

func (h *Handler) getLicense(c *gin.Context) {
	detail, err := h.admin.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		middleware.Abort(c, toHTTPError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "license": detail.License, "activations": detail.Activations})
}

func (h *Handler) setStatus(c *gin.Context) {
	var req struct {
		Status Status `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.Abort(c, errutil.BadRequest("request body must be JSON", err, errutil.WithReason("invalid_argument")))
		return
	}

	h.respondLicense(c)(h.admin.SetStatus(c.Request.Context(), c.Param("id"), req.Status))
}

func (h *Handler) setExpiry(c *gin.Context) {
	expiresAt, err := nullableField[time.Time](c, "expires_at")
	if err != nil {
		middleware.Abort(c, toHTTPError(err))
		return
	}

	h.respondLicense(c)(h.admin.SetExpiry(c.Request.Context(), c.Param("id"), expiresAt))
}

func (h *Handler) setCredits(c *gin.Context) {
	credits, err := nullableField[int64](c, "crawl_credits")
	if err != nil {
		middleware.Abort(c, toHTTPError(err))
		return
	}

	h.respondLicense(c)(h.admin.SetCredits(c.Request.Context(), c.Param("id"), credits))
}

func (h *Handler) setMaxSites(c *gin.Context) {
	n, err := nullableField[int](c, "max_sites")
	if err == nil && n == nil {
		err = invalidArgument("max_sites cannot be null")
	}
	if err != nil {
		middleware.Abort(c, toHTTPError(err))
		return
	}

	h.respondLicense(c)(h.admin.SetMaxSites(c.Request.Context(), c.Param("id"), *n))
}

func (h *Handler) respondLicense(c *gin.Context) func(*License, error) {
	return func(l *License, err error) {
		if err != nil {
			middleware.Abort(c, toHTTPError(err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "license": l})
	}
}

func (h *Handler) deleteLicense(c *gin.Context) {
	if err := h.admin.DeleteLicense(c.Request.Context(), c.Param("id")); err != nil {
		middleware.Abort(c, toHTTPError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) revokeActivation(c *gin.Context) {
	h.respondActivation(c)(h.admin.RevokeActivation(c.Request.Context(), c.Param("id")))
}

func (h *Handler) unrevokeActivation(c *gin.Context) {
	h.respondActivation(c)(h.admin.UnrevokeActivation(c.Request.Context(), c.Param("id")))
}

func (h *Handler) respondActivation(c *gin.Context) func(*Activation, error) {
	return func(act *Activation, err error) {
		if err != nil {
			middleware.Abort(c, toHTTPError(err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "activation": act})
	}
}

func (h *Handler) cleanup(c *gin.Context) {
	removed, err := h.admin.Cleanup(c.Request.Context())
	if err != nil {
		middleware.Abort(c, toHTTPError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "removed": removed})
}

// nullableField reads one required JSON field that may be null. A null
// value yields a nil pointer, which clears the field.
func nullableField[T any](c *gin.Context, name string) (*T, error) {
	var body map[string]json.RawMessage
	if err := c.ShouldBindJSON(&body); err != nil {
		return nil, invalidArgument("request body must be a JSON object")
	}

	raw, ok := body[name]
	if !ok {
		return nil, invalidArgument("%s is required", name)
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, invalidArgument("%s has the wrong type", name)
	}
	return &v, nil
}

// toHTTPError maps domain errors onto the shared error envelope. Storage
// failures keep their cause out of the message.
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return errutil.New(errutil.StatusClientClosedRequest, "request canceled", errutil.WithErr(err), errutil.WithReason("canceled"))
	case errors.Is(err, context.DeadlineExceeded):
		return errutil.New(errutil.StatusGatewayTimeout, "request timed out", errutil.WithErr(err), errutil.WithReason("timeout"))
	}

	reason := Reason(err)
	opt := errutil.WithReason(reason)

	switch reason {
	case "invalid_key":
		return errutil.Unauthorized(err.Error(), err, opt)
	case "disabled", "expired":
		return errutil.Forbidden(err.Error(), err, opt)
	case "seat_limit_reached", "insufficient_credits", "conflict":
		return errutil.Conflict(err.Error(), err, opt)
	case "not_found":
		return errutil.NotFound(err.Error(), err, opt)
	case "invalid_argument":
		return errutil.BadRequest(err.Error(), err, opt)
	case "store_unavailable":
		return errutil.ServiceUnavailable("license store unavailable", err, opt)
	default:
		return errutil.Internal("internal error", err)
	}
}
