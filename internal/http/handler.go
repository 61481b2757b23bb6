package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/ingress"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/logger"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/models"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/plans"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/repository"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/service"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

type Handler struct {
	webhooks    *ingress.Handler
	tenants     *service.TenantService
	provisioner Provisioner
	store       repository.Store
	log         *zap.Logger
}

func NewHandler(webhooks *ingress.Handler, tenants *service.TenantService, provisioner Provisioner, store repository.Store, log *zap.Logger) *Handler {
	return &Handler{
		webhooks:    webhooks,
		tenants:     tenants,
		provisioner: provisioner,
		store:       store,
		log:         log,
	}
}

type listQuery struct {
	Status string `form:"status"`
	Limit  int    `form:"limit"`
	Offset int    `form:"offset"`
}

func (q listQuery) filter(owner string) (models.TenantFilter, error) {
	f := models.TenantFilter{OwnerUserID: owner, Limit: q.Limit, Offset: q.Offset}
	if q.Status == "" {
		return f, nil
	}
	for _, s := range strings.Split(q.Status, ",") {
		status := models.TenantStatus(strings.ToUpper(strings.TrimSpace(s)))
		switch status {
		case models.TenantPending, models.TenantProvisioning, models.TenantActive,
			models.TenantFailed, models.TenantSuspended, models.TenantDeleted:
			f.Statuses = append(f.Statuses, status)
		default:
			return f, errors.New("unknown status " + s)
		}
	}
	return f, nil
}

// ==================== Webhook ====================

// Webhook accepts payment provider events. The response is sent only after
// the event is durably applied, so a 200 means the provider may stop retrying.
func (h *Handler) Webhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	res, err := h.webhooks.Handle(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, models.WebhookResponse{Status: string(res.Disposition)})
	case errors.Is(err, ingress.ErrAuthentication):
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature verification failed"})
	case errors.Is(err, ingress.ErrMalformedEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event could not be applied"})
	}
}

// ==================== Tenant API (JWT) ====================

// ListMyTenants lists the caller's tenants
func (h *Handler) ListMyTenants(c *gin.Context) {
	h.list(c, c.GetString(ownerKey))
}

// GetMyTenant returns one of the caller's tenants
func (h *Handler) GetMyTenant(c *gin.Context) {
	resp, err := h.tenants.Get(c.Request.Context(), c.Param("id"), c.GetString(ownerKey))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// DeleteMyTenant schedules teardown of one of the caller's tenants
func (h *Handler) DeleteMyTenant(c *gin.Context) {
	resp, err := h.tenants.RequestDelete(c.Request.Context(), c.Param("id"), c.GetString(ownerKey))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

// ==================== Admin API ====================

// ListTenants lists every tenant
func (h *Handler) ListTenants(c *gin.Context) {
	h.list(c, "")
}

// TenantStatus returns the tenant with billing, audit log and open tasks
func (h *Handler) TenantStatus(c *gin.Context) {
	resp, err := h.tenants.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) SuspendTenant(c *gin.Context) {
	h.enqueue(c, h.tenants.Suspend)
}

func (h *Handler) ResumeTenant(c *gin.Context) {
	h.enqueue(c, h.tenants.Resume)
}

// RetryTenant re-drives provisioning of a FAILED tenant
func (h *Handler) RetryTenant(c *gin.Context) {
	h.enqueue(c, h.tenants.Retry)
}

// ProvisionTenant creates a tenant without a payment event. A repeated
// request_id returns the tenant created the first time.
func (h *Handler) ProvisionTenant(c *gin.Context) {
	if h.provisioner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "manual provisioning disabled"})
		return
	}
	var req models.ProvisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	resp, err := h.provisioner.Provision(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

// TenantByNamespace looks a tenant up by its cluster namespace
func (h *Handler) TenantByNamespace(c *gin.Context) {
	resp, err := h.tenants.GetByNamespace(c.Request.Context(), c.Param("namespace"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Health checks the state store
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.log.Warn("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "service": "tenant-provisioner"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "tenant-provisioner"})
}

func (h *Handler) list(c *gin.Context, owner string) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	filter, err := q.filter(owner)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.tenants.List(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) enqueue(c *gin.Context, fn func(ctx context.Context, id string) (*models.EnqueueResponse, error)) {
	resp, err := fn(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

// fail maps service errors onto status codes.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, service.ErrNotRetryable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, plans.ErrUnknownPlan):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logger.FromContext(c.Request.Context()).Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
