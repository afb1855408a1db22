// Package httpapi is the record-store gateway: the HTTP and websocket surface
// devices signal through. Handlers stay thin. They authorize the caller against
// the record and delegate to the store, directory and reporting services.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"family-calls/internal/auth"
	"family-calls/internal/calls"
	"family-calls/internal/callstore"
	"family-calls/internal/events"
	"family-calls/internal/identity"
	"family-calls/internal/rbac"
	"family-calls/internal/reporting"
	"family-calls/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
type Handlers struct {
	Auth      *auth.Manager
	Store     callstore.Store
	Directory identity.Directory
	History   *reporting.Service
	Events    events.Emitter

	// Ready reports backing service health for /healthz. Nil means always ready.
	Ready func(ctx context.Context) error
}

// Routes registers the authenticated surface on r.
func (h *Handlers) Routes(r gin.IRouter) {
	records := r.Group("/records")
	{
		records.POST("/calls", h.CreateCall)
		records.GET("/calls", h.ListCalls)
		records.GET("/calls/:id", h.GetCall)
		records.PATCH("/calls/:id", h.PatchCall)
		records.GET("/calls/:id/watch", h.WatchCall)
		records.GET("/watch", h.WatchColumn)
	}

	profiles := r.Group("/profiles")
	{
		profiles.GET("/lookup", h.LookupProfile)
		profiles.GET("/legacy/:id", h.LegacyContact)
	}
	r.GET("/children/:id/parent", h.ChildParent)

	r.GET("/history/summary", h.HistorySummary)
	r.POST("/events", h.PostEvent)
}

// participant is the authenticated caller as a call party.
type participant struct {
	role calls.Role
	id   string
}

func (p participant) party(c calls.Call) bool { return c.Involves(p.role, p.id) }

func caller(c *gin.Context) (participant, bool) {
	id, err := auth.FromContext(c.Request.Context())
	if err != nil {
		abort(c, http.StatusUnauthorized, callstore.CodeForbidden, "identity required")
		return participant{}, false
	}
	role, ok := rbac.Participant(id.Role)
	if !ok {
		abort(c, http.StatusForbidden, callstore.CodeForbidden, "not a call participant")
		return participant{}, false
	}
	return participant{role: role, id: id.ProfileID}, true
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, callstore.ErrorBody{Error: msg, Code: code})
}

// fail maps a domain error onto an HTTP status.
func fail(c *gin.Context, err error) {
	code := callstore.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case callstore.CodeNotFound:
		status = http.StatusNotFound
	case callstore.CodeCallEnded, callstore.CodeVersionConflict, callstore.CodeCalleeBusy:
		status = http.StatusConflict
	case callstore.CodePreconditionFailed:
		status = http.StatusPreconditionFailed
	case callstore.CodeInvalidArgument, callstore.CodeInvalidTransition:
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "err", err)
		_ = c.Error(err)
		abort(c, status, code, "internal error")
		return
	}
	abort(c, status, code, err.Error())
}

// Healthz reports process and dependency health.
func (h *Handlers) Healthz(c *gin.Context) {
	if h.Ready != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.Ready(ctx); err != nil {
			logger.FromGin(c).Warn("health check failed", "err", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges a refresh token for a new pair.
func (h *Handlers) Refresh(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	pair, err := h.Auth.Refresh(time.Now(), req.RefreshToken)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// PostEvent accepts a lifecycle event from a call party and fans it out.
func (h *Handlers) PostEvent(c *gin.Context) {
	p, ok := caller(c)
	if !ok {
		return
	}
	if h.Events == nil {
		c.Status(http.StatusAccepted)
		return
	}
	var e events.Event
	if err := c.ShouldBindJSON(&e); err != nil {
		abort(c, http.StatusBadRequest, callstore.CodeInvalidArgument, "invalid json")
		return
	}
	rec, err := h.Store.Get(c.Request.Context(), e.CallID)
	if err != nil {
		fail(c, err)
		return
	}
	if !p.party(rec) {
		abort(c, http.StatusNotFound, callstore.CodeNotFound, "call not found")
		return
	}
	if err := h.Events.Emit(c.Request.Context(), e); err != nil {
		if errors.Is(err, events.ErrInvalidEvent) {
			abort(c, http.StatusUnprocessableEntity, callstore.CodeInvalidArgument, err.Error())
			return
		}
		// Delivery is best-effort; the event is accepted once validated.
		logger.FromGin(c).Warn("event fan-out incomplete", "call_id", e.CallID, "err", err)
	}
	c.Status(http.StatusAccepted)
}
