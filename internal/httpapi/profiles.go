package httpapi

import (
	"errors"
	"net/http"
	"time"

	"family-calls/internal/callstore"
	"family-calls/internal/identity"
	"family-calls/internal/reporting"

	"github.com/gin-gonic/gin"
)

const defaultHistoryWindow = 7 * 24 * time.Hour

// LookupProfile resolves ?kind=profile_id|user_id&value= against the directory.
func (h *Handlers) LookupProfile(c *gin.Context) {
	if _, ok := caller(c); !ok {
		return
	}
	ref := identity.ContactRef{Kind: identity.Kind(c.Query("kind")), Value: c.Query("value")}
	if err := ref.Validate(); err != nil {
		abort(c, http.StatusBadRequest, callstore.CodeInvalidArgument, "kind and value required")
		return
	}
	lookup := h.Directory.ByProfileID
	if ref.Kind == identity.KindUserID {
		lookup = h.Directory.ByUserID
	}
	p, err := lookup(c.Request.Context(), ref.Value)
	if err != nil {
		directoryFail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// LegacyContact reads the first-generation contacts table.
func (h *Handlers) LegacyContact(c *gin.Context) {
	if _, ok := caller(c); !ok {
		return
	}
	p, err := h.Directory.Legacy(c.Request.Context(), c.Param("id"))
	if err != nil {
		directoryFail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// ChildParent returns the child's own parent id.
func (h *Handlers) ChildParent(c *gin.Context) {
	if _, ok := caller(c); !ok {
		return
	}
	parentID, err := h.Directory.ParentOfChild(c.Request.Context(), c.Param("id"))
	if err != nil {
		directoryFail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"parent_id": parentID})
}

func directoryFail(c *gin.Context, err error) {
	if errors.Is(err, identity.ErrNotFound) {
		abort(c, http.StatusNotFound, callstore.CodeNotFound, "profile not found")
		return
	}
	// A lookup failure is not "not found"; resolvers must not default on it.
	_ = c.Error(err)
	abort(c, http.StatusBadGateway, callstore.CodeInternal, "directory unavailable")
}

// HistorySummary summarizes the caller's calls between ?from and ?to (RFC3339).
func (h *Handlers) HistorySummary(c *gin.Context) {
	p, ok := caller(c)
	if !ok {
		return
	}
	if h.History == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history not configured"})
		return
	}
	now := time.Now()
	rng := reporting.TimeRange{From: now.Add(-defaultHistoryWindow), To: now}
	for _, q := range []struct {
		key string
		dst *time.Time
	}{{"from", &rng.From}, {"to", &rng.To}} {
		if v := c.Query(q.key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				abort(c, http.StatusBadRequest, callstore.CodeInvalidArgument, q.key+" must be RFC3339")
				return
			}
			*q.dst = t
		}
	}

	out, err := h.History.History(c.Request.Context(), reporting.HistoryRequest{
		Role:          p.role,
		ParticipantID: p.id,
		Range:         rng,
	})
	switch {
	case errors.Is(err, reporting.ErrInvalidRequest):
		abort(c, http.StatusBadRequest, callstore.CodeInvalidArgument, err.Error())
	case err != nil:
		fail(c, err)
	default:
		c.JSON(http.StatusOK, out)
	}
}

