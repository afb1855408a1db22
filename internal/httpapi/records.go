package httpapi

import (
	"net/http"
	"time"

	"family-calls/internal/calls"
	"family-calls/internal/callstore"

	"github.com/gin-gonic/gin"
)

const defaultListWindow = 24 * time.Hour

// CreateCall inserts a new record. Only the caller named in the record may create it.
func (h *Handlers) CreateCall(c *gin.Context) {
	p, ok := caller(c)
	if !ok {
		return
	}
	var rec calls.Call
	if err := c.ShouldBindJSON(&rec); err != nil {
		abort(c, http.StatusBadRequest, callstore.CodeInvalidArgument, "invalid json")
		return
	}
	if rec.CallerType != p.role || rec.CallerID() != p.id {
		abort(c, http.StatusForbidden, callstore.CodeForbidden, "caller must be the authenticated participant")
		return
	}

	// Server-owned fields are never taken from the client.
	rec.Version = 0
	rec.CreatedAt, rec.UpdatedAt = time.Time{}, time.Time{}
	rec.Answer, rec.AnsweredAt, rec.EndedAt = nil, nil, nil
	rec.EndedBy, rec.EndReason, rec.MissedCall = "", "", false
	if p.role.Side() == calls.SideChild {
		rec.ParentICECandidates = nil
	} else {
		rec.ChildICECandidates = nil
	}

	ctx := c.Request.Context()
	if err := h.Store.Insert(ctx, rec); err != nil {
		fail(c, err)
		return
	}
	stored, err := h.Store.Get(ctx, rec.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

// GetCall returns a record the caller is a party to.
func (h *Handlers) GetCall(c *gin.Context) {
	p, ok := caller(c)
	if !ok {
		return
	}
	rec, ok := h.partyRecord(c, p)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rec)
}

// PatchCall applies a field-level update. Each party may only write the
// fields it owns: its own candidate list, the offer (caller) or answer
// (recipient), and an end stamped with its own role.
func (h *Handlers) PatchCall(c *gin.Context) {
	p, ok := caller(c)
	if !ok {
		return
	}
	var patch callstore.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		abort(c, http.StatusBadRequest, callstore.CodeInvalidArgument, "invalid json")
		return
	}
	rec, ok := h.partyRecord(c, p)
	if !ok {
		return
	}
	if msg := authorizePatch(p, rec, patch); msg != "" {
		abort(c, http.StatusForbidden, callstore.CodeForbidden, msg)
		return
	}

	updated, err := h.Store.Update(c.Request.Context(), rec.ID, patch)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func authorizePatch(p participant, rec calls.Call, patch callstore.Patch) string {
	isCaller := rec.CallerType == p.role && rec.CallerID() == p.id
	if patch.Candidates != nil && patch.Candidates.Side != p.role.Side() {
		return "a party may only write its own candidate list"
	}
	if patch.Offer != nil && !isCaller {
		return "only the caller writes the offer"
	}
	if patch.Answer != nil && isCaller {
		return "only the recipient writes the answer"
	}
	if patch.EndedBy != "" && patch.EndedBy != p.role {
		return "ended_by must be the authenticated role"
	}
	if patch.Status != nil {
		switch *patch.Status {
		case calls.StatusInitiating, calls.StatusRinging:
			if !isCaller {
				return "only the caller advances a call to ringing"
			}
		case calls.StatusActive:
			if isCaller {
				return "only the recipient activates a call"
			}
		}
	}
	return ""
}

type listResponse struct {
	Calls []calls.Call `json:"calls"`
}

// ListCalls lists the caller's own history (since=RFC3339), or with live=true
// the live calls of any participant. Live records of other participants are
// redacted to what a busy check needs.
func (h *Handlers) ListCalls(c *gin.Context) {
	p, ok := caller(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if c.Query("live") == "true" {
		role, id := p.role, p.id
		if q := c.Query("role"); q != "" {
			role = calls.Role(q)
			id = c.Query("id")
		}
		if !role.Valid() || id == "" {
			abort(c, http.StatusBadRequest, callstore.CodeInvalidArgument, "role and id required")
			return
		}
		list, err := h.Store.ListLive(ctx, role, id)
		if err != nil {
			fail(c, err)
			return
		}
		for i := range list {
			if !p.party(list[i]) {
				list[i] = redact(list[i])
			}
		}
		c.JSON(http.StatusOK, listResponse{Calls: nonNil(list)})
		return
	}

	if q := c.Query("role"); q != "" && (calls.Role(q) != p.role || c.Query("id") != p.id) {
		abort(c, http.StatusForbidden, callstore.CodeForbidden, "history is only available for the authenticated participant")
		return
	}
	since := time.Now().Add(-defaultListWindow)
	if s := c.Query("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			abort(c, http.StatusBadRequest, callstore.CodeInvalidArgument, "since must be RFC3339")
			return
		}
		since = t
	}
	list, err := h.Store.ListByParticipant(ctx, p.role, p.id, since)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, listResponse{Calls: nonNil(list)})
}

// partyRecord loads :id and hides records the caller is not a party to.
func (h *Handlers) partyRecord(c *gin.Context, p participant) (calls.Call, bool) {
	rec, err := h.Store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return calls.Call{}, false
	}
	if !p.party(rec) {
		abort(c, http.StatusNotFound, callstore.CodeNotFound, "call not found")
		return calls.Call{}, false
	}
	return rec, true
}

func redact(c calls.Call) calls.Call {
	c.Offer, c.Answer = nil, nil
	c.ChildICECandidates, c.ParentICECandidates = []calls.Candidate{}, []calls.Candidate{}
	return c
}

func nonNil(list []calls.Call) []calls.Call {
	if list == nil {
		return []calls.Call{}
	}
	return list
}
