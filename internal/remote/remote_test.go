package remote

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"family-calls/internal/auth"
	"family-calls/internal/calls"
	"family-calls/internal/callstore"
	"family-calls/internal/config"
	"family-calls/internal/events"
	"family-calls/internal/httpapi"
	"family-calls/internal/identity"
	"family-calls/internal/rbac"
	"family-calls/internal/reporting"

	"github.com/gin-gonic/gin"
)

type directory struct{}

func (directory) ByProfileID(_ context.Context, id string) (identity.Profile, error) {
	if id == "P1" {
		return identity.Profile{Role: calls.RoleParent, ID: "P1", UserID: "auth-1"}, nil
	}
	return identity.Profile{}, identity.ErrNotFound
}
func (directory) ByUserID(_ context.Context, id string) (identity.Profile, error) {
	if id == "auth-1" {
		return identity.Profile{Role: calls.RoleParent, ID: "P1", UserID: "auth-1"}, nil
	}
	return identity.Profile{}, identity.ErrNotFound
}
func (directory) Legacy(_ context.Context, id string) (identity.Profile, error) {
	if id == "old" {
		return identity.Profile{Role: calls.RoleFamilyMember, ID: "F1"}, nil
	}
	return identity.Profile{}, identity.ErrNotFound
}
func (directory) ParentOfChild(_ context.Context, id string) (string, error) {
	if id == "C1" {
		return "P1", nil
	}
	return "", identity.ErrNotFound
}

type gateway struct {
	srv    *httptest.Server
	store  *callstore.MemoryStore
	events *events.MemoryRepo
	tokens *auth.Manager
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Hour, RefreshTokenTTL: 2 * time.Hour})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	store := callstore.NewMemoryStore()
	repo := events.NewMemoryRepo()
	h := &httpapi.Handlers{
		Auth:      m,
		Store:     store,
		Directory: directory{},
		History:   reporting.NewService(store),
		Events:    events.NewService(repo, nil),
	}
	r := gin.New()
	h.Routes(r.Group("/v1", auth.RequireAccessToken(m), rbac.RequireFamily()))

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &gateway{srv: srv, store: store, events: repo, tokens: m}
}

func (g *gateway) client(t *testing.T, role calls.Role, id string) *Client {
	t.Helper()
	p, err := g.tokens.IssuePair(time.Now(), auth.Identity{ProfileID: id, Role: string(role), FamilyID: "fam"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return NewClient(Config{BaseURL: g.srv.URL, Token: p.AccessToken, Timeout: 2 * time.Second}, nil)
}

func ringing(id string) calls.Call {
	return calls.Call{
		ID:            id,
		CallerType:    calls.RoleParent,
		RecipientType: calls.RoleChild,
		ParentID:      "P1",
		ChildID:       "C1",
		Status:        calls.StatusRinging,
		Offer:         &calls.SessionDescription{Type: "offer", SDP: "v=0"},
	}
}

func TestStore_RoundTripAndErrors(t *testing.T) {
	g := newGateway(t)
	ctx := context.Background()
	parent := NewStore(g.client(t, calls.RoleParent, "P1"))
	child := NewStore(g.client(t, calls.RoleChild, "C1"))

	if err := parent.Insert(ctx, ringing("c1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := child.Get(ctx, "c1")
	if err != nil || got.Status != calls.StatusRinging || got.Version == 0 {
		t.Fatalf("get: %+v err=%v", got, err)
	}

	updated, err := child.Update(ctx, "c1", callstore.Patch{
		Status: callstore.StatusPtr(calls.StatusActive),
		Answer: &calls.SessionDescription{Type: "answer", SDP: "v=0"},
	})
	if err != nil || updated.Status != calls.StatusActive || updated.Answer.Empty() {
		t.Fatalf("answer: %+v err=%v", updated, err)
	}

	_, err = parent.Update(ctx, "c1", callstore.Patch{
		Status:     callstore.StatusPtr(calls.StatusRinging),
		IfStatusIn: []calls.Status{calls.StatusInitiating},
	})
	if !errors.Is(err, callstore.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure, got %v", err)
	}

	if _, err := parent.Update(ctx, "c1", callstore.EndPatch(calls.RoleParent, calls.EndReasonHangup, time.Now())); err != nil {
		t.Fatalf("end: %v", err)
	}
	_, err = child.Update(ctx, "c1", callstore.EndPatch(calls.RoleChild, calls.EndReasonHangup, time.Now()))
	if !errors.Is(err, calls.ErrCallEnded) {
		t.Fatalf("expected ErrCallEnded, got %v", err)
	}

	if _, err := parent.Get(ctx, "missing"); !errors.Is(err, calls.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
	if _, err := parent.ListStale(ctx, time.Now()); !errors.Is(err, ErrGatewayOnly) {
		t.Fatalf("expected ErrGatewayOnly, got %v", err)
	}
}

func TestStore_Lists(t *testing.T) {
	g := newGateway(t)
	ctx := context.Background()
	parent := NewStore(g.client(t, calls.RoleParent, "P1"))

	if err := parent.Insert(ctx, ringing("c1")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	live, err := parent.ListLive(ctx, calls.RoleChild, "C1")
	if err != nil || len(live) != 1 || live[0].ID != "c1" {
		t.Fatalf("live: %+v err=%v", live, err)
	}
	mine, err := parent.ListByParticipant(ctx, calls.RoleParent, "P1", time.Now().Add(-time.Hour))
	if err != nil || len(mine) != 1 {
		t.Fatalf("history: %+v err=%v", mine, err)
	}
	if _, err := parent.ListByParticipant(ctx, calls.RoleParent, "P2", time.Now().Add(-time.Hour)); err == nil {
		t.Fatalf("expected foreign history to be refused")
	}
}

func TestStore_SubscribeStreamsChanges(t *testing.T) {
	g := newGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	parent := NewStore(g.client(t, calls.RoleParent, "P1"))
	child := NewStore(g.client(t, calls.RoleChild, "C1"))

	col, err := child.Subscribe(ctx, callstore.ByColumn(callstore.ColumnChildID, "C1"))
	if err != nil {
		t.Fatalf("subscribe column: %v", err)
	}
	defer col.Close()

	if err := parent.Insert(ctx, ringing("c1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	select {
	case ch := <-col.C():
		if ch.Op != callstore.OpInsert || ch.Call.ID != "c1" {
			t.Fatalf("unexpected change %+v", ch)
		}
	case <-ctx.Done():
		t.Fatalf("no insert delivered")
	}

	one, err := parent.Subscribe(ctx, callstore.ByCall("c1"))
	if err != nil {
		t.Fatalf("subscribe call: %v", err)
	}
	if _, err := child.Update(ctx, "c1", callstore.EndPatch(calls.RoleChild, calls.EndReasonDeclined, time.Now())); err != nil {
		t.Fatalf("decline: %v", err)
	}
	select {
	case ch := <-one.C():
		if ch.Call.Status != calls.StatusEnded || ch.Call.EndedBy != calls.RoleChild {
			t.Fatalf("unexpected change %+v", ch)
		}
	case <-ctx.Done():
		t.Fatalf("no update delivered")
	}

	if err := one.Close(); err != nil {
		t.Logf("close: %v", err)
	}
	_ = one.Close()
	for range one.C() {
	}
}

func TestStore_Unauthorized(t *testing.T) {
	g := newGateway(t)
	s := NewStore(NewClient(Config{BaseURL: g.srv.URL, Token: "garbage"}, nil))

	if _, err := s.Get(context.Background(), "c1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := s.Subscribe(context.Background(), callstore.ByCall("c1")); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized on watch, got %v", err)
	}
}

func TestDirectory(t *testing.T) {
	g := newGateway(t)
	ctx := context.Background()
	dir := NewDirectory(g.client(t, calls.RoleChild, "C1"))

	p, err := dir.ByProfileID(ctx, "P1")
	if err != nil || p.Role != calls.RoleParent || p.UserID != "auth-1" {
		t.Fatalf("by profile: %+v err=%v", p, err)
	}
	if p, err := dir.ByUserID(ctx, "auth-1"); err != nil || p.ID != "P1" {
		t.Fatalf("by user: %+v err=%v", p, err)
	}
	if _, err := dir.ByProfileID(ctx, "nobody"); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if p, err := dir.Legacy(ctx, "old"); err != nil || p.Role != calls.RoleFamilyMember || p.ID != "F1" {
		t.Fatalf("legacy: %+v err=%v", p, err)
	}
	parent, err := dir.ParentOfChild(ctx, "C1")
	if err != nil || parent != "P1" {
		t.Fatalf("parent of child: %q err=%v", parent, err)
	}

	// Resolver over the remote directory defaults only on a clean miss.
	res, err := identity.NewResolver(dir, nil, calls.RoleParent, nil).Resolve(ctx, identity.ProfileRef("nobody"))
	if err != nil || res.Source != identity.SourceDefault {
		t.Fatalf("resolve: %+v err=%v", res, err)
	}
}

func TestEvents_ForwardedToGateway(t *testing.T) {
	g := newGateway(t)
	ctx := context.Background()
	parent := g.client(t, calls.RoleParent, "P1")
	if err := NewStore(parent).Insert(ctx, ringing("c1")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rec, _ := g.store.Get(ctx, "c1")
	if err := NewEvents(parent).Emit(ctx, events.IncomingCall(rec)); err != nil {
		t.Fatalf("emit: %v", err)
	}
	got := g.events.Named(events.NameIncomingCall)
	if len(got) != 1 || got[0].TargetID != "C1" {
		t.Fatalf("expected forwarded incoming_call event, got %+v", got)
	}
}
