package outgoing

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"family-calls/internal/busy"
	"family-calls/internal/calls"
	"family-calls/internal/callstore"
	"family-calls/internal/events"
	"family-calls/internal/identity"
)

var offer = calls.SessionDescription{Type: "offer", SDP: "v=0..."}

type directory struct {
	profiles map[string]identity.Profile
	parents  map[string]string
}

func (d directory) ByProfileID(_ context.Context, id string) (identity.Profile, error) {
	if p, ok := d.profiles[id]; ok {
		return p, nil
	}
	return identity.Profile{}, identity.ErrNotFound
}

func (d directory) ByUserID(context.Context, string) (identity.Profile, error) {
	return identity.Profile{}, identity.ErrNotFound
}

func (d directory) Legacy(context.Context, string) (identity.Profile, error) {
	return identity.Profile{}, identity.ErrNotFound
}

func (d directory) ParentOfChild(_ context.Context, childID string) (string, error) {
	if p, ok := d.parents[childID]; ok {
		return p, nil
	}
	return "", identity.ErrNotFound
}

type fixture struct {
	store  *callstore.MemoryStore
	events *events.MemoryRepo
	dir    directory
	deps   Deps
}

func newFixture() *fixture {
	store := callstore.NewMemoryStore()
	ev := events.NewMemoryRepo()
	dir := directory{
		profiles: map[string]identity.Profile{
			"U1": {Role: calls.RoleFamilyMember, ID: "U1'"},
			"P1": {Role: calls.RoleParent, ID: "P1"},
		},
		parents: map[string]string{"C1": "P1"},
	}
	return &fixture{
		store:  store,
		events: ev,
		dir:    dir,
		deps: Deps{
			Store:   store,
			Busy:    busy.NewDetector(store, 45*time.Second, nil),
			Events:  events.NewService(ev, nil),
			Parents: dir,
		},
	}
}

func (f *fixture) childToAdult(defaultRole calls.Role) *ChildToAdult {
	return NewChildToAdult(f.deps, identity.NewResolver(f.dir, identity.NewMemoryHints(), defaultRole, nil))
}

func TestAdultToChild_WritesRingingRecord(t *testing.T) {
	f := newFixture()

	res, err := NewAdultToChild(f.deps).Initiate(context.Background(), Request{
		CallerRole: calls.RoleParent,
		CallerID:   "P1",
		Target:     identity.ProfileRef("C1"),
		Offer:      offer,
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	c, err := f.store.Get(context.Background(), res.CallID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.CallerType != calls.RoleParent || c.ParentID != "P1" || c.ChildID != "C1" || c.Status != calls.StatusRinging {
		t.Fatalf("unexpected record: %+v", c)
	}
	if c.Offer == nil || c.Offer.SDP != "v=0..." {
		t.Fatalf("expected offer attached")
	}
	if c.ChildICECandidates == nil || len(c.ChildICECandidates) != 0 {
		t.Fatalf("expected empty child candidate list, got %v", c.ChildICECandidates)
	}
	if f.store.Writes() != 1 {
		t.Fatalf("expected a single write, got %d", f.store.Writes())
	}
	if got := f.events.Named(events.NameIncomingCall); len(got) != 1 || got[0].TargetID != "C1" {
		t.Fatalf("expected incoming_call to child, got %+v", got)
	}
}

func TestAdultToChild_FamilyMemberCarriesChildsParent(t *testing.T) {
	f := newFixture()

	res, err := NewAdultToChild(f.deps).Initiate(context.Background(), Request{
		CallerRole: calls.RoleFamilyMember,
		CallerID:   "F1",
		Target:     identity.ProfileRef("C1"),
		Offer:      offer,
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Call.FamilyMemberID != "F1" || res.Call.ParentID != "P1" {
		t.Fatalf("unexpected record: %+v", res.Call)
	}
}

func TestAdultToChild_BusyChildWritesNothing(t *testing.T) {
	f := newFixture()
	init := NewAdultToChild(f.deps)
	req := Request{CallerRole: calls.RoleParent, CallerID: "P1", Target: identity.ProfileRef("C1"), Offer: offer}
	if _, err := init.Initiate(context.Background(), req); err != nil {
		t.Fatalf("first call: %v", err)
	}
	before := f.store.Writes()

	req.CallerID = "P2"
	_, err := init.Initiate(context.Background(), req)
	if !errors.Is(err, calls.ErrCalleeBusy) {
		t.Fatalf("expected ErrCalleeBusy, got %v", err)
	}
	if f.store.Writes() != before {
		t.Fatalf("expected no write for busy callee")
	}
}

func TestAdultToChild_RejectsChildCallerAndMissingOffer(t *testing.T) {
	f := newFixture()
	init := NewAdultToChild(f.deps)

	_, err := init.Initiate(context.Background(), Request{CallerRole: calls.RoleChild, CallerID: "C9", Target: identity.ProfileRef("C1"), Offer: offer})
	if !errors.Is(err, calls.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	_, err = init.Initiate(context.Background(), Request{CallerRole: calls.RoleParent, CallerID: "P1", Target: identity.ProfileRef("C1")})
	if !errors.Is(err, calls.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestChildToAdult_ResolvesFamilyMember(t *testing.T) {
	f := newFixture()

	res, err := f.childToAdult(calls.RoleParent).Initiate(context.Background(), Request{
		CallerRole: calls.RoleChild,
		CallerID:   "C1",
		Target:     identity.ProfileRef("U1"),
		Offer:      offer,
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.RecipientType != calls.RoleFamilyMember || res.RecipientID != "U1'" {
		t.Fatalf("unexpected result: %+v", res)
	}

	c, _ := f.store.Get(context.Background(), res.CallID)
	if c.CallerType != calls.RoleChild || c.RecipientType != calls.RoleFamilyMember {
		t.Fatalf("unexpected roles: %+v", c)
	}
	if c.FamilyMemberID != "U1'" || c.ParentID != "P1" || c.ChildID != "C1" {
		t.Fatalf("unexpected foreign keys: %+v", c)
	}
	if c.Status != calls.StatusRinging {
		t.Fatalf("expected ringing, got %s", c.Status)
	}
	if f.store.Len() != 1 {
		t.Fatalf("expected exactly one record, got %d", f.store.Len())
	}
}

func TestChildToAdult_ParentRecordHasOnlyParentKey(t *testing.T) {
	f := newFixture()

	res, err := f.childToAdult(calls.RoleParent).Initiate(context.Background(), Request{
		CallerRole: calls.RoleChild,
		CallerID:   "C1",
		Target:     identity.ProfileRef("P1"),
		Offer:      offer,
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Call.ParentID != "P1" || res.Call.FamilyMemberID != "" || res.Call.CallerType != calls.RoleChild {
		t.Fatalf("unexpected record: %+v", res.Call)
	}
}

func TestChildToAdult_InsertsInitiatingThenRings(t *testing.T) {
	f := newFixture()
	sub, err := f.store.Subscribe(context.Background(), callstore.ByColumn(callstore.ColumnChildID, "C1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := f.childToAdult(calls.RoleParent).Initiate(context.Background(), Request{
		CallerRole: calls.RoleChild,
		CallerID:   "C1",
		Target:     identity.ProfileRef("P1"),
		Offer:      offer,
	}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	want := []calls.Status{calls.StatusInitiating, calls.StatusRinging}
	for _, status := range want {
		select {
		case ch := <-sub.C():
			if ch.Call.Status != status {
				t.Fatalf("expected %s, got %s", status, ch.Call.Status)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected %s change", status)
		}
	}
	if n := len(f.events.Named(events.NameIncomingCall)); n != 1 {
		t.Fatalf("expected one incoming_call, got %d", n)
	}
}

func TestChildToAdult_BusyUnderEitherRole(t *testing.T) {
	f := newFixture()
	if err := f.store.Insert(context.Background(), calls.Call{
		ID: "existing", CallerType: calls.RoleChild, RecipientType: calls.RoleFamilyMember,
		ChildID: "C2", FamilyMemberID: "U1", Status: calls.StatusRinging, Offer: &offer,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	before := f.store.Writes()

	_, err := f.childToAdult(calls.RoleParent).Initiate(context.Background(), Request{
		CallerRole: calls.RoleChild,
		CallerID:   "C1",
		Target:     identity.ProfileRef("U1"),
		Offer:      offer,
	})
	if !errors.Is(err, calls.ErrCalleeBusy) {
		t.Fatalf("expected ErrCalleeBusy, got %v", err)
	}
	if f.store.Writes() != before {
		t.Fatalf("expected no write")
	}
}

func TestChildToAdult_UnresolvedWithoutDefault(t *testing.T) {
	f := newFixture()

	_, err := f.childToAdult("").Initiate(context.Background(), Request{
		CallerRole: calls.RoleChild,
		CallerID:   "C1",
		Target:     identity.ProfileRef("stranger"),
		Offer:      offer,
	})
	if !errors.Is(err, calls.ErrIdentityUnresolved) {
		t.Fatalf("expected ErrIdentityUnresolved, got %v", err)
	}
	if f.store.Writes() != 0 {
		t.Fatalf("expected no write")
	}
}

func TestChildToAdult_PersistenceFailurePropagates(t *testing.T) {
	f := newFixture()
	f.store.FailWrites = errors.New("db down")

	_, err := f.childToAdult(calls.RoleParent).Initiate(context.Background(), Request{
		CallerRole: calls.RoleChild,
		CallerID:   "C1",
		Target:     identity.ProfileRef("P1"),
		Offer:      offer,
	})
	if !errors.Is(err, calls.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if len(f.events.Events()) != 0 {
		t.Fatalf("expected no event for a call that was never created")
	}
}

// failPromote lets the insert through and fails the ringing update.
type failPromote struct {
	*callstore.MemoryStore
	failed bool
}

func (s *failPromote) Update(ctx context.Context, id string, p callstore.Patch) (calls.Call, error) {
	if p.Status != nil && *p.Status == calls.StatusRinging && !s.failed {
		s.failed = true
		return calls.Call{}, errors.New("timeout")
	}
	return s.MemoryStore.Update(ctx, id, p)
}

func TestChildToAdult_FailedPromotionAbandonsRecord(t *testing.T) {
	f := newFixture()
	store := &failPromote{MemoryStore: f.store}
	f.deps.Store = store

	_, err := f.childToAdult(calls.RoleParent).Initiate(context.Background(), Request{
		CallerRole: calls.RoleChild,
		CallerID:   "C1",
		Target:     identity.ProfileRef("P1"),
		Offer:      offer,
	})
	if !errors.Is(err, calls.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	live, _ := f.store.ListLive(context.Background(), calls.RoleChild, "C1")
	if len(live) != 0 {
		t.Fatalf("expected initiating record to be ended, got %+v", live)
	}
}

type brokenEmitter struct{}

func (brokenEmitter) Emit(context.Context, events.Event) error {
	return errors.New("broker unreachable")
}

func TestAdultToChild_LostAnnouncementIsLoggedNotFatal(t *testing.T) {
	f := newFixture()
	var logs bytes.Buffer
	f.deps.Events = brokenEmitter{}
	f.deps.Log = slog.New(slog.NewTextHandler(&logs, nil))

	res, err := NewAdultToChild(f.deps).Initiate(context.Background(), Request{
		CallerRole: calls.RoleParent,
		CallerID:   "P1",
		Target:     identity.ProfileRef("C1"),
		Offer:      offer,
	})
	if err != nil {
		t.Fatalf("a failed notification must not fail the call: %v", err)
	}
	if c, _ := f.store.Get(context.Background(), res.CallID); c.Status != calls.StatusRinging {
		t.Fatalf("expected ringing record, got %s", c.Status)
	}
	out := logs.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "incoming_call event not delivered") || !strings.Contains(out, res.CallID) {
		t.Fatalf("expected a warning naming the call, got %q", out)
	}
}
