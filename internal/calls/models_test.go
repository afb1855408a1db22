package calls

import (
	"errors"
	"testing"
	"time"
)

func TestStatusRankIsForwardOnly(t *testing.T) {
	order := []Status{StatusInitiating, StatusRinging, StatusActive, StatusEnded}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Fatalf("expected %s to rank above %s", order[i], order[i-1])
		}
	}
	if Status("bogus").Rank() != 0 {
		t.Fatalf("expected unknown status to rank 0")
	}
}

func TestRoleSides(t *testing.T) {
	if RoleChild.Side() != SideChild {
		t.Fatalf("child must own the child list")
	}
	if RoleParent.Side() != SideAdult || RoleFamilyMember.Side() != SideAdult {
		t.Fatalf("adults must own the parent list")
	}
	if SideChild.Opposite() != SideAdult || SideAdult.Opposite() != SideChild {
		t.Fatalf("unexpected opposite side")
	}
	if _, ok := ParseRole("guardian"); ok {
		t.Fatalf("expected unknown role to be rejected")
	}
}

func TestCall_PartyLookups(t *testing.T) {
	c := Call{
		CallerType:     RoleChild,
		RecipientType:  RoleFamilyMember,
		ChildID:        "C1",
		ParentID:       "P1",
		FamilyMemberID: "F1",
	}
	if c.CallerID() != "C1" || c.RecipientID() != "F1" {
		t.Fatalf("unexpected caller/recipient: %q %q", c.CallerID(), c.RecipientID())
	}
	if !c.Involves(RoleFamilyMember, "F1") {
		t.Fatalf("expected family member to be involved")
	}
	// parent_id is populated for access control only; the parent is not a party.
	if c.Involves(RoleParent, "P1") {
		t.Fatalf("expected parent not to be a party")
	}
}

func TestCall_LastActivityPrefersNewest(t *testing.T) {
	created := time.Unix(1700000000, 0).UTC()
	answered := created.Add(time.Minute)
	c := Call{CreatedAt: created, UpdatedAt: created.Add(30 * time.Second), AnsweredAt: &answered}
	if !c.LastActivity().Equal(answered) {
		t.Fatalf("expected answered_at, got %v", c.LastActivity())
	}
	if !(Call{CreatedAt: created}).LastActivity().Equal(created) {
		t.Fatalf("expected created_at fallback")
	}
}

func TestPersistenceWrapsOnlyStoreFailures(t *testing.T) {
	err := Persistence("insert", errors.New("connection reset"))
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	var pe *PersistenceError
	if !errors.As(err, &pe) || pe.Op != "insert" {
		t.Fatalf("expected PersistenceError with op")
	}
	if got := Persistence("get", ErrRecordNotFound); got != ErrRecordNotFound {
		t.Fatalf("expected not-found to pass through, got %v", got)
	}
	if Persistence("x", nil) != nil {
		t.Fatalf("expected nil")
	}
}
