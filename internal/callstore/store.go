// Package callstore is the shared call-record mailbox both participants signal through:
// point reads, inserts, field-level patches and change notifications scoped to one
// record or to one participant column.
package callstore

import (
	"context"
	"errors"
	"time"

	"family-calls/internal/calls"
)

// ErrPreconditionFailed is returned when Patch.IfStatusIn does not hold.
var ErrPreconditionFailed = errors.New("callstore: precondition failed")

var errDuplicateID = errors.New("callstore: duplicate id")

type Reader interface {
	// Get returns calls.ErrRecordNotFound when id does not resolve.
	Get(ctx context.Context, id string) (calls.Call, error)
}

type Writer interface {
	Insert(ctx context.Context, c calls.Call) error
	// Update applies p atomically against the current row and returns the new row.
	// Writes to an ended record fail with calls.ErrCallEnded.
	Update(ctx context.Context, id string, p Patch) (calls.Call, error)
}

type Lister interface {
	// ListLive returns non-ended records where (role, id) is caller or recipient.
	ListLive(ctx context.Context, role calls.Role, id string) ([]calls.Call, error)
	// ListStale returns initiating/ringing records created before cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]calls.Call, error)
	// ListByParticipant returns records involving (role, id) created at or after since.
	ListByParticipant(ctx context.Context, role calls.Role, id string, since time.Time) ([]calls.Call, error)
}

type Subscriber interface {
	Subscribe(ctx context.Context, f Filter) (Subscription, error)
}

// Store is the full record-store surface.
type Store interface {
	Reader
	Writer
	Lister
	Subscriber
}

// Op names the kind of write that produced a Change.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
)

// Change is one notification. Delivery is at-least-once; consumers must be idempotent.
type Change struct {
	Op   Op         `json:"op"`
	Call calls.Call `json:"call"`
}

// Subscription is a live change stream. Close is idempotent.
type Subscription interface {
	C() <-chan Change
	Close() error
}

// Column names a participant foreign key a Filter may scope on.
type Column string

const (
	ColumnChildID        Column = "child_id"
	ColumnParentID       Column = "parent_id"
	ColumnFamilyMemberID Column = "family_member_id"
)

func (c Column) Valid() bool {
	switch c {
	case ColumnChildID, ColumnParentID, ColumnFamilyMemberID:
		return true
	default:
		return false
	}
}

// ColumnFor returns the foreign key column a participant of role is stored under.
func ColumnFor(role calls.Role) Column {
	switch role {
	case calls.RoleChild:
		return ColumnChildID
	case calls.RoleFamilyMember:
		return ColumnFamilyMemberID
	default:
		return ColumnParentID
	}
}

// Filter scopes a subscription: either one record (CallID) or rows where Column = Value.
type Filter struct {
	CallID string
	Column Column
	Value  string
}

// ByCall scopes to a single record.
func ByCall(id string) Filter { return Filter{CallID: id} }

// ByColumn scopes to rows where column = value.
func ByColumn(col Column, value string) Filter { return Filter{Column: col, Value: value} }

func (f Filter) Validate() error {
	if f.CallID != "" {
		return nil
	}
	if !f.Column.Valid() || f.Value == "" {
		return calls.ErrInvalidArgument
	}
	return nil
}

// Matches reports whether c falls inside the filter.
func (f Filter) Matches(c calls.Call) bool {
	if f.CallID != "" {
		return c.ID == f.CallID
	}
	switch f.Column {
	case ColumnChildID:
		return c.ChildID == f.Value
	case ColumnParentID:
		return c.ParentID == f.Value
	case ColumnFamilyMemberID:
		return c.FamilyMemberID == f.Value
	default:
		return false
	}
}
