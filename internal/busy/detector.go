// Package busy answers "does this participant already have a live call?" before a
// new call is created. It only reads.
package busy

import (
	"context"
	"log/slog"
	"time"

	"family-calls/internal/calls"
	"family-calls/internal/callstore"
)

const (
	ReasonLiveCall = "live_call"
)

type Result struct {
	IsBusy       bool   `json:"is_busy"`
	ActiveCallID string `json:"active_call_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Detector checks the store for non-ended records involving a participant.
type Detector struct {
	store       callstore.Lister
	ringTimeout time.Duration
	clock       func() time.Time
	log         *slog.Logger
}

// NewDetector builds a detector. Records still initiating/ringing after
// ringTimeout are treated as missed calls awaiting the sweep and never make a
// participant busy. A zero ringTimeout disables that allowance.
func NewDetector(store callstore.Lister, ringTimeout time.Duration, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{store: store, ringTimeout: ringTimeout, clock: time.Now, log: log}
}

// WithClock overrides the time source.
func (d *Detector) WithClock(clock func() time.Time) *Detector {
	d.clock = clock
	return d
}

// Check reports the first live call found for id under any of roles. The id is
// ambiguous for child-initiated calls, so callers pass every role it might hold.
func (d *Detector) Check(ctx context.Context, id string, roles ...calls.Role) (Result, error) {
	if id == "" || len(roles) == 0 {
		return Result{}, calls.ErrInvalidArgument
	}
	now := d.clock()
	for _, role := range roles {
		live, err := d.store.ListLive(ctx, role, id)
		if err != nil {
			return Result{}, calls.Persistence("busy check", err)
		}
		for _, c := range live {
			if d.stale(c, now) {
				continue
			}
			d.log.Info("callee busy", "callee_id", id, "role", role, "active_call_id", c.ID, "status", c.Status)
			return Result{IsBusy: true, ActiveCallID: c.ID, Reason: ReasonLiveCall}, nil
		}
	}
	return Result{}, nil
}

func (d *Detector) stale(c calls.Call, now time.Time) bool {
	if d.ringTimeout <= 0 || c.Status.Rank() >= calls.StatusActive.Rank() {
		return false
	}
	return now.Sub(c.CreatedAt) > d.ringTimeout
}
