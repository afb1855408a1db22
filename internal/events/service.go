package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for lifecycle events. Append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Publisher delivers an event to an outside collaborator (push, UI bridge).
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Emitter is what call flows depend on.
type Emitter interface {
	Emit(ctx context.Context, e Event) error
}

var ErrInvalidEvent = errors.New("events: invalid event")

// Service records an event and fans it out. Callers should treat it as best-effort.
type Service struct {
	repo       Repository
	publishers []Publisher
	clock      func() time.Time
	log        *slog.Logger
}

func NewService(repo Repository, log *slog.Logger, publishers ...Publisher) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, publishers: publishers, clock: time.Now, log: log}
}

// Emit appends e and hands it to every publisher. Every failure is logged; the
// joined error is returned for callers that care.
func (s *Service) Emit(ctx context.Context, e Event) error {
	if e.Name == "" || e.CallID == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}

	var errs []error
	if s.repo != nil {
		if err := s.repo.Append(ctx, e); err != nil {
			s.log.Warn("event append failed", "event", e.Name, "call_id", e.CallID, "err", err)
			errs = append(errs, err)
		}
	}
	for _, p := range s.publishers {
		if err := p.Publish(ctx, e); err != nil {
			s.log.Warn("event publish failed", "event", e.Name, "call_id", e.CallID, "err", err)
			errs = append(errs, err)
		}
	}
	s.log.Info("call event", "event", e.Name, "call_id", e.CallID, "target_role", e.TargetRole)
	return errors.Join(errs...)
}
