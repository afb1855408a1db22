package reporting

import (
	"context"
	"errors"
	"sort"
	"time"

	"family-calls/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository is the read side of the call store.
type Repository interface {
	ListByParticipant(ctx context.Context, role calls.Role, id string, since time.Time) ([]calls.Call, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

// History summarizes the calls (role, id) took part in inside the range.
// Duration counts answered calls only, from answer to end.
func (s *Service) History(ctx context.Context, req HistoryRequest) (HistorySummary, error) {
	if !req.Role.Valid() || req.ParticipantID == "" {
		return HistorySummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return HistorySummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return HistorySummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListByParticipant(ctx, req.Role, req.ParticipantID, req.Range.From)
	if err != nil {
		return HistorySummary{}, calls.Persistence("history", err)
	}

	out := HistorySummary{Role: req.Role, ParticipantID: req.ParticipantID, Contacts: []ContactSummary{}}
	contacts := map[string]*ContactSummary{}
	answered := 0
	for _, c := range rows {
		if !c.CreatedAt.Before(req.Range.To) {
			continue
		}
		out.TotalCalls++

		peerRole := c.RecipientType
		if c.CallerType == req.Role && c.CallerID() == req.ParticipantID {
			out.OutgoingCalls++
		} else {
			out.IncomingCalls++
			peerRole = c.CallerType
		}

		switch {
		case !c.Terminal():
			out.InProgressCalls++
		case c.MissedCall || c.EndReason == calls.EndReasonMissed:
			out.MissedCalls++
		case c.EndReason == calls.EndReasonDeclined:
			out.DeclinedCalls++
		case c.AnsweredAt == nil && c.EndReason == calls.EndReasonError:
			out.FailedCalls++
		}
		if c.AnsweredAt != nil {
			out.AnsweredCalls++
			if c.EndedAt != nil && c.EndedAt.After(*c.AnsweredAt) {
				out.TotalDurationSeconds += int(c.EndedAt.Sub(*c.AnsweredAt).Seconds())
				answered++
			}
		}

		key := string(peerRole) + ":" + c.PartyID(peerRole)
		cs, ok := contacts[key]
		if !ok {
			cs = &ContactSummary{Role: peerRole, ID: c.PartyID(peerRole)}
			contacts[key] = cs
		}
		cs.Calls++
		if c.MissedCall {
			cs.Missed++
		}
		if c.CreatedAt.After(cs.LastCallAt) {
			cs.LastCallAt = c.CreatedAt
		}
	}
	if answered > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / answered
	}

	for _, cs := range contacts {
		out.Contacts = append(out.Contacts, *cs)
	}
	sort.Slice(out.Contacts, func(i, j int) bool {
		return out.Contacts[i].LastCallAt.After(out.Contacts[j].LastCallAt)
	})
	return out, nil
}
