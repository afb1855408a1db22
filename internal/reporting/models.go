package reporting

import (
	"time"

	"family-calls/internal/calls"
)

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// HistoryRequest asks for one participant's call history.
type HistoryRequest struct {
	Role          calls.Role `json:"role"`
	ParticipantID string     `json:"participant_id"`
	Range         TimeRange  `json:"range"`
}

type HistorySummary struct {
	Role          calls.Role `json:"role"`
	ParticipantID string     `json:"participant_id"`

	TotalCalls      int `json:"total_calls"`
	OutgoingCalls   int `json:"outgoing_calls"`
	IncomingCalls   int `json:"incoming_calls"`
	AnsweredCalls   int `json:"answered_calls"`
	MissedCalls     int `json:"missed_calls"`
	DeclinedCalls   int `json:"declined_calls"`
	FailedCalls     int `json:"failed_calls"`
	InProgressCalls int `json:"in_progress_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	Contacts []ContactSummary `json:"contacts"`
}

// ContactSummary aggregates calls with one counterparty.
type ContactSummary struct {
	Role       calls.Role `json:"role"`
	ID         string     `json:"id"`
	Calls      int        `json:"calls"`
	Missed     int        `json:"missed"`
	LastCallAt time.Time  `json:"last_call_at"`
}
