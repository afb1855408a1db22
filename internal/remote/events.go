package remote

import (
	"context"
	"net/http"

	"family-calls/internal/events"
)

// Events forwards lifecycle events to the gateway, which records and fans them out.
type Events struct {
	c *Client
}

func NewEvents(c *Client) *Events { return &Events{c: c} }

var _ events.Emitter = (*Events)(nil)

func (e *Events) Emit(ctx context.Context, ev events.Event) error {
	return e.c.call(ctx, http.MethodPost, "/v1/events", nil, ev, nil)
}
