package ice

import (
	"sync"

	"family-calls/internal/calls"
)

// Consumer hands out the remote side's candidates from successive observations
// of a record, each exactly once and in list order.
type Consumer struct {
	side calls.Side

	mu   sync.Mutex
	seen int
}

// NewConsumer reads the list owned by remote.
func NewConsumer(remote calls.Side) *Consumer { return &Consumer{side: remote} }

// Next returns candidates not yet returned. Observations may arrive out of order
// or repeat; an older, shorter list yields nothing.
func (c *Consumer) Next(call calls.Call) []calls.Candidate {
	list := call.Candidates(c.side)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(list) <= c.seen {
		return nil
	}
	out := make([]calls.Candidate, len(list)-c.seen)
	copy(out, list[c.seen:])
	c.seen = len(list)
	return out
}

// Seen is the number of candidates already handed out.
func (c *Consumer) Seen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen
}
