// Package ice moves ICE candidates through the call record. Each side appends
// to its own list; the store has no atomic append, so every (call, side) gets a
// single writer that coalesces whatever is pending into one versioned
// read-modify-write.
package ice

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"family-calls/internal/calls"
	"family-calls/internal/callstore"
)

var ErrRelayClosed = errors.New("ice: relay closed")

type RecordStore interface {
	Get(ctx context.Context, id string) (calls.Call, error)
	Update(ctx context.Context, id string, p callstore.Patch) (calls.Call, error)
}

type Options struct {
	// WriteTimeout bounds a single read-modify-write cycle.
	WriteTimeout time.Duration
	// MaxAttempts bounds retries of one batch (version conflicts and store errors).
	MaxAttempts int
	Backoff     time.Duration
	// TombstoneTTL is how long an ended call keeps dropping late candidates.
	TombstoneTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 8
	}
	if o.Backoff <= 0 {
		o.Backoff = 50 * time.Millisecond
	}
	if o.TombstoneTTL <= 0 {
		o.TombstoneTTL = time.Minute
	}
	return o
}

type laneKey struct {
	callID string
	side   calls.Side
}

type lane struct {
	pending []calls.Candidate
	running bool
	ended   bool
	endedAt time.Time
	idle    chan struct{}
}

// end requires Relay.mu.
func (l *lane) end(at time.Time) {
	if !l.ended {
		l.ended = true
		l.endedAt = at
	}
	l.pending = nil
}

// Relay is safe for concurrent use.
type Relay struct {
	store RecordStore
	opts  Options
	log   *slog.Logger
	clock func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	lanes  map[laneKey]*lane
	closed bool
	wg     sync.WaitGroup
}

func NewRelay(store RecordStore, opts Options, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		store:  store,
		opts:   opts.withDefaults(),
		log:    log,
		clock:  time.Now,
		ctx:    ctx,
		cancel: cancel,
		lanes:  map[laneKey]*lane{},
	}
}

// Add queues a locally discovered candidate for side's list. It never blocks on I/O.
// Candidates for a call already known to be ended are dropped.
func (r *Relay) Add(callID string, side calls.Side, c calls.Candidate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRelayClosed
	}
	key := laneKey{callID: callID, side: side}
	l := r.lanes[key]
	if l == nil {
		l = &lane{}
		r.lanes[key] = l
	}
	if l.ended {
		return nil
	}
	l.pending = append(l.pending, c)
	if !l.running {
		l.running = true
		l.idle = make(chan struct{})
		r.wg.Add(1)
		go r.drain(key, l)
	}
	return nil
}

// Flush waits until every queued candidate for callID has been written or dropped.
func (r *Relay) Flush(ctx context.Context, callID string) error {
	r.mu.Lock()
	var waits []chan struct{}
	for k, l := range r.lanes {
		if k.callID == callID && l.running {
			waits = append(waits, l.idle)
		}
	}
	r.mu.Unlock()

	for _, w := range waits {
		select {
		case <-w:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Forget stops relaying for callID. Pending candidates are dropped and Adds
// for the call are ignored until the tombstone expires.
func (r *Relay) Forget(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	r.prune(now)
	for _, side := range []calls.Side{calls.SideChild, calls.SideAdult} {
		key := laneKey{callID: callID, side: side}
		l := r.lanes[key]
		if l == nil {
			l = &lane{}
			r.lanes[key] = l
		}
		l.end(now)
	}
}

// prune drops expired tombstones. It requires r.mu.
func (r *Relay) prune(now time.Time) {
	for k, l := range r.lanes {
		if l.ended && !l.running && now.Sub(l.endedAt) > r.opts.TombstoneTTL {
			delete(r.lanes, k)
		}
	}
}

// Close cancels in-flight writes and waits for every writer to exit.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}

func (r *Relay) drain(key laneKey, l *lane) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		batch := l.pending
		l.pending = nil
		if len(batch) == 0 || l.ended {
			l.running = false
			close(l.idle)
			// A drained live lane is recreated by the next Add; ended lanes
			// stay as tombstones until pruned.
			if !l.ended && r.lanes[key] == l {
				delete(r.lanes, key)
			}
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		if ended := r.write(key, batch); ended {
			r.mu.Lock()
			l.end(r.clock())
			r.mu.Unlock()
		}
	}
}

// write appends batch to the stored list, retrying on version conflicts.
// It reports whether the record turned out to be ended.
func (r *Relay) write(key laneKey, batch []calls.Candidate) bool {
	log := r.log.With("call_id", key.callID, "side", key.side)
	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		if r.ctx.Err() != nil {
			return false
		}
		ctx, cancel := context.WithTimeout(r.ctx, r.opts.WriteTimeout)
		err := r.appendOnce(ctx, key, batch)
		cancel()

		switch {
		case err == nil:
			log.Debug("ice candidates written", "count", len(batch), "attempt", attempt)
			return false
		case errors.Is(err, calls.ErrCallEnded):
			log.Debug("ice candidates dropped, call ended", "count", len(batch))
			return true
		case errors.Is(err, calls.ErrRecordNotFound):
			log.Warn("ice candidates dropped, record missing", "count", len(batch))
			return true
		case errors.Is(err, calls.ErrVersionConflict):
			log.Debug("ice write conflict, retrying", "attempt", attempt)
		default:
			log.Warn("ice write failed", "attempt", attempt, "err", err)
		}

		select {
		case <-time.After(r.opts.Backoff * time.Duration(attempt)):
		case <-r.ctx.Done():
			return false
		}
	}
	log.Warn("ice candidates dropped after retries", "count", len(batch))
	return false
}

func (r *Relay) appendOnce(ctx context.Context, key laneKey, batch []calls.Candidate) error {
	cur, err := r.store.Get(ctx, key.callID)
	if err != nil {
		return err
	}
	if cur.Terminal() {
		return calls.ErrCallEnded
	}
	stored := cur.Candidates(key.side)
	next := make([]calls.Candidate, 0, len(stored)+len(batch))
	next = append(next, stored...)
	added := 0
	for _, c := range batch {
		// A retry after an ambiguous failure may find the batch already stored.
		if contains(stored, c) {
			continue
		}
		next = append(next, c)
		added++
	}
	if added == 0 {
		return nil
	}
	_, err = r.store.Update(ctx, key.callID, callstore.Patch{
		Candidates: &callstore.SideCandidates{Side: key.side, List: next},
		IfVersion:  cur.Version,
	})
	return err
}

func contains(list []calls.Candidate, c calls.Candidate) bool {
	for _, s := range list {
		if s.Candidate == c.Candidate && ptrEq(s.SDPMid, c.SDPMid) && u16Eq(s.SDPMLineIndex, c.SDPMLineIndex) {
			return true
		}
	}
	return false
}

func ptrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func u16Eq(a, b *uint16) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
