package callstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "calls:"

// RedisFeed fans changes out across API instances with Redis pub/sub. Every change is
// published to the record channel and to one channel per populated participant column.
type RedisFeed struct {
	rdb redis.UniversalClient
	log *slog.Logger
}

func NewRedisFeed(rdb redis.UniversalClient, log *slog.Logger) *RedisFeed {
	if log == nil {
		log = slog.Default()
	}
	return &RedisFeed{rdb: rdb, log: log}
}

// ChannelsFor lists every channel a change to c is published on.
func ChannelsFor(ch Change) []string {
	c := ch.Call
	out := []string{channelName(ByCall(c.ID))}
	if c.ChildID != "" {
		out = append(out, channelName(ByColumn(ColumnChildID, c.ChildID)))
	}
	if c.ParentID != "" {
		out = append(out, channelName(ByColumn(ColumnParentID, c.ParentID)))
	}
	if c.FamilyMemberID != "" {
		out = append(out, channelName(ByColumn(ColumnFamilyMemberID, c.FamilyMemberID)))
	}
	return out
}

func channelName(f Filter) string {
	if f.CallID != "" {
		return channelPrefix + "id:" + f.CallID
	}
	return channelPrefix + string(f.Column) + ":" + f.Value
}

func (f *RedisFeed) Publish(ctx context.Context, ch Change) error {
	payload, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	pipe := f.rdb.Pipeline()
	for _, name := range ChannelsFor(ch) {
		pipe.Publish(ctx, name, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (f *RedisFeed) Subscribe(ctx context.Context, flt Filter) (Subscription, error) {
	if err := flt.Validate(); err != nil {
		return nil, err
	}
	ps := f.rdb.Subscribe(ctx, channelName(flt))
	// Wait for the subscription confirmation so no publish after return is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	s := &redisSub{ps: ps, ch: make(chan Change, subscriptionBuffer), done: make(chan struct{})}
	go s.pump(ctx, flt, f.log)
	return s, nil
}

type redisSub struct {
	ps   *redis.PubSub
	ch   chan Change
	done chan struct{}
	once sync.Once
}

func (s *redisSub) C() <-chan Change { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *redisSub) pump(ctx context.Context, flt Filter, log *slog.Logger) {
	defer close(s.ch)
	msgs := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return
		case <-s.done:
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			var ch Change
			if err := json.Unmarshal([]byte(m.Payload), &ch); err != nil {
				log.Warn("undecodable change", "channel", m.Channel, "err", err)
				continue
			}
			if !flt.Matches(ch.Call) {
				continue
			}
			select {
			case s.ch <- ch:
			case <-s.done:
				return
			default:
				log.Warn("change dropped for slow subscriber", "call_id", ch.Call.ID, "op", string(ch.Op))
			}
		}
	}
}
