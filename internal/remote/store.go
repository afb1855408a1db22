package remote

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"family-calls/internal/calls"
	"family-calls/internal/callstore"

	"github.com/gorilla/websocket"
)

// ErrGatewayOnly marks store operations that only the gateway runs.
var ErrGatewayOnly = errors.New("remote: operation runs on the gateway only")

// Store is a callstore.Store backed by the gateway.
type Store struct {
	c *Client
}

func NewStore(c *Client) *Store { return &Store{c: c} }

var _ callstore.Store = (*Store)(nil)

type listResponse struct {
	Calls []calls.Call `json:"calls"`
}

func (s *Store) Get(ctx context.Context, id string) (calls.Call, error) {
	var out calls.Call
	err := s.c.call(ctx, http.MethodGet, "/v1/records/calls/{id}", map[string]string{"id": id}, nil, &out)
	return out, err
}

func (s *Store) Insert(ctx context.Context, c calls.Call) error {
	return s.c.call(ctx, http.MethodPost, "/v1/records/calls", nil, c, nil)
}

func (s *Store) Update(ctx context.Context, id string, p callstore.Patch) (calls.Call, error) {
	var out calls.Call
	err := s.c.call(ctx, http.MethodPatch, "/v1/records/calls/{id}", map[string]string{"id": id}, p, &out)
	return out, err
}

func (s *Store) ListLive(ctx context.Context, role calls.Role, id string) ([]calls.Call, error) {
	var out listResponse
	err := s.c.call(ctx, http.MethodGet, "/v1/records/calls", map[string]string{
		"live": "true",
		"role": string(role),
		"id":   id,
	}, nil, &out)
	return out.Calls, err
}

func (s *Store) ListStale(context.Context, time.Time) ([]calls.Call, error) {
	return nil, ErrGatewayOnly
}

func (s *Store) ListByParticipant(ctx context.Context, role calls.Role, id string, since time.Time) ([]calls.Call, error) {
	var out listResponse
	err := s.c.call(ctx, http.MethodGet, "/v1/records/calls", map[string]string{
		"role":  string(role),
		"id":    id,
		"since": since.UTC().Format(time.RFC3339),
	}, nil, &out)
	return out.Calls, err
}

// Subscribe opens a websocket watch. The subscription ends when ctx is done,
// Close is called, or the gateway goes away; consumers fall back to polling.
func (s *Store) Subscribe(ctx context.Context, f callstore.Filter) (callstore.Subscription, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	u := s.c.wsBase + "/v1/records/watch?" + url.Values{"column": {string(f.Column)}, "value": {f.Value}}.Encode()
	if f.CallID != "" {
		u = s.c.wsBase + "/v1/records/calls/" + url.PathEscape(f.CallID) + "/watch"
	}

	hdr := http.Header{}
	if s.c.token != "" {
		hdr.Set("Authorization", "Bearer "+s.c.token)
	}
	conn, resp, err := s.c.dialer.DialContext(ctx, u, hdr)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, ErrUnauthorized
			case http.StatusNotFound:
				return nil, calls.ErrRecordNotFound
			}
		}
		return nil, calls.Persistence("subscribe", err)
	}

	sub := &wsSub{conn: conn, ch: make(chan callstore.Change, 64), done: make(chan struct{})}
	go sub.read(s.c)
	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

type wsSub struct {
	conn *websocket.Conn
	ch   chan callstore.Change
	done chan struct{}
	once sync.Once
}

func (w *wsSub) C() <-chan callstore.Change { return w.ch }

func (w *wsSub) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = w.conn.Close()
	})
	return err
}

func (w *wsSub) read(c *Client) {
	defer close(w.ch)
	for {
		var ch callstore.Change
		if err := w.conn.ReadJSON(&ch); err != nil {
			select {
			case <-w.done:
			default:
				c.log.Debug("watch stream ended", "err", err)
				_ = w.Close()
			}
			return
		}
		select {
		case w.ch <- ch:
		case <-w.done:
			return
		}
	}
}
