// Package remote is the device side of the record-store gateway: a Store,
// Directory and event sink that speak the gateway's HTTP and websocket API.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"family-calls/internal/calls"
	"family-calls/internal/callstore"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
)

// ErrUnauthorized means the gateway rejected the device token.
var ErrUnauthorized = errors.New("remote: unauthorized")

type Config struct {
	BaseURL string
	Token   string

	Timeout    time.Duration
	RetryCount int
}

// Client carries the HTTP and websocket plumbing shared by Store, Directory and Events.
type Client struct {
	http   *resty.Client
	wsBase string
	token  string
	dialer *websocket.Dialer
	log    *slog.Logger
}

func NewClient(cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	base := strings.TrimRight(cfg.BaseURL, "/")

	hc := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetAuthToken(cfg.Token).
		// Only reads are replayed; writes carry their own preconditions.
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || r.StatusCode() == http.StatusBadGateway || r.StatusCode() == http.StatusServiceUnavailable
		})

	ws := base
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}

	return &Client{
		http:   hc,
		wsBase: ws,
		token:  cfg.Token,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.Timeout},
		log:    log.With("component", "remote"),
	}
}

// call issues one request. params become path parameters ({id}) when the path
// names them and query parameters otherwise.
func (c *Client) call(ctx context.Context, method, path string, params map[string]string, body, result any) error {
	req := c.http.R().SetContext(ctx).SetError(&callstore.ErrorBody{})
	for k, v := range params {
		if strings.Contains(path, "{"+k+"}") {
			req.SetPathParam(k, v)
		} else {
			req.SetQueryParam(k, v)
		}
	}
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return calls.Persistence(fmt.Sprintf("%s %s", method, path), err)
	}
	if !resp.IsError() {
		return nil
	}

	if resp.StatusCode() == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if eb, ok := resp.Error().(*callstore.ErrorBody); ok && eb.Code != "" {
		return callstore.ErrorFromCode(eb.Code, eb.Error)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return calls.ErrRecordNotFound
	}
	return calls.Persistence(fmt.Sprintf("%s %s", method, path), fmt.Errorf("gateway status %d", resp.StatusCode()))
}
