// Command callagent runs one participant's side of a call against the gateway.
//
//	callagent -role child -id C1 dial P1
//	callagent -role parent -id P1 -answer listen
//	callagent -role parent -id P1 history
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"family-calls/internal/calls"
	"family-calls/internal/engine"
	"family-calls/internal/identity"
	"family-calls/internal/incoming"
	"family-calls/internal/remote"
	"family-calls/internal/reporting"
	"family-calls/internal/transport"
	"family-calls/pkg/logger"
)

type options struct {
	gateway string
	token   string
	role    string
	id      string
	env     string

	answer      bool
	video       bool
	stun        string
	defaultRole string

	ringTimeout time.Duration
	poll        time.Duration
	window      time.Duration
}

func main() {
	var o options
	flag.StringVar(&o.gateway, "gateway", envOr("CALLS_GATEWAY_URL", "http://localhost:8080"), "gateway base URL")
	flag.StringVar(&o.token, "token", os.Getenv("CALLS_ACCESS_TOKEN"), "access token")
	flag.StringVar(&o.role, "role", "", "local role: child, parent or family_member")
	flag.StringVar(&o.id, "id", "", "local profile id")
	flag.StringVar(&o.env, "env", envOr("APP_ENV", "development"), "app env for logging")
	flag.BoolVar(&o.answer, "answer", false, "listen: answer incoming calls automatically")
	flag.BoolVar(&o.video, "video", false, "negotiate video as well as audio")
	flag.StringVar(&o.stun, "ice", "", "comma separated ICE server URLs")
	flag.StringVar(&o.defaultRole, "default-recipient", string(calls.RoleParent), "child dial fallback role, none to disable")
	flag.DurationVar(&o.ringTimeout, "ring-timeout", 45*time.Second, "ring timeout")
	flag.DurationVar(&o.poll, "poll", 30*time.Second, "record poll interval while a call is live")
	flag.DurationVar(&o.window, "reconnect-window", 10*time.Minute, "how long an active call may be rejoined")
	flag.Parse()

	log := logger.New(o.env, "callagent")
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o, flag.Args(), log); err != nil {
		log.Error("callagent failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o options, args []string, log *slog.Logger) error {
	role, ok := calls.ParseRole(o.role)
	if !ok || o.id == "" {
		return fmt.Errorf("%w: -role and -id are required", calls.ErrInvalidArgument)
	}
	if len(args) == 0 {
		return fmt.Errorf("%w: command required (dial, listen, answer, history)", calls.ErrInvalidArgument)
	}

	client := remote.NewClient(remote.Config{BaseURL: o.gateway, Token: o.token, RetryCount: 2}, log)
	store := remote.NewStore(client)

	if args[0] == "history" {
		return history(ctx, store, role, o.id)
	}

	defaultRole := calls.Role(o.defaultRole)
	if o.defaultRole == "none" {
		defaultRole = ""
	}
	pcfg := transport.Config{Video: o.video}
	if o.stun != "" {
		pcfg.ICEServers = strings.Split(o.stun, ",")
	}

	s, err := engine.NewSession(engine.Config{
		Role:                 role,
		LocalID:              o.id,
		RingTimeout:          o.ringTimeout,
		ReconnectWindow:      o.window,
		PollInterval:         o.poll,
		PersistTimeout:       10 * time.Second,
		DefaultRecipientRole: defaultRole,
	}, engine.Deps{
		Store:     store,
		Directory: remote.NewDirectory(client),
		Hints:     identity.NewMemoryHints(),
		Events:    remote.NewEvents(client),
		NewPeer:   func() (transport.Peer, error) { return transport.NewPionPeer(pcfg, log) },
		Log:       log,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	switch args[0] {
	case "dial":
		if len(args) < 2 {
			return fmt.Errorf("%w: dial needs a contact id", calls.ErrInvalidArgument)
		}
		target := identity.ProfileRef(args[1])
		if v, ok := strings.CutPrefix(args[1], "user:"); ok {
			target = identity.UserRef(v)
		}
		res, err := s.Dial(ctx, target)
		if err != nil {
			return err
		}
		log.Info("ringing", "call_id", res.CallID, "recipient_type", res.RecipientType, "recipient_id", res.RecipientID)
		return hold(ctx, s, log)

	case "answer":
		if len(args) < 2 {
			return fmt.Errorf("%w: answer needs a call id", calls.ErrInvalidArgument)
		}
		if err := s.Answer(ctx, args[1]); err != nil {
			return err
		}
		return hold(ctx, s, log)

	case "listen":
		rings := make(chan incoming.Result, 1)
		sub, err := s.WatchIncoming(ctx, func(r incoming.Result) {
			select {
			case rings <- r:
			default:
			}
		})
		if err != nil {
			return err
		}
		defer sub.Close()
		log.Info("listening for calls", "role", role, "id", o.id)
		for {
			select {
			case <-ctx.Done():
				return nil
			case r := <-rings:
				log.Info("incoming call", "call_id", r.Call.ID, "caller_type", r.Call.CallerType, "caller_id", r.Call.CallerID())
				if !o.answer {
					continue
				}
				if err := s.Answer(ctx, r.Call.ID); err != nil {
					log.Warn("answer failed", "call_id", r.Call.ID, "err", err)
					continue
				}
				if err := hold(ctx, s, log); err != nil {
					return err
				}
			}
		}

	default:
		return fmt.Errorf("%w: unknown command %q", calls.ErrInvalidArgument, args[0])
	}
}

// hold blocks until the current call ends or ctx is cancelled, then hangs up.
func hold(ctx context.Context, s *engine.Session, log *slog.Logger) error {
	m := s.Machine()
	if m == nil {
		return errors.New("no current call")
	}
	ended := make(chan struct{})
	m.OnTransition(func(t calls.Transition) {
		if t.To == calls.StateEnded {
			select {
			case <-ended:
			default:
				close(ended)
			}
		}
	})
	if !m.Ended() {
		select {
		case <-ended:
		case <-ctx.Done():
			log.Info("hanging up")
			if err := s.Hangup(context.Background()); err != nil {
				log.Warn("hangup failed", "err", err)
			}
		}
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Drain(drainCtx); err != nil {
		log.Warn("drain incomplete", "err", err)
	}
	log.Info("call ended", "call_id", m.CallID(), "reason", m.EndReason())
	return nil
}

func history(ctx context.Context, store *remote.Store, role calls.Role, id string) error {
	now := time.Now()
	out, err := reporting.NewService(store).History(ctx, reporting.HistoryRequest{
		Role:          role,
		ParticipantID: id,
		Range:         reporting.TimeRange{From: now.Add(-7 * 24 * time.Hour), To: now},
	})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
