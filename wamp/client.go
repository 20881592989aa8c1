package wamp

import (
	"context"
	"log/slog"
	"time"
)

// ClientConfig is the external configuration surface from spec §6.
type ClientConfig struct {
	Realm          string
	Roles          Details
	OnChallenge    OnChallengeFunc
	CallTimeout    time.Duration
	GoodbyeTimeout time.Duration
	Logger         *slog.Logger
}

// Client is the scoped-acquisition façade: Use begins a Session, runs fn,
// and guarantees end() runs on every exit path (success, error, or
// panic), mirroring a context-manager-entry/exit pair in a language with
// native ones.
type Client struct {
	dial DialFunc
	cfg  ClientConfig
}

// NewClient builds a Client that dials its transport via dial and
// configures every Session it opens with cfg.
func NewClient(dial DialFunc, cfg ClientConfig) *Client {
	return &Client{dial: dial, cfg: cfg}
}

func (c *Client) sessionConfig() SessionConfig {
	return SessionConfig{
		Realm:          c.cfg.Realm,
		Roles:          c.cfg.Roles,
		OnChallenge:    c.cfg.OnChallenge,
		CallTimeout:    c.cfg.CallTimeout,
		GoodbyeTimeout: c.cfg.GoodbyeTimeout,
		Logger:         c.cfg.Logger,
	}
}

// Use opens a Session, invokes fn with it, and closes the Session on the
// way out regardless of how fn returns — including a panic, which is
// re-raised after end() runs so the session is never leaked.
func (c *Client) Use(ctx context.Context, fn func(*Session) error) (err error) {
	s := NewSession(c.dial, c.sessionConfig())

	if err := s.begin(ctx); err != nil {
		return err
	}

	defer func() {
		r := recover()

		endErr := s.end(ctx)
		if err == nil {
			err = endErr
		}

		if r != nil {
			panic(r)
		}
	}()

	return fn(s)
}

// Open begins a Session and returns it for direct use; the caller is
// responsible for calling Close when done. Prefer Use when the scope of
// the work is known upfront.
func (c *Client) Open(ctx context.Context) (*Session, error) {
	s := NewSession(c.dial, c.sessionConfig())
	if err := s.begin(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close ends the session: GOODBYE exchange, dispatcher stop, transport
// close, pending-waiter release. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	return s.end(ctx)
}
