package wamp

import (
	"context"
	"log/slog"

	"github.com/relaywamp/peer/internal/transport"
)

// Transport is the byte-oriented collaborator a Session drives: send a
// complete WAMP message, receive the next complete inbound message, or
// close. internal/transport.Conn satisfies it via connAdapter; tests use
// an in-memory pipe (see pipe_test.go) so session/dispatch/role behavior
// can be exercised without a real socket.
type Transport interface {
	Send(payload []byte) error
	Recv() ([]byte, error)
	Close() error
}

type connAdapter struct {
	conn *transport.Conn
}

func (a *connAdapter) Send(payload []byte) error {
	return a.conn.SendText(payload)
}

func (a *connAdapter) Recv() ([]byte, error) {
	_, payload, err := a.conn.ReadMessage()
	return payload, err
}

func (a *connAdapter) Close() error {
	return a.conn.Close()
}

// DialFunc connects the session's transport. Session.begin calls this
// exactly once; a real client wires it to transport.Dial (or
// transport.DialWithBackoff), tests wire it to an in-memory pipe.
type DialFunc func(ctx context.Context) (Transport, error)

// DialTransport adapts internal/transport.Dial into a DialFunc.
func DialTransport(cfg transport.Config) DialFunc {
	return func(ctx context.Context) (Transport, error) {
		conn, err := transport.Dial(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &connAdapter{conn: conn}, nil
	}
}

// DialTransportWithBackoff adapts internal/transport.DialWithBackoff into a
// DialFunc, for long-lived peers that should retry the raw socket across
// transient connection loss. Each successful dial still owes the router a
// fresh HELLO: session state itself is never resumed.
func DialTransportWithBackoff(cfg transport.Config, backoff transport.BackoffConfig, logger *slog.Logger) DialFunc {
	return func(ctx context.Context) (Transport, error) {
		conn, err := transport.DialWithBackoff(ctx, cfg, backoff, logger)
		if err != nil {
			return nil, err
		}
		return &connAdapter{conn: conn}, nil
	}
}
