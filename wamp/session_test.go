package wamp

import (
	"context"
	"testing"
	"time"
)

func newScriptedSession(t *testing.T, cfg SessionConfig, script func(peer *pipeTransport)) *Session {
	t.Helper()
	clientSide, peerSide := newPipePair()
	go script(peerSide)
	return NewSession(dialPipe(clientSide), cfg)
}

func recvDecoded(t *testing.T, peer *pipeTransport) interface{} {
	t.Helper()
	payload, err := peer.Recv()
	if err != nil {
		t.Fatalf("peer.Recv() error = %v", err)
	}
	msg, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return msg
}

func sendMsg(t *testing.T, peer *pipeTransport, msg interface {
	MarshalJSON() ([]byte, error)
}) {
	t.Helper()
	payload, err := msg.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() error = %v", err)
	}
	if err := peer.Send(payload); err != nil {
		t.Fatalf("peer.Send() error = %v", err)
	}
}

// S1 - Connect & HELLO: begin() returns with SessionID a positive integer.
func TestSessionBeginEstablishesSessionID(t *testing.T) {
	s := newScriptedSession(t, SessionConfig{Realm: "realm1"}, func(peer *pipeTransport) {
		msg := recvDecoded(t, peer)
		hello, ok := msg.(Hello)
		if !ok || hello.Realm != "realm1" {
			t.Errorf("expected HELLO(realm1), got %#v", msg)
		}
		sendMsg(t, peer, Welcome{SessionID: 12345, Details: Details{}})
	})

	if err := s.begin(context.Background()); err != nil {
		t.Fatalf("begin() error = %v", err)
	}
	if s.SessionID() <= 0 {
		t.Errorf("SessionID() = %d, want positive", s.SessionID())
	}
	if s.State() != StateEstablished {
		t.Errorf("State() = %v, want ESTABLISHED", s.State())
	}
}

func TestSessionBeginChallengeResponse(t *testing.T) {
	cfg := SessionConfig{
		Realm: "realm1",
		OnChallenge: func(method string, extra Details) (string, error) {
			if method != "wampcra" {
				t.Errorf("authmethod = %q, want wampcra", method)
			}
			return "signed-value", nil
		},
	}

	s := newScriptedSession(t, cfg, func(peer *pipeTransport) {
		recvDecoded(t, peer) // HELLO
		sendMsg(t, peer, Challenge{AuthMethod: "wampcra", Extra: Details{"challenge": "nonce"}})

		msg := recvDecoded(t, peer)
		auth, ok := msg.(Authenticate)
		if !ok || auth.Signature != "signed-value" {
			t.Errorf("expected AUTHENTICATE(signed-value), got %#v", msg)
		}
		sendMsg(t, peer, Welcome{SessionID: 7, Details: Details{}})
	})

	if err := s.begin(context.Background()); err != nil {
		t.Fatalf("begin() error = %v", err)
	}
	if s.SessionID() != 7 {
		t.Errorf("SessionID() = %d, want 7", s.SessionID())
	}
}

func TestSessionBeginChallengeWithoutOnChallengeFails(t *testing.T) {
	s := newScriptedSession(t, SessionConfig{Realm: "realm1"}, func(peer *pipeTransport) {
		recvDecoded(t, peer)
		sendMsg(t, peer, Challenge{AuthMethod: "wampcra", Extra: Details{"challenge": "nonce"}})
	})

	err := s.begin(context.Background())
	if err == nil {
		t.Fatal("begin() error = nil, want AuthError")
	}
	if _, ok := err.(*AuthError); !ok {
		t.Errorf("begin() error type = %T, want *AuthError", err)
	}
	if s.State() != StateFailed {
		t.Errorf("State() = %v, want FAILED", s.State())
	}
}

func TestSessionBeginAbortIsAuthError(t *testing.T) {
	s := newScriptedSession(t, SessionConfig{Realm: "realm1"}, func(peer *pipeTransport) {
		recvDecoded(t, peer)
		sendMsg(t, peer, Abort{Details: Details{}, Reason: "wamp.error.not_authorized"})
	})

	err := s.begin(context.Background())
	authErr, ok := err.(*AuthError)
	if !ok {
		t.Fatalf("begin() error type = %T, want *AuthError", err)
	}
	if authErr.URI != "wamp.error.not_authorized" {
		t.Errorf("AuthError.URI = %q", authErr.URI)
	}
}

func TestSessionBeginUnexpectedMessageIsProtocolError(t *testing.T) {
	s := newScriptedSession(t, SessionConfig{Realm: "realm1"}, func(peer *pipeTransport) {
		recvDecoded(t, peer)
		sendMsg(t, peer, Goodbye{Details: Details{}, Reason: "wamp.close.system_shutdown"})
	})

	err := s.begin(context.Background())
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("begin() error type = %T, want *ProtocolError", err)
	}
}

// GOODBYE timeout is swallowed: end() must still return nil when the
// router never echoes GOODBYE.
func TestSessionEndSwallowsGoodbyeTimeout(t *testing.T) {
	established := make(chan struct{})
	s := newScriptedSession(t, SessionConfig{Realm: "realm1", GoodbyeTimeout: 50 * time.Millisecond}, func(peer *pipeTransport) {
		recvDecoded(t, peer) // HELLO
		sendMsg(t, peer, Welcome{SessionID: 1, Details: Details{}})
		<-established
		recvDecoded(t, peer) // GOODBYE, never echoed
	})

	if err := s.begin(context.Background()); err != nil {
		t.Fatalf("begin() error = %v", err)
	}
	close(established)

	if err := s.end(context.Background()); err != nil {
		t.Fatalf("end() error = %v, want nil (timeout swallowed)", err)
	}
	if s.State() != StateClosed {
		t.Errorf("State() = %v, want CLOSED", s.State())
	}
}

func TestSessionEndIsIdempotent(t *testing.T) {
	s := newScriptedSession(t, SessionConfig{Realm: "realm1", GoodbyeTimeout: 50 * time.Millisecond}, func(peer *pipeTransport) {
		recvDecoded(t, peer)
		sendMsg(t, peer, Welcome{SessionID: 1, Details: Details{}})
		recvDecoded(t, peer)
		sendMsg(t, peer, Goodbye{Details: Details{}, Reason: "wamp.close.normal"})
	})

	if err := s.begin(context.Background()); err != nil {
		t.Fatalf("begin() error = %v", err)
	}
	if err := s.end(context.Background()); err != nil {
		t.Fatalf("first end() error = %v", err)
	}
	if err := s.end(context.Background()); err != nil {
		t.Fatalf("second end() error = %v, want nil (idempotent)", err)
	}
}

func TestSessionConnectionLossFailsPendingWaiters(t *testing.T) {
	clientSide, peerSide := newPipePair()
	s := NewSession(dialPipe(clientSide), SessionConfig{Realm: "realm1", CallTimeout: 2 * time.Second})

	go func() {
		recvDecoded(t, peerSide)
		sendMsg(t, peerSide, Welcome{SessionID: 1, Details: Details{}})
		recvDecoded(t, peerSide) // the CALL
		peerSide.Close()         // simulate connection loss instead of replying
	}()

	if err := s.begin(context.Background()); err != nil {
		t.Fatalf("begin() error = %v", err)
	}

	_, err := s.Call("com.example.proc", nil, nil)
	if err == nil {
		t.Fatal("Call() error = nil, want ConnectionError after connection loss")
	}
	if _, ok := err.(*ConnectionError); !ok {
		t.Errorf("Call() error type = %T, want *ConnectionError", err)
	}
}
