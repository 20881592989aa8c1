package wamp

import (
	"context"
	"errors"
	"sync"
)

// pipeTransport is an in-memory Transport backed by two buffered channels,
// standing in for a real socket pair so session/dispatch/role tests never
// need a listener. Both ends of a pair share one closed signal, so closing
// either side fails Send/Recv on the other, the way closing a real socket
// does.
type pipeTransport struct {
	out    chan []byte
	in     chan []byte
	state  *pipeState
}

type pipeState struct {
	closed chan struct{}
	once   sync.Once
}

func (p *pipeState) Close() {
	p.once.Do(func() { close(p.closed) })
}

var errPipeClosed = errors.New("pipe: closed")

func newPipePair() (clientSide, peerSide *pipeTransport) {
	a := make(chan []byte, 64)
	b := make(chan []byte, 64)
	state := &pipeState{closed: make(chan struct{})}
	clientSide = &pipeTransport{out: a, in: b, state: state}
	peerSide = &pipeTransport{out: b, in: a, state: state}
	return clientSide, peerSide
}

func (p *pipeTransport) Send(payload []byte) error {
	select {
	case p.out <- payload:
		return nil
	case <-p.state.closed:
		return errPipeClosed
	}
}

func (p *pipeTransport) Recv() ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.state.closed:
		return nil, errPipeClosed
	}
}

func (p *pipeTransport) Close() error {
	p.state.Close()
	return nil
}

// dialPipe returns a DialFunc that hands back one fixed Transport, for
// tests that construct both ends of the pipe upfront.
func dialPipe(t *pipeTransport) DialFunc {
	return func(ctx context.Context) (Transport, error) {
		return t, nil
	}
}

func testContext() context.Context {
	return context.Background()
}
