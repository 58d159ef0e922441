package transport

import (
	"context"
	"io"
	"sync"

	"github.com/glyphlabs/glyph-go/protocol"
)

// Pipe returns a connected pair of in-memory transports. Envelopes sent on
// one end arrive on the other in order. Closing one end surfaces io.EOF on
// the peer's Recv. Useful for tests and same-process wiring.
func Pipe() (Transport, Transport) {
	ab := make(chan protocol.Message, 64)
	ba := make(chan protocol.Message, 64)
	a := &pipeEnd{send: ab, recv: ba, localDone: make(chan struct{})}
	b := &pipeEnd{send: ba, recv: ab, localDone: make(chan struct{})}
	a.remoteDone = b.localDone
	b.remoteDone = a.localDone
	return a, b
}

type pipeEnd struct {
	send chan protocol.Message
	recv chan protocol.Message

	closeOnce  sync.Once
	localDone  chan struct{}
	remoteDone chan struct{}
}

func (p *pipeEnd) Send(m protocol.Message) error {
	select {
	case <-p.localDone:
		return ErrClosed
	case <-p.remoteDone:
		return ErrClosed
	case p.send <- m:
		return nil
	}
}

func (p *pipeEnd) Recv(ctx context.Context) (protocol.Message, error) {
	// Drain buffered envelopes before reporting the peer gone, so ordered
	// delivery survives a racing close.
	select {
	case m := <-p.recv:
		return m, nil
	default:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.localDone:
		return nil, ErrClosed
	case m := <-p.recv:
		return m, nil
	case <-p.remoteDone:
		select {
		case m := <-p.recv:
			return m, nil
		default:
			return nil, io.EOF
		}
	}
}

func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() {
		close(p.localDone)
	})
	return nil
}
