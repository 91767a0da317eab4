package transport

import (
	"sync"
	"time"

	rcopy "github.com/sfontaine/rcopy"
)

// Pipe is one end of an in memory datagram pair. Delivery is lossless and
// ordered, datagram boundaries are preserved and a full queue drops like a
// UDP socket buffer would. Compose with WithErrors for loss.
type Pipe struct {
	in     chan []byte
	peer   *Pipe
	closed chan struct{}
	once   sync.Once
}

const pipeQueueDepth = 1024

// NewPipe returns the two connected ends.
func NewPipe() (*Pipe, *Pipe) {
	a := &Pipe{in: make(chan []byte, pipeQueueDepth), closed: make(chan struct{})}
	b := &Pipe{in: make(chan []byte, pipeQueueDepth), closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (p *Pipe) Send(b []byte) error {
	select {
	case <-p.closed:
		return rcopy.ErrClosed
	default:
	}
	out := make([]byte, len(b))
	copy(out, b)
	select {
	case <-p.peer.closed:
		// Peer gone, datagram disappears like on a real network
		return nil
	case p.peer.in <- out:
		return nil
	default:
		// Queue full, drop
		return nil
	}
}

func (p *Pipe) Recv(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case b := <-p.in:
		return b, nil
	case <-p.closed:
		return nil, rcopy.ErrClosed
	case <-timer.C:
		return nil, rcopy.ErrRecvTimeout
	}
}

func (p *Pipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
