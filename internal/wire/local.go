package wire

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Recv/Send calls once the channel has been
// closed; messages still queued at that point may be dropped.
var ErrClosed = errors.New("wire: channel closed")

// LocalChannel is an in-memory paired channel, buffered to 64 messages
// in each direction,
// connecting a worker and a parent within the same process — used by
// tests and by the reference parent in internal/testfixture.
type LocalChannel struct {
	toWorker chan any
	toParent chan any

	closeOnce sync.Once
	closed    chan struct{}
}

// NewLocalChannel returns a fresh pair of endpoints; use .Worker() and
// .Parent() to get each side's view of it.
func NewLocalChannel() *LocalChannel {
	return &LocalChannel{
		toWorker: make(chan any, 64),
		toParent: make(chan any, 64),
		closed:   make(chan struct{}),
	}
}

// Worker returns the WorkerSide view of this channel.
func (c *LocalChannel) Worker() WorkerSide { return workerEnd{c} }

// Parent returns the ParentSide view of this channel.
func (c *LocalChannel) Parent() ParentSide { return parentEnd{c} }

// Close unblocks any pending Recv calls on either side.
func (c *LocalChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type workerEnd struct{ c *LocalChannel }

func (w workerEnd) RecvToWorker() (any, error) {
	select {
	case msg := <-w.c.toWorker:
		return msg, nil
	case <-w.c.closed:
		return nil, ErrClosed
	}
}

func (w workerEnd) SendToParent(msg any) error {
	select {
	case w.c.toParent <- msg:
		return nil
	case <-w.c.closed:
		return ErrClosed
	}
}

func (w workerEnd) Close() error { return w.c.Close() }

type parentEnd struct{ c *LocalChannel }

func (p parentEnd) SendToWorker(msg any) error {
	select {
	case p.c.toWorker <- msg:
		return nil
	case <-p.c.closed:
		return ErrClosed
	}
}

func (p parentEnd) RecvFromWorker() (any, error) {
	select {
	case msg := <-p.c.toParent:
		return msg, nil
	case <-p.c.closed:
		return nil, ErrClosed
	}
}

func (p parentEnd) Close() error { return p.c.Close() }
