// Package pstream provides blocking point-to-point message passing between
// ranks and the collective operations built on top of it.
//
// Ranks of an in-process World run as goroutines. There are no timeouts:
// a receive without a matching send blocks until the World is aborted.
package pstream

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Comm is the message passing endpoint of a single rank.
type Comm interface {
	// Rank returns the rank of this endpoint in [0, Size()).
	Rank() int
	// Size returns the number of ranks.
	Size() int
	// Send delivers data to rank to under tag. It does not block.
	Send(to, tag int, data []byte) error
	// Recv blocks until a message from rank from with tag arrives.
	// Messages with equal (from, tag) are received in send order.
	Recv(from, tag int) ([]byte, error)
}

// ErrAborted is returned by Recv after the World has been aborted.
var ErrAborted = errors.New("pstream: world aborted")

type msgKey struct {
	from, tag int
}

type mailbox struct {
	mu      sync.Mutex
	cond    sync.Cond
	queues  map[msgKey][][]byte
	aborted bool
}

// World is a set of in-process ranks connected by mailboxes.
type World struct {
	boxes []*mailbox
}

// NewWorld creates a world of n ranks.
func NewWorld(n int) *World {
	if n < 1 {
		panic("pstream: world needs at least one rank")
	}
	w := &World{boxes: make([]*mailbox, n)}
	for i := range w.boxes {
		mb := &mailbox{queues: make(map[msgKey][][]byte)}
		mb.cond.L = &mb.mu
		w.boxes[i] = mb
	}
	return w
}

// Size returns the number of ranks in the world.
func (w *World) Size() int { return len(w.boxes) }

// Comm returns the endpoint of the given rank.
func (w *World) Comm(rank int) Comm {
	if rank < 0 || rank >= len(w.boxes) {
		panic("pstream: rank out of range")
	}
	return &endpoint{w: w, rank: rank}
}

// Abort wakes every blocked receiver, which then returns ErrAborted.
func (w *World) Abort() {
	for _, mb := range w.boxes {
		mb.mu.Lock()
		mb.aborted = true
		mb.cond.Broadcast()
		mb.mu.Unlock()
	}
}

// Run executes fn concurrently on every rank of a new world of n ranks. A
// failing rank aborts the world so peers blocked on it return instead of
// hanging. The errors of the failing ranks are returned combined, without
// the ErrAborted of the peers they stopped.
func Run(n int, fn func(c Comm) error) error {
	w := NewWorld(n)
	errs := make([]error, n)
	var g errgroup.Group
	for rank := 0; rank < n; rank++ {
		rank, c := rank, w.Comm(rank)
		g.Go(func() error {
			errs[rank] = fn(c)
			if errs[rank] != nil {
				w.Abort()
			}
			return errs[rank]
		})
	}
	if g.Wait() == nil {
		return nil
	}
	var causes error
	for _, err := range errs {
		if err != nil && !errors.Is(err, ErrAborted) {
			causes = multierr.Append(causes, err)
		}
	}
	if causes == nil {
		return ErrAborted
	}
	return causes
}

// Serial returns the endpoint of a single rank world.
func Serial() Comm { return NewWorld(1).Comm(0) }

type endpoint struct {
	w    *World
	rank int
}

func (e *endpoint) Rank() int { return e.rank }
func (e *endpoint) Size() int { return len(e.w.boxes) }

func (e *endpoint) Send(to, tag int, data []byte) error {
	if to < 0 || to >= len(e.w.boxes) {
		return errors.Errorf("pstream: send to rank %d of %d", to, len(e.w.boxes))
	}
	msg := append([]byte(nil), data...)
	mb := e.w.boxes[to]
	mb.mu.Lock()
	k := msgKey{from: e.rank, tag: tag}
	mb.queues[k] = append(mb.queues[k], msg)
	mb.cond.Broadcast()
	mb.mu.Unlock()
	return nil
}

func (e *endpoint) Recv(from, tag int) ([]byte, error) {
	if from < 0 || from >= len(e.w.boxes) {
		return nil, errors.Errorf("pstream: receive from rank %d of %d", from, len(e.w.boxes))
	}
	mb := e.w.boxes[e.rank]
	k := msgKey{from: from, tag: tag}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for len(mb.queues[k]) == 0 {
		if mb.aborted {
			return nil, ErrAborted
		}
		mb.cond.Wait()
	}
	q := mb.queues[k]
	msg := q[0]
	if len(q) == 1 {
		delete(mb.queues, k)
	} else {
		mb.queues[k] = q[1:]
	}
	return msg, nil
}
