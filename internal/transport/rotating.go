package transport

import (
	"context"
	"sync/atomic"
)

// RotatingSender cycles through senders in strict round-robin order. The
// position advances on every call whatever the outcome, and a failed send
// is returned without trying the next sender.
type RotatingSender struct {
	senders []Sender
	cursor  atomic.Uint64
	usage   []atomic.Int64
}

// NewRotatingSender creates a rotating sender over a non-empty set
func NewRotatingSender(senders []Sender) *RotatingSender {
	return &RotatingSender{
		senders: senders,
		usage:   make([]atomic.Int64, len(senders)),
	}
}

// Send delivers msg through the next sender in the rotation
func (r *RotatingSender) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	i := r.next()
	return r.senders[i].Send(ctx, msg)
}

func (r *RotatingSender) next() int {
	n := uint64(len(r.senders))
	i := int((r.cursor.Add(1) - 1) % n)
	r.usage[i].Add(1)
	return i
}

// Usage returns how many sends each sender was given
func (r *RotatingSender) Usage() []int {
	out := make([]int, len(r.usage))
	for i := range r.usage {
		out[i] = int(r.usage[i].Load())
	}
	return out
}

// Len returns the number of senders in the rotation
func (r *RotatingSender) Len() int {
	return len(r.senders)
}
