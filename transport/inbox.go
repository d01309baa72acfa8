package transport

import "sync"

// Inbox buffers delivered envelopes for poll-style consumption.
type Inbox struct {
	mu    sync.Mutex
	queue []*TransportEnvelope
}

// NewInbox creates an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{}
}

// Push appends an envelope to the queue.
func (b *Inbox) Push(envelope *TransportEnvelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, envelope)
}

// Poll removes and returns the oldest envelope, or ErrNoMessage when
// the queue is empty.
func (b *Inbox) Poll() (*TransportEnvelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil, ErrNoMessage
	}
	envelope := b.queue[0]
	b.queue = b.queue[1:]
	return envelope, nil
}

// Len reports the number of buffered envelopes.
func (b *Inbox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
