package installws

// queuedMessage is an outbound envelope waiting for a live connection.
type queuedMessage struct {
	seq uint64
	env Envelope
}

// messageQueue is an unbounded FIFO of outbound envelopes.
// It is not safe for concurrent use; the Client guards it with its mutex.
type messageQueue struct {
	items   []queuedMessage
	nextSeq uint64
}

func (q *messageQueue) push(env Envelope) {
	q.nextSeq++
	q.items = append(q.items, queuedMessage{seq: q.nextSeq, env: env})
}

func (q *messageQueue) len() int {
	return len(q.items)
}

// snapshot returns the queued envelopes, oldest first.
func (q *messageQueue) snapshot() []Envelope {
	out := make([]Envelope, len(q.items))
	for i, m := range q.items {
		out[i] = m.env
	}
	return out
}

// drain writes queued envelopes oldest first. It stops at the first write
// error and leaves the failed entry and everything after it queued, in order.
// It returns how many entries were written.
func (q *messageQueue) drain(write func(Envelope) error) (int, error) {
	sent := 0
	for len(q.items) > 0 {
		if err := write(q.items[0].env); err != nil {
			q.compact()
			return sent, err
		}
		q.items[0] = queuedMessage{}
		q.items = q.items[1:]
		sent++
	}
	q.items = nil
	return sent, nil
}

// compact copies the remaining entries to a fresh slice so the backing
// array of already-sent entries can be released.
func (q *messageQueue) compact() {
	rest := make([]queuedMessage, len(q.items))
	copy(rest, q.items)
	q.items = rest
}
