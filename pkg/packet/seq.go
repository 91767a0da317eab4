package packet

// Counter hands out sequence numbers for one direction of a session.
// Session scoped, owned by its state machine. Wraparound is not handled,
// realistic transfers stay far below 2^32 packets.
type Counter struct {
	next SeqNum
}

func NewCounter(start SeqNum) *Counter {
	return &Counter{next: start}
}

// Next returns the current value and advances.
func (c *Counter) Next() SeqNum {
	n := c.next
	c.next++
	return n
}

// Peek returns the value Next would hand out, without advancing.
func (c *Counter) Peek() SeqNum {
	return c.next
}
