// Package history keeps bounded, arrival-ordered message logs: one per
// session for direct conversations and one shared log for the general channel.
package history

import (
	"sync"
	"time"

	"github.com/eapache/queue"
)

// DefaultCapacity is the number of messages a log retains before evicting
// the oldest entry.
const DefaultCapacity = 1000

// Message is one chat message. It is never modified after creation.
type Message struct {
	Origin      string
	Destination string
	Content     string
	Timestamp   time.Time
}

// Involves reports whether name is the origin or the destination of m.
func (m Message) Involves(name string) bool {
	return m.Origin == name || m.Destination == name
}

// Log is a FIFO of messages bounded by a fixed capacity. Appending to a full
// log evicts the oldest entry. Log is not safe for concurrent use; callers
// serialise access (see Channel, and the registry lock for per-session logs).
type Log struct {
	capacity int
	q        *queue.Queue
}

// NewLog returns an empty log that retains at most capacity messages. A
// non-positive capacity falls back to DefaultCapacity.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Log{capacity: capacity, q: queue.New()}
}

// Append adds m as the newest entry, evicting the oldest entries while the
// log is over capacity.
func (l *Log) Append(m Message) {
	l.q.Add(m)
	for l.q.Length() > l.capacity {
		l.q.Remove()
	}
}

// Len returns the number of retained messages.
func (l *Log) Len() int {
	return l.q.Length()
}

// Capacity returns the maximum number of retained messages.
func (l *Log) Capacity() int {
	return l.capacity
}

// Messages returns a copy of every retained message, oldest first.
func (l *Log) Messages() []Message {
	return l.Last(l.q.Length())
}

// Last returns a copy of the newest n messages, oldest first. It returns
// fewer than n messages when the log is shorter.
func (l *Log) Last(n int) []Message {
	size := l.q.Length()
	if n > size {
		n = size
	}

	if n <= 0 {
		return nil
	}

	out := make([]Message, 0, n)
	for i := size - n; i < size; i++ {
		out = append(out, l.q.Get(i).(Message))
	}

	return out
}

// LastMatching returns the newest n messages for which keep returns true,
// oldest first.
func (l *Log) LastMatching(n int, keep func(Message) bool) []Message {
	if n <= 0 {
		return nil
	}

	var picked []Message
	for i := l.q.Length() - 1; i >= 0 && len(picked) < n; i-- {
		m := l.q.Get(i).(Message)
		if keep(m) {
			picked = append(picked, m)
		}
	}

	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}

	return picked
}

// Channel is the general-channel log. It carries its own lock, independent
// of the session registry.
type Channel struct {
	mu  sync.Mutex
	log *Log
}

// NewChannel returns an empty general-channel log bounded by capacity.
func NewChannel(capacity int) *Channel {
	return &Channel{log: NewLog(capacity)}
}

// Append records m, evicting the oldest message when the channel is full.
func (c *Channel) Append(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Append(m)
}

// Last returns a copy of the newest n messages, oldest first.
func (c *Channel) Last(n int) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log.Last(n)
}

// Len returns the number of retained messages.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log.Len()
}
