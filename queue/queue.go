// Package queue provides the in-process message log that outputs drain.
//
// Each named queue is an append-only log of messages with monotonically
// increasing sequence numbers. Workers track their position as a cursor
// (the sequence of the last delivered message) so delivery survives worker
// restarts without re-reading from the beginning.
package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrClosed is returned by Read after the log has been closed.
var ErrClosed = errors.New("queue: log closed")

// Message is one entry in a queue log.
type Message struct {
	Seq        int64     `json:"seq"`
	RoutingKey string    `json:"routing_key"`
	Payload    string    `json:"payload"`
	Time       time.Time `json:"time"`
}

// Log is an append-only in-memory message log.
type Log struct {
	name string

	mu     sync.Mutex
	msgs   []Message
	seq    int64
	wake   chan struct{} // closed and replaced on every append
	closed bool
}

// NewLog creates an empty log for the named queue.
func NewLog(name string) *Log {
	return &Log{
		name: name,
		wake: make(chan struct{}),
	}
}

// Name returns the queue name.
func (l *Log) Name() string {
	return l.name
}

// Append adds a message to the log and returns its sequence number.
func (l *Log) Append(routingKey, payload string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	l.msgs = append(l.msgs, Message{
		Seq:        l.seq,
		RoutingKey: routingKey,
		Payload:    payload,
		Time:       time.Now(),
	})
	close(l.wake)
	l.wake = make(chan struct{})
	return l.seq
}

// Read returns up to max messages with sequence greater than after, in
// order, blocking until at least one is available or ctx is done.
// A max of zero or less means no batch limit.
func (l *Log) Read(ctx context.Context, after int64, max int) ([]Message, error) {
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil, ErrClosed
		}
		idx := sort.Search(len(l.msgs), func(i int) bool { return l.msgs[i].Seq > after })
		if idx < len(l.msgs) {
			end := len(l.msgs)
			if max > 0 && idx+max < end {
				end = idx + max
			}
			out := make([]Message, end-idx)
			copy(out, l.msgs[idx:end])
			l.mu.Unlock()
			return out, nil
		}
		wake := l.wake
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// LatestSeq returns the sequence of the newest message (0 if empty).
func (l *Log) LatestSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Close wakes all blocked readers; subsequent reads return ErrClosed.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.wake)
}

// Registry maps queue names to logs, creating them on first use.
type Registry struct {
	mu   sync.Mutex
	logs map[string]*Log
}

// NewRegistry creates an empty queue registry.
func NewRegistry() *Registry {
	return &Registry{logs: make(map[string]*Log)}
}

// Get returns the log for name, creating it on first use.
func (r *Registry) Get(name string) *Log {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.logs[name]
	if !ok {
		l = NewLog(name)
		r.logs[name] = l
	}
	return l
}

// Names returns the known queue names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.logs))
	for name := range r.logs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every log in the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.logs {
		l.Close()
	}
}
