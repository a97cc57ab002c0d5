// Package history keeps a bounded per-room log of relayed messages for the
// catch-up polling interface. Sequence numbers are process-global so external
// consumers merging several rooms get a single total order.
package history

import (
	"sync"
	"time"
)

// RoomCapacity is the number of entries retained per room. The oldest entry
// is evicted silently once a room is full.
const RoomCapacity = 40

// TimestampFormat is the wire format used by the catch-up interface.
const TimestampFormat = "20060102150405"

type Entry struct {
	Seq     int64
	At      time.Time
	Author  string
	Body    string
	Product string // raw product text when the message came from the ingest feed
}

// Timestamp renders the entry time in the catch-up wire format (UTC).
func (e Entry) Timestamp() string { return e.At.UTC().Format(TimestampFormat) }

// Log is a set of per-room ring buffers sharing one sequence counter.
// It is safe for concurrent use; each room carries its own lock so appends
// to different rooms never contend.
type Log struct {
	mu    sync.RWMutex
	seq   int64
	rooms map[string]*ring
}

type ring struct {
	mu    sync.Mutex
	buf   []Entry
	head  int // index of the oldest entry
	count int
}

func New() *Log {
	return &Log{rooms: make(map[string]*ring)}
}

// Append assigns the next global sequence number to the entry and pushes it
// into the room's buffer, evicting the oldest entry at capacity. Rooms are
// created lazily on first append.
func (l *Log) Append(room string, e Entry) int64 {
	l.mu.Lock()
	l.seq++
	e.Seq = l.seq
	r := l.rooms[room]
	if r == nil {
		r = &ring{buf: make([]Entry, RoomCapacity)}
		l.rooms[room] = r
	}
	l.mu.Unlock()

	if e.At.IsZero() {
		e.At = time.Now()
	}

	r.mu.Lock()
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = e
		r.count++
	} else {
		r.buf[r.head] = e
		r.head = (r.head + 1) % len(r.buf)
	}
	r.mu.Unlock()
	return e.Seq
}

// Since returns all buffered entries for room with sequence number strictly
// greater than seq, oldest first. Unknown rooms yield an empty slice.
func (l *Log) Since(room string, seq int64) []Entry {
	l.mu.RLock()
	r := l.rooms[room]
	l.mu.RUnlock()
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, r.count)
	for i := 0; i < r.count; i++ {
		e := r.buf[(r.head+i)%len(r.buf)]
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// Seq returns the last assigned sequence number.
func (l *Log) Seq() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// Rooms returns the names of all rooms that have buffered history.
func (l *Log) Rooms() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.rooms))
	for rm := range l.rooms {
		out = append(out, rm)
	}
	return out
}
