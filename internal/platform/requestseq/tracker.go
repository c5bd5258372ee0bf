package requestseq

import (
	"strings"
	"sync"
)

// Tracker hands out monotonic per-resource sequence numbers so a result can be
// applied only if no newer request for the same resource has been issued
// since (last-requested-wins).
type Tracker struct {
	mu     sync.Mutex
	issued map[string]uint64
}

type Ticket struct {
	Key string
	Seq uint64

	tracker *Tracker
}

func New() *Tracker {
	return &Tracker{issued: make(map[string]uint64)}
}

func (t *Tracker) Issue(key string) Ticket {
	key = strings.TrimSpace(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.issued[key]++
	return Ticket{Key: key, Seq: t.issued[key], tracker: t}
}

// Latest returns the newest sequence issued for key, 0 if none.
func (t *Tracker) Latest(key string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.issued[strings.TrimSpace(key)]
}

// Current reports whether the ticket is still the newest request for its key.
func (tk Ticket) Current() bool {
	if tk.tracker == nil {
		return false
	}
	return tk.tracker.Latest(tk.Key) == tk.Seq
}
