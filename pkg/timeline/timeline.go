// Package timeline holds the ordered, de-duplicated list of messages shown in
// the support widget. Local echoes and remote deliveries both land here.
package timeline

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Message is one visible chat line.
type Message struct {
	// ID is the client-generated id for local sends, the server id for
	// hydrated messages, or empty when the source provided none.
	ID          string
	Text        string
	FromSupport bool
	CreatedAt   time.Time
	Read        bool
}

// Timeline is safe for concurrent use. Appends keep arrival order; only
// Replace sorts.
type Timeline struct {
	mu   sync.RWMutex
	msgs []Message
	ids  map[string]struct{}
}

func New() *Timeline {
	return &Timeline{ids: map[string]struct{}{}}
}

// Append adds m at the end. It returns false, leaving the timeline untouched,
// when the text is blank or a message with the same non-empty ID is present.
func (t *Timeline) Append(m Message) bool {
	if strings.TrimSpace(m.Text) == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if m.ID != "" {
		if _, ok := t.ids[m.ID]; ok {
			return false
		}
		t.ids[m.ID] = struct{}{}
	}
	t.msgs = append(t.msgs, m)
	return true
}

// Contains reports whether a message with this id has been appended.
func (t *Timeline) Contains(id string) bool {
	if id == "" {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.ids[id]
	return ok
}

// Replace swaps the content for msgs, stably sorted by CreatedAt. Blank
// messages and repeated ids are dropped.
func (t *Timeline) Replace(msgs []Message) {
	next := make([]Message, 0, len(msgs))
	ids := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		if m.ID != "" {
			if _, ok := ids[m.ID]; ok {
				continue
			}
			ids[m.ID] = struct{}{}
		}
		next = append(next, m)
	}
	sort.SliceStable(next, func(i, j int) bool {
		return next[i].CreatedAt.Before(next[j].CreatedAt)
	})

	t.mu.Lock()
	t.msgs = next
	t.ids = ids
	t.mu.Unlock()
}

func (t *Timeline) Clear() {
	t.mu.Lock()
	t.msgs = nil
	t.ids = map[string]struct{}{}
	t.mu.Unlock()
}

// MarkAllRead flags every message as read and returns how many changed.
func (t *Timeline) MarkAllRead() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := range t.msgs {
		if !t.msgs[i].Read {
			t.msgs[i].Read = true
			n++
		}
	}
	return n
}

func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.msgs)
}

// Snapshot returns a copy of the messages in display order.
func (t *Timeline) Snapshot() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}
