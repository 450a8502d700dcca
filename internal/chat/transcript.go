// Package chat reconciles chat-field transcripts between the in-memory
// conversation and what has already been persisted.
package chat

import (
	"sort"
	"strings"
	"sync"
	"time"

	"formcraft/api/internal/store"
)

type Message = store.ChatMessage

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Key identifies a message for deduplication. Timestamps are compared at
// second precision in UTC.
func Key(m Message) string {
	return m.Role + "|" + m.Content + "|" + m.CreatedAt.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// Merge combines persisted and local messages. The first occurrence of a
// key wins, persisted before local, and the result is stably sorted by
// timestamp.
func Merge(persisted, local []Message) []Message {
	seen := make(map[string]bool, len(persisted)+len(local))
	out := make([]Message, 0, len(persisted)+len(local))
	for _, list := range [][]Message{persisted, local} {
		for _, m := range list {
			if strings.TrimSpace(m.Content) == "" {
				continue
			}
			key := Key(m)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Window returns the last n messages of list, or all of them when n <= 0.
func Window(list []Message, n int) []Message {
	if n <= 0 || len(list) <= n {
		return append([]Message(nil), list...)
	}
	return append([]Message(nil), list[len(list)-n:]...)
}

// Locks is a set of session ids with a save in progress.
type Locks struct {
	mu     sync.Mutex
	active map[string]bool
}

func NewLocks() *Locks {
	return &Locks{active: make(map[string]bool)}
}

// TryLock marks id busy and reports whether it was free.
func (l *Locks) TryLock(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[id] {
		return false
	}
	l.active[id] = true
	return true
}

func (l *Locks) Unlock(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.active, id)
}

func (l *Locks) Held(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active[id]
}
