package lib

import (
	"fmt"
	"sync"
	"time"
)

// MessageInfo is one chat line.
type MessageInfo struct {
	Username string
	Time     time.Time
	Text     string
}

func (m MessageInfo) String() string {
	return fmt.Sprintf("[%s] %s: %s", m.Time.Format("15:04:05"), m.Username, m.Text)
}

// MessageLog is an append-only, insertion ordered message list. Indexes are
// absolute: they keep counting when a bounded log evicts old entries.
type MessageLog struct {
	mu       sync.Mutex
	entries  []MessageInfo
	capacity int // 0 means unbounded
	evicted  int
}

func NewMessageLog(capacity int) *MessageLog {
	return &MessageLog{capacity: capacity}
}

// Append stores m and returns its index.
func (l *MessageLog) Append(m MessageInfo) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, m)
	if l.capacity > 0 && len(l.entries) > l.capacity {
		drop := len(l.entries) - l.capacity
		l.entries = append([]MessageInfo(nil), l.entries[drop:]...)
		l.evicted += drop
	}
	return l.evicted + len(l.entries) - 1
}

// Len counts every message ever appended.
func (l *MessageLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evicted + len(l.entries)
}

// Since returns the retained messages with index >= idx.
func (l *MessageLog) Since(idx int) []MessageInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := max(idx-l.evicted, 0)
	if start >= len(l.entries) {
		return nil
	}
	return append([]MessageInfo(nil), l.entries[start:]...)
}

func (l *MessageLog) All() []MessageInfo {
	return l.Since(0)
}
