// Package chat holds the ordered log of a call: user utterances, bot
// replies and system notices.
package chat

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

type Sender string

const (
	User   Sender = "user"
	Bot    Sender = "bot"
	System Sender = "system"
)

var (
	ErrLiveEntryExists = errors.New("a live entry already exists")
	ErrNotLive         = errors.New("entry is not live")
)

type Entry struct {
	ID        uint64
	Sender    Sender
	Name      string
	Text      string
	CreatedAt time.Time
	Live      bool
}

// Log is append-only. At most one entry is live: the user utterance that is
// still being transcribed. Every other entry is immutable once appended.
type Log struct {
	mu          sync.RWMutex
	entries     []Entry
	nextID      uint64
	live        int
	now         func() time.Time
	subscribers map[int]chan struct{}
	nextSub     int
}

func NewLog() *Log {
	return &Log{
		live:        -1,
		now:         time.Now,
		subscribers: make(map[int]chan struct{}),
	}
}

// WithClock replaces the timestamp source.
func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

func (l *Log) Append(sender Sender, name, text string) Entry {
	l.mu.Lock()
	entry := l.appendLocked(sender, name, text, false)
	l.mu.Unlock()
	l.notify()
	return entry
}

// Begin opens the live user entry.
func (l *Log) Begin(name, text string) (Entry, error) {
	l.mu.Lock()
	if l.live >= 0 {
		l.mu.Unlock()
		return Entry{}, ErrLiveEntryExists
	}
	entry := l.appendLocked(User, name, text, true)
	l.live = len(l.entries) - 1
	l.mu.Unlock()
	l.notify()
	return entry, nil
}

// Update overwrites the text of the live entry in place.
func (l *Log) Update(id uint64, text string) error {
	l.mu.Lock()
	idx, err := l.liveIndexLocked(id)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	l.entries[idx].Text = text
	l.mu.Unlock()
	l.notify()
	return nil
}

// Seal makes the live entry immutable and returns its final state.
func (l *Log) Seal(id uint64) (Entry, error) {
	l.mu.Lock()
	idx, err := l.liveIndexLocked(id)
	if err != nil {
		l.mu.Unlock()
		return Entry{}, err
	}
	l.entries[idx].Live = false
	l.live = -1
	entry := l.entries[idx]
	l.mu.Unlock()
	l.notify()
	return entry, nil
}

func (l *Log) Live() (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.live < 0 {
		return Entry{}, false
	}
	return l.entries[l.live], true
}

func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Subscribe returns a channel that receives a value whenever the log
// changes. Notifications coalesce: a slow reader sees one pending signal.
func (l *Log) Subscribe() (<-chan struct{}, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextSub
	l.nextSub++
	ch := make(chan struct{}, 1)
	l.subscribers[id] = ch
	return ch, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subscribers, id)
	}
}

func (l *Log) appendLocked(sender Sender, name, text string, live bool) Entry {
	l.nextID++
	entry := Entry{
		ID:        l.nextID,
		Sender:    sender,
		Name:      name,
		Text:      text,
		CreatedAt: l.now(),
		Live:      live,
	}
	l.entries = append(l.entries, entry)
	return entry
}

func (l *Log) liveIndexLocked(id uint64) (int, error) {
	if l.live < 0 || l.entries[l.live].ID != id {
		return -1, fmt.Errorf("entry %d: %w", id, ErrNotLive)
	}
	return l.live, nil
}

func (l *Log) notify() {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, ch := range l.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
