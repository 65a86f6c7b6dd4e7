package client

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"schoolchat/pkg/types"
)

// Entry is one visible list item: a pending optimistic message before its
// ack, or a canonical message after. Never both.
type Entry struct {
	Pending *types.PendingMessage
	Message *types.Message
}

// Buffer is the client reconciliation buffer. It guarantees that the
// visible list holds at most one representation of any logical message:
// pending by tempId before the ack, canonical by id after, and never a
// duplicate from the sender's own broadcast echo.
type Buffer struct {
	mu      sync.Mutex
	entries []*Entry
	byTemp  map[string]*Entry
	byID    map[string]*Entry
}

func NewBuffer() *Buffer {
	return &Buffer{
		byTemp: make(map[string]*Entry),
		byID:   make(map[string]*Entry),
	}
}

// Submit appends a pending message to the visible list and returns it.
// The caller sends it; the ack later rewrites it in place.
func (b *Buffer) Submit(author types.Identity, room, content string, kind types.MessageKind) types.PendingMessage {
	pending := types.PendingMessage{
		TempID:    uuid.New().String(),
		Room:      room,
		AuthorID:  author.ID,
		Content:   content,
		Kind:      kind,
		CreatedAt: time.Now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	entry := &Entry{Pending: &pending}
	b.entries = append(b.entries, entry)
	b.byTemp[pending.TempID] = entry
	return pending
}

// OnAck replaces the pending entry with the canonical message, preserving
// its visual position. Returns false if the tempId is unknown (already
// reconciled or discarded).
func (b *Buffer) OnAck(tempID string, msg types.Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.byTemp[tempID]
	if !ok {
		return false
	}
	delete(b.byTemp, tempID)

	// A history read resolving between submit and ack already carries the
	// canonical copy; keep that entry and drop the pending one, so the id
	// never appears twice.
	if existing, seen := b.byID[msg.ID]; seen && existing != entry {
		b.removeEntry(entry)
		return true
	}

	entry.Pending = nil
	entry.Message = &msg
	b.byID[msg.ID] = entry
	return true
}

func (b *Buffer) removeEntry(entry *Entry) {
	for i, e := range b.entries {
		if e == entry {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
}

// OnBroadcast applies a live message_received event. Self-authored events
// are discarded — the sender already holds the authoritative copy from its
// ack. Returns true if the message was appended.
func (b *Buffer) OnBroadcast(msg types.Message, selfID string) bool {
	if msg.AuthorID == selfID {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.byID[msg.ID]; ok {
		return false
	}
	entry := &Entry{Message: &msg}
	b.entries = append(b.entries, entry)
	b.byID[msg.ID] = entry
	return true
}

// MergeHistory unions a history read into the visible list. Broadcasts may
// land before the history read resolves, so the merge is order-independent:
// canonical messages are deduplicated by id and re-sorted by creation time,
// with pending entries kept after them in submission order.
func (b *Buffer) MergeHistory(history []*types.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, msg := range history {
		if _, ok := b.byID[msg.ID]; ok {
			continue
		}
		m := *msg
		entry := &Entry{Message: &m}
		b.entries = append(b.entries, entry)
		b.byID[m.ID] = entry
	}
	b.resort()
}

func (b *Buffer) resort() {
	sort.SliceStable(b.entries, func(i, j int) bool {
		ei, ej := b.entries[i], b.entries[j]
		// Pending entries sort after canonical ones; among themselves
		// they keep submission order via the stable sort.
		if (ei.Pending != nil) != (ej.Pending != nil) {
			return ej.Pending != nil
		}
		if ei.Pending != nil {
			return false
		}
		if !ei.Message.CreatedAt.Equal(ej.Message.CreatedAt) {
			return ei.Message.CreatedAt.Before(ej.Message.CreatedAt)
		}
		return ei.Message.ID < ej.Message.ID
	})
}

// OnPinned updates pin state in place; the event carries the full message,
// so an unseen id is appended rather than dropped.
func (b *Buffer) OnPinned(msg types.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if entry, ok := b.byID[msg.ID]; ok {
		entry.Message.Pinned = msg.Pinned
		return
	}
	entry := &Entry{Message: &msg}
	b.entries = append(b.entries, entry)
	b.byID[msg.ID] = entry
}

// OnDeleted removes the message from the visible list entirely.
func (b *Buffer) OnDeleted(messageID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.byID[messageID]
	if !ok {
		return
	}
	delete(b.byID, messageID)
	b.removeEntry(entry)
}

// Pending returns the pending message for a tempId, if still unacked.
func (b *Buffer) Pending(tempID string) (types.PendingMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.byTemp[tempID]
	if !ok {
		return types.PendingMessage{}, false
	}
	return *entry.Pending, true
}

// Discard drops a pending entry the user gave up on. Acked entries are
// not discardable through this path.
func (b *Buffer) Discard(tempID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.byTemp[tempID]
	if !ok {
		return false
	}
	delete(b.byTemp, tempID)
	b.removeEntry(entry)
	return true
}

// Reset clears everything; used when switching rooms.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
	b.byTemp = make(map[string]*Entry)
	b.byID = make(map[string]*Entry)
}

// Snapshot returns a copy of the visible list in display order.
func (b *Buffer) Snapshot() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	for i, e := range b.entries {
		out[i] = *e
	}
	return out
}

// Len returns the visible list length.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
