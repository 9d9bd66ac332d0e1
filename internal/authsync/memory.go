package authsync

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// MemoryChannel delivers events to subscribers within the same process.
// It mirrors the FileChannel contract, so components can be wired against
// Channel and tested without touching the filesystem.
type MemoryChannel struct {
	origin string

	mu          sync.RWMutex
	subscribers []Handlers
	closed      bool
}

// NewMemoryChannel creates an in-process event channel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{origin: uuid.NewString()}
}

// Subscribe registers handlers that receive every subsequent broadcast.
func (c *MemoryChannel) Subscribe(handlers Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, handlers)
}

// Broadcast delivers the event synchronously to all subscribers.
func (c *MemoryChannel) Broadcast(eventType EventType, payload map[string]string) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return errors.New("channel is closed")
	}
	subscribers := make([]Handlers, len(c.subscribers))
	copy(subscribers, c.subscribers)
	c.mu.RUnlock()

	event := newEvent(c.origin, eventType, payload)
	for _, handlers := range subscribers {
		handlers.dispatch(event)
	}
	return nil
}

// Close stops the channel. Registered subscribers are dropped.
func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.subscribers = nil
	return nil
}
