package authsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/HK-LEEE/maxlab-sub001/pkg/logging"
)

// DefaultPollInterval is the fallback polling interval when fsnotify is not
// available.
const DefaultPollInterval = 2 * time.Second

// DefaultCleanupDelay is how long an emitted event file stays on disk before
// the writer removes it. Long enough for sibling processes to read it, short
// enough to keep the directory from accumulating files.
const DefaultCleanupDelay = 2 * time.Second

// FileChannelConfig holds configuration for the file-backed event channel.
type FileChannelConfig struct {
	// Dir is the directory where event files are exchanged.
	Dir string

	// Handlers receive events emitted by other processes.
	Handlers Handlers

	// PollInterval is the fallback polling interval when fsnotify is not
	// available.
	PollInterval time.Duration

	// CleanupDelay is how long emitted event files stay on disk.
	CleanupDelay time.Duration
}

// FileChannel exchanges authentication events between OS processes through
// short-lived JSON files in a shared directory. It uses fsnotify for
// efficient monitoring with a fallback to polling for environments where
// fsnotify is not available or reliable.
type FileChannel struct {
	mu sync.Mutex

	config FileChannelConfig
	origin string

	// fsWatcher is the fsnotify watcher (may be nil if fsnotify is unavailable)
	fsWatcher *fsnotify.Watcher

	// stopCh signals the watcher to stop
	stopCh chan struct{}

	// running indicates if the channel is active
	running bool

	// closed is set once Close has been called
	closed bool

	// seen tracks processed event IDs so polling and fsnotify paths never
	// dispatch the same event twice
	seenMu sync.Mutex
	seen   map[string]time.Time
}

// NewFileChannel creates a file-backed event channel. The event directory is
// created if missing.
func NewFileChannel(config FileChannelConfig) (*FileChannel, error) {
	if config.Dir == "" {
		return nil, errors.New("event directory is required")
	}
	if config.PollInterval == 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.CleanupDelay == 0 {
		config.CleanupDelay = DefaultCleanupDelay
	}

	if err := os.MkdirAll(config.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create event directory: %w", err)
	}

	return &FileChannel{
		config: config,
		origin: uuid.NewString(),
		seen:   make(map[string]time.Time),
	}, nil
}

// Start begins watching for events from other processes.
func (c *FileChannel) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	c.stopCh = make(chan struct{})
	c.running = true

	// Try to use fsnotify for efficient file watching
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warn("AuthSync", "fsnotify not available, falling back to polling: %v", err)
		go c.pollForEvents()
		return nil
	}

	c.fsWatcher = watcher

	if err := c.fsWatcher.Add(c.config.Dir); err != nil {
		logging.Warn("AuthSync", "Failed to watch directory %s, falling back to polling: %v",
			c.config.Dir, err)
		c.fsWatcher.Close()
		c.fsWatcher = nil
		go c.pollForEvents()
		return nil
	}

	// Capture channels before releasing lock to avoid race conditions
	eventsCh := c.fsWatcher.Events
	errorsCh := c.fsWatcher.Errors

	go c.processEvents(eventsCh, errorsCh)

	logging.Debug("AuthSync", "Watching %s for auth events", c.config.Dir)
	return nil
}

// Broadcast writes the event to a file in the shared directory, where sibling
// processes pick it up. The file is removed after the cleanup delay.
func (c *FileChannel) Broadcast(eventType EventType, payload map[string]string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.New("channel is closed")
	}

	event := newEvent(c.origin, eventType, payload)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	path := filepath.Join(c.config.Dir, fmt.Sprintf("%d-%s.json", event.TimestampMs, event.ID))
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write event file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to publish event file: %w", err)
	}

	// Event files are transient; remove after siblings had a chance to read.
	time.AfterFunc(c.config.CleanupDelay, func() {
		os.Remove(path)
	})

	return nil
}

// processEvents handles fsnotify events.
// The channels are passed as parameters to avoid race conditions with Close().
func (c *FileChannel) processEvents(eventsCh <-chan fsnotify.Event, errorsCh <-chan error) {
	for {
		select {
		case <-c.stopCh:
			return

		case event, ok := <-eventsCh:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			c.handleEventFile(event.Name)

		case err, ok := <-errorsCh:
			if !ok {
				return
			}
			logging.Error("AuthSync", err, "fsnotify error")
		}
	}
}

// pollForEvents implements fallback polling when fsnotify is not available.
func (c *FileChannel) pollForEvents() {
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return

		case <-ticker.C:
			entries, err := os.ReadDir(c.config.Dir)
			if err != nil {
				continue
			}
			for _, entry := range entries {
				if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
					continue
				}
				c.handleEventFile(filepath.Join(c.config.Dir, entry.Name()))
			}
		}
	}
}

// handleEventFile reads, validates, and dispatches a single event file.
func (c *FileChannel) handleEventFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		// The writer may have already cleaned it up.
		return
	}

	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		logging.Debug("AuthSync", "Ignoring malformed event file %s: %v", filepath.Base(path), err)
		return
	}

	// Skip events this channel emitted itself.
	if event.Origin == c.origin {
		return
	}

	// Stale events belong to a previous process generation.
	if event.Age() > MaxEventAge {
		os.Remove(path)
		return
	}

	if !c.markSeen(event.ID) {
		return
	}

	logging.Debug("AuthSync", "Received %s event from sibling process", event.Type)
	c.config.Handlers.dispatch(event)
}

// markSeen records an event ID, returning false if it was already processed.
func (c *FileChannel) markSeen(id string) bool {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()

	if _, exists := c.seen[id]; exists {
		return false
	}
	c.seen[id] = time.Now()

	// Prune IDs old enough that their event files are long gone.
	if len(c.seen) > 64 {
		cutoff := time.Now().Add(-2 * MaxEventAge)
		for seenID, at := range c.seen {
			if at.Before(cutoff) {
				delete(c.seen, seenID)
			}
		}
	}
	return true
}

// Close stops watching and releases resources.
func (c *FileChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if !c.running {
		return nil
	}

	c.running = false
	close(c.stopCh)

	if c.fsWatcher != nil {
		if err := c.fsWatcher.Close(); err != nil {
			logging.Warn("AuthSync", "Error closing fsnotify watcher: %v", err)
		}
		c.fsWatcher = nil
	}

	return nil
}

// IsRunning returns whether the channel is currently watching for events.
func (c *FileChannel) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
