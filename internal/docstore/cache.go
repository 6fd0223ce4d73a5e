package docstore

import "sync"

type slot int

const (
	slotAuthed slot = iota
	slotPublic
)

type cachedSnapshot struct {
	containerID string
	files       map[string]string
}

// ReadCache holds the last raw container contents seen through the
// authenticated and the anonymous read paths.
type ReadCache struct {
	mu    sync.Mutex
	slots [2]*cachedSnapshot
}

func (c *ReadCache) get(s slot, containerID string) (map[string]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.slots[s]
	if entry == nil || entry.containerID != containerID {
		return nil, false
	}
	return entry.files, true
}

func (c *ReadCache) put(s slot, containerID string, files map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots[s] = &cachedSnapshot{containerID: containerID, files: files}
}

// Invalidate clears both slots.
func (c *ReadCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots[slotAuthed] = nil
	c.slots[slotPublic] = nil
}
