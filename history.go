package ssesignal

import (
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// history remembers recently published events for resyncing reconnecting
// clients. Events are stored under the key of the event ID they follow, so
// the missed events can be replayed by walking from the client last event ID
// towards the server one.
//
// Entries expire after a TTL and at most size entries are kept, the oldest
// entry is evicted first. Expired entries stay in memory until evicted.
type history struct {
	mu    sync.Mutex
	items *cache.Cache
	keys  []string
	ctr   int
}

// newHistory creates a new history, nil is returned if size is not positive.
func newHistory(size int, ttl time.Duration) *history {
	if size <= 0 {
		return nil
	}
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	// No janitor goroutine: Get skips expired items and the key ring bounds
	// the number of entries kept in memory.
	return &history{
		items: cache.New(ttl, 0),
		keys:  make([]string, size),
	}
}

// add stores event as the successor of prevID on the topic.
func (h *history) add(topic, prevID string, event *Event) {
	if h == nil {
		return
	}
	key := topicIDKey(topic, prevID)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.ctr = (h.ctr + 1) % len(h.keys)
	if old := h.keys[h.ctr]; old != "" {
		h.items.Delete(old)
	}
	h.keys[h.ctr] = key
	h.items.Set(key, event, cache.DefaultExpiration)
}

// since returns events published on the topic after fromID up to and including
// toID. The second return value is false if the chain of events is not
// complete.
func (h *history) since(topic, fromID, toID string) ([]Event, bool) {
	if h == nil {
		return nil, false
	}

	var events []Event
	for fromID != toID {
		item, ok := h.items.Get(topicIDKey(topic, fromID))
		if !ok {
			return nil, false
		}
		event := item.(*Event)
		events = append(events, *event)
		fromID = event.ID
		if len(events) > len(h.keys) {
			// IDs repeat, the chain can not lead to toID
			return nil, false
		}
	}
	return events, true
}

func topicIDKey(topic string, id string) string {
	return fmt.Sprintf("%d:%s%d:%s", len(topic), topic, len(id), id)
}
