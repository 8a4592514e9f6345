package worker

import (
	"container/list"
	"sync"
)

// dedupSet is a bounded, LRU-evicting set of envelope IDs. The
// Subscriber uses it to suppress replays when the polling fallback
// re-observes an envelope already delivered.
type dedupSet struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

func newDedupSet(capacity int) *dedupSet {
	if capacity <= 0 {
		capacity = 512
	}
	return &dedupSet{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// SeenOrAdd reports whether id was already recorded. If not, it is
// added as the most recently used entry, evicting the oldest entry
// once the set exceeds capacity.
func (d *dedupSet) SeenOrAdd(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.index[id]; ok {
		d.order.MoveToFront(el)
		return true
	}

	el := d.order.PushFront(id)
	d.index[id] = el
	for d.order.Len() > d.capacity {
		oldest := d.order.Back()
		if oldest == nil {
			break
		}
		d.order.Remove(oldest)
		delete(d.index, oldest.Value.(string))
	}
	return false
}

// Reset drains the set, used when the Subscriber switches back to
// streaming after a polling interval and wants a clean slate.
func (d *dedupSet) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.order.Init()
	d.index = make(map[string]*list.Element)
}

// Len reports the current number of tracked IDs.
func (d *dedupSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}
