package event

import (
	"container/list"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// DedupWindow — bounded recent-identity set guarding the watermark boundary
// ---------------------------------------------------------------------------

// DedupWindow remembers recently relayed event identities. Because the poller
// queries with an inclusive time boundary, events sharing the watermark
// timestamp are re-fetched every cycle; the window absorbs them. Bounded by
// capacity (LRU eviction) and a retention TTL. Safe for concurrent use,
// though in practice only the poller touches it.
type DedupWindow struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	ll    *list.List               // most-recent at front
	items map[string]*list.Element // event ID -> element
}

type dedupEntry struct {
	id  string
	exp time.Time
}

// DefaultDedupCapacity bounds the window when the config leaves it unset.
const DefaultDedupCapacity = 512

// NewDedupWindow creates a window holding at most capacity identities, each
// retained for ttl.
func NewDedupWindow(capacity int, ttl time.Duration) *DedupWindow {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &DedupWindow{
		cap:   capacity,
		ttl:   ttl,
		ll:    list.New(),
		items: make(map[string]*list.Element, capacity),
	}
}

// Seen reports whether the event identity is in the window. A hit refreshes
// its LRU position; an expired entry is removed and reported unseen.
func (d *DedupWindow) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.items[id]; ok {
		en := el.Value.(dedupEntry)
		if time.Now().Before(en.exp) {
			d.ll.MoveToFront(el)
			return true
		}
		d.ll.Remove(el)
		delete(d.items, id)
	}
	return false
}

// Mark records the event identity as relayed, evicting the oldest entries
// once the window is over capacity and trimming expired entries at the tail.
func (d *DedupWindow) Mark(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.items[id]; ok {
		en := el.Value.(dedupEntry)
		en.exp = time.Now().Add(d.ttl)
		el.Value = en
		d.ll.MoveToFront(el)
		return
	}

	el := d.ll.PushFront(dedupEntry{id: id, exp: time.Now().Add(d.ttl)})
	d.items[id] = el

	for d.ll.Len() > d.cap {
		t := d.ll.Back()
		if t == nil {
			break
		}
		old := t.Value.(dedupEntry)
		d.ll.Remove(t)
		delete(d.items, old.id)
	}

	for {
		t := d.ll.Back()
		if t == nil {
			break
		}
		if time.Now().Before(t.Value.(dedupEntry).exp) {
			break
		}
		d.ll.Remove(t)
		delete(d.items, t.Value.(dedupEntry).id)
	}
}

// Len returns the number of identities currently held.
func (d *DedupWindow) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ll.Len()
}
