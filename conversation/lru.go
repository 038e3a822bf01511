package conversation

import "container/list"

// lru is a minimal fixed-capacity LRU used to memoize conversation and
// session identifiers. Not safe for concurrent use; each worker owns its own
// reconstructor state or callers serialize access.
type lru struct {
	cap   int
	order *list.List
	items map[string]*list.Element
}

type lruEntry struct {
	key   string
	value string
}

func newLRU(capacity int) *lru {
	if capacity <= 0 {
		capacity = 256
	}
	return &lru{cap: capacity, order: list.New(), items: make(map[string]*list.Element, capacity)}
}

func (c *lru) get(key string) (string, bool) {
	el, ok := c.items[key]
	if !ok {
		return "", false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).value, true
}

func (c *lru) put(key, value string) {
	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).value = value
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&lruEntry{key: key, value: value})
	if c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry).key)
	}
}
