package ratchet

import (
	"container/list"
	"encoding/binary"
)

// skipCache is an insertion-ordered bounded map from (dhPublic, index) to a
// cached message key. When a put would exceed capacity the oldest entry
// is evicted — a plain Go map has no ordering guarantee, so eviction
// needs this container/list-backed index.
type skipCache struct {
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

type skipEntry struct {
	key string
	mk  [32]byte
}

func newSkipCache(capacity int) *skipCache {
	return &skipCache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

func skipCacheKey(dhPublic [32]byte, msgIndex uint32) string {
	buf := make([]byte, 32+4)
	copy(buf, dhPublic[:])
	binary.BigEndian.PutUint32(buf[32:], msgIndex)
	return string(buf)
}

func (c *skipCache) put(dhPublic [32]byte, msgIndex uint32, mk [32]byte) {
	key := skipCacheKey(dhPublic, msgIndex)
	if elem, ok := c.index[key]; ok {
		elem.Value.(*skipEntry).mk = mk
		c.order.MoveToBack(elem)
		return
	}
	elem := c.order.PushBack(&skipEntry{key: key, mk: mk})
	c.index[key] = elem
	if c.order.Len() > c.capacity {
		oldest := c.order.Front()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.index, oldest.Value.(*skipEntry).key)
		}
	}
}

func (c *skipCache) take(dhPublic [32]byte, msgIndex uint32) ([32]byte, bool) {
	key := skipCacheKey(dhPublic, msgIndex)
	elem, ok := c.index[key]
	if !ok {
		return [32]byte{}, false
	}
	mk := elem.Value.(*skipEntry).mk
	c.order.Remove(elem)
	delete(c.index, key)
	return mk, true
}

// peek reports a cached key without removing it.
func (c *skipCache) peek(dhPublic [32]byte, msgIndex uint32) ([32]byte, bool) {
	key := skipCacheKey(dhPublic, msgIndex)
	elem, ok := c.index[key]
	if !ok {
		return [32]byte{}, false
	}
	return elem.Value.(*skipEntry).mk, true
}

func (c *skipCache) len() int {
	return c.order.Len()
}

// clone returns an independent copy preserving insertion order.
func (c *skipCache) clone() *skipCache {
	cp := newSkipCache(c.capacity)
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*skipEntry)
		newElem := cp.order.PushBack(&skipEntry{key: entry.key, mk: entry.mk})
		cp.index[entry.key] = newElem
	}
	return cp
}
