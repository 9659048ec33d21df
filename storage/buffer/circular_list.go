// this code is from https://github.com/brunocalza/go-bustub
// its license and copyright notice are kept in that repository

package buffer

import (
	"fmt"
	"strings"
)

// node of the clock. value is the reference bit.
type node struct {
	key   FrameID
	value bool
	next  *node
	prev  *node
}

type circularList struct {
	head       *node
	tail       *node
	size       uint32
	capacity   uint32
	supportMap map[FrameID]*node
}

func (c *circularList) hasKey(key FrameID) bool {
	_, ok := c.supportMap[key]
	return ok
}

// insert appends a node behind the tail, or updates the reference bit of an
// existing one.
func (c *circularList) insert(key FrameID, value bool) *node {
	if n, ok := c.supportMap[key]; ok {
		n.value = value
		return n
	}
	if c.size == c.capacity {
		panic("circularList::insert capacity is full")
	}

	newNode := &node{key, value, nil, nil}
	if c.size == 0 {
		newNode.next = newNode
		newNode.prev = newNode
		c.head = newNode
		c.tail = newNode
	} else {
		newNode.next = c.head
		newNode.prev = c.tail
		c.tail.next = newNode
		c.head.prev = newNode
		c.tail = newNode
	}
	c.size++
	c.supportMap[key] = newNode
	return newNode
}

func (c *circularList) remove(key FrameID) {
	n, ok := c.supportMap[key]
	if !ok {
		return
	}
	delete(c.supportMap, key)
	c.size--

	if c.size == 0 {
		c.head = nil
		c.tail = nil
		return
	}
	if n == c.head {
		c.head = n.next
	}
	if n == c.tail {
		c.tail = n.prev
	}
	n.next.prev = n.prev
	n.prev.next = n.next
}

func (c *circularList) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "circularList size:%d |", c.size)
	ptr := c.head
	for i := uint32(0); i < c.size; i++ {
		fmt.Fprintf(&sb, "-%v,%v-", ptr.key, ptr.value)
		ptr = ptr.next
	}
	return sb.String()
}

func newCircularList(maxSize uint32) *circularList {
	return &circularList{nil, nil, 0, maxSize, make(map[FrameID]*node)}
}
