// this code is from https://github.com/brunocalza/go-bustub
// its license and copyright notice are kept in that repository

package buffer

// FrameID is the type for frame id
type FrameID uint32

/**
 * ClockReplacer implements the clock replacement policy, which approximates the Least Recently Used policy.
 * Only frames with pin count zero are in the clock. The caller serializes access.
 */
type ClockReplacer struct {
	cList     *circularList
	clockHand *node
}

// Victim removes the victim frame as defined by the replacement policy.
// It returns nil when every frame is pinned.
func (c *ClockReplacer) Victim() *FrameID {
	if c.cList.size == 0 {
		return nil
	}

	for {
		if c.clockHand.value {
			c.clockHand.value = false
			c.clockHand = c.clockHand.next
			continue
		}
		frameID := c.clockHand.key
		next := c.clockHand.next
		c.cList.remove(frameID)
		if c.cList.size == 0 {
			c.clockHand = nil
		} else {
			c.clockHand = next
		}
		return &frameID
	}
}

// Unpin unpins a frame, indicating that it can now be victimized
func (c *ClockReplacer) Unpin(id FrameID) {
	n := c.cList.insert(id, true)
	if c.clockHand == nil {
		c.clockHand = n
	}
}

// Pin pins a frame, indicating that it should not be victimized until it is unpinned
func (c *ClockReplacer) Pin(id FrameID) {
	n, ok := c.cList.supportMap[id]
	if !ok {
		return
	}
	if c.clockHand == n {
		c.clockHand = n.next
	}
	c.cList.remove(id)
	if c.cList.size == 0 {
		c.clockHand = nil
	}
}

func (c *ClockReplacer) isContain(id FrameID) bool {
	return c.cList.hasKey(id)
}

// Size returns the size of the clock
func (c *ClockReplacer) Size() uint32 {
	return c.cList.size
}

func (c *ClockReplacer) String() string {
	return c.cList.String()
}

// NewClockReplacer instantiates a new clock replacer
func NewClockReplacer(poolSize uint32) *ClockReplacer {
	return &ClockReplacer{newCircularList(poolSize), nil}
}
