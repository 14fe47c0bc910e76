package gtopdown

// SequentialCache holds parent blocks keyed by consecutive heights.
// Inserts only ever extend the upper end by exactly one.
//
// SequentialCache is not safe for concurrent use.
type SequentialCache struct {
	max    int
	blocks []ParentBlock
}

// NewSequentialCache returns an empty cache holding at most max blocks.
// Once full, inserting evicts the lowest block.
func NewSequentialCache(max int) *SequentialCache {
	return &SequentialCache{max: max}
}

// Bounds returns the lowest and highest cached heights.
func (c *SequentialCache) Bounds() (lower, upper uint64, ok bool) {
	if len(c.blocks) == 0 {
		return 0, 0, false
	}
	return c.blocks[0].Height, c.blocks[len(c.blocks)-1].Height, true
}

// Len reports the number of cached blocks.
func (c *SequentialCache) Len() int {
	return len(c.blocks)
}

// Insert appends b, which must be at height upper+1 unless the cache is empty.
func (c *SequentialCache) Insert(b ParentBlock) error {
	if lower, upper, ok := c.Bounds(); ok {
		switch {
		case b.Height < lower:
			return ErrBelowBound
		case b.Height <= upper:
			return ErrNotNext
		case b.Height > upper+1:
			return ErrAboveBound
		}
	}

	c.blocks = append(c.blocks, b)
	if c.max > 0 && len(c.blocks) > c.max {
		c.blocks = c.blocks[len(c.blocks)-c.max:]
	}
	return nil
}

// Get returns the block at height.
func (c *SequentialCache) Get(height uint64) (ParentBlock, bool) {
	lower, upper, ok := c.Bounds()
	if !ok || height < lower || height > upper {
		return ParentBlock{}, false
	}
	return c.blocks[height-lower], true
}

// RemoveBelow drops every block below height.
func (c *SequentialCache) RemoveBelow(height uint64) {
	lower, upper, ok := c.Bounds()
	switch {
	case !ok || height <= lower:
		return
	case height > upper:
		c.blocks = nil
	default:
		c.blocks = c.blocks[height-lower:]
	}
}

// RemoveAbove drops every block above height.
func (c *SequentialCache) RemoveAbove(height uint64) {
	lower, upper, ok := c.Bounds()
	switch {
	case !ok || height >= upper:
		return
	case height < lower:
		c.blocks = nil
	default:
		c.blocks = c.blocks[:height-lower+1]
	}
}
