package patch

// Selector picks one candidate among same-language blocks.
type Selector interface {
	Select(blocks []Block) (Block, bool)
}

// SelectorFunc adapts a function to Selector.
type SelectorFunc func(blocks []Block) (Block, bool)

func (f SelectorFunc) Select(blocks []Block) (Block, bool) { return f(blocks) }

// Longest picks the block with the most content; ties go to the earliest.
var Longest = SelectorFunc(func(blocks []Block) (Block, bool) {
	if len(blocks) == 0 {
		return Block{}, false
	}
	best := blocks[0]
	for _, b := range blocks[1:] {
		if len(b.Text) > len(best.Text) {
			best = b
		}
	}
	return best, true
})

// FirstUnlessShort picks the first block unless it has fewer than min
// characters, in which case the longest block wins.
func FirstUnlessShort(min int) Selector {
	return SelectorFunc(func(blocks []Block) (Block, bool) {
		if len(blocks) == 0 {
			return Block{}, false
		}
		if len(blocks[0].Text) >= min {
			return blocks[0], true
		}
		return Longest.Select(blocks)
	})
}
