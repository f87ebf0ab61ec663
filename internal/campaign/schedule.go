package campaign

import (
	"math/rand/v2"
	"time"

	"wacampaign/internal/domain"
)

// DelayFunc returns a delay in whole seconds within [lo, hi].
type DelayFunc func(lo, hi int) int

// UniformDelay draws from [lo, hi] with math/rand/v2. Reversed bounds are swapped.
func UniformDelay(lo, hi int) int {
	if hi < lo {
		lo, hi = hi, lo
	}
	if lo == hi {
		return lo
	}
	return lo + rand.IntN(hi-lo+1)
}

// BatchOffsets spaces n messages by a fixed interval: 0, step, 2*step, ...
func BatchOffsets(n int, step time.Duration) []time.Duration {
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = time.Duration(i) * step
	}
	return out
}

// QueueOffsets partitions n messages into the configured blocks in order. The
// delay after message i is drawn from the block that contains i; once the
// configured quantities are used up the last block repeats.
func QueueOffsets(n int, blocks []domain.IntervalBlock, delay DelayFunc) []time.Duration {
	out := make([]time.Duration, n)
	if n == 0 {
		return out
	}
	if delay == nil {
		delay = UniformDelay
	}
	block, used := 0, 0
	var offset time.Duration
	for i := 1; i < n; i++ {
		// the block of message i-1 decides the gap before message i
		for block < len(blocks)-1 && used >= blocks[block].Quantity {
			block++
			used = 0
		}
		b := blocks[block]
		offset += time.Duration(delay(b.Min, b.Max)) * time.Second
		out[i] = offset
		used++
	}
	return out
}

// ValidBlocks drops blocks that cannot be used. A block needs a positive quantity
// and non-negative bounds; reversed bounds are left to the delay function.
func ValidBlocks(blocks []domain.IntervalBlock) []domain.IntervalBlock {
	var out []domain.IntervalBlock
	for _, b := range blocks {
		if b.Quantity <= 0 || b.Min < 0 || b.Max < 0 {
			continue
		}
		out = append(out, b)
	}
	return out
}

// Offsets picks the spacing for a campaign's sending method. A queue campaign
// without usable interval blocks falls back to fixed spacing.
func Offsets(c domain.Campaign, n int, batchStep time.Duration, delay DelayFunc) []time.Duration {
	if c.SendingMethod == domain.MethodQueue {
		if blocks := ValidBlocks(c.IntervalConfig); len(blocks) > 0 {
			return QueueOffsets(n, blocks, delay)
		}
	}
	return BatchOffsets(n, batchStep)
}
