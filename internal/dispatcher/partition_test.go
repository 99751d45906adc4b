package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartitionEvenSplit(t *testing.T) {
	chunks := partition(10, 2)
	assert.Equal(t, []chunk{{Lo: 1, Hi: 5}, {Lo: 6, Hi: 10}}, chunks)
}

func TestPartitionRemainderGoesToLeadingChunks(t *testing.T) {
	chunks := partition(10, 3)
	assert.Equal(t, []chunk{{Lo: 1, Hi: 4}, {Lo: 5, Hi: 7}, {Lo: 8, Hi: 10}}, chunks)
}

func TestPartitionMoreWorkersThanTestcasesDropsEmptyChunks(t *testing.T) {
	chunks := partition(2, 5)
	assert.Equal(t, []chunk{{Lo: 1, Hi: 1}, {Lo: 2, Hi: 2}}, chunks)
	assert.Len(t, chunks, 2)
}

func TestPartitionSingleWorkerGetsWholeRange(t *testing.T) {
	chunks := partition(7, 1)
	assert.Equal(t, []chunk{{Lo: 1, Hi: 7}}, chunks)
}

func TestPartitionZeroOrNegativeInputsYieldNil(t *testing.T) {
	assert.Nil(t, partition(0, 3))
	assert.Nil(t, partition(10, 0))
	assert.Nil(t, partition(-1, 3))
}

// coverage covers every index [1, n] exactly once across the returned
// chunks, which every caller of partition relies on implicitly.
func TestPartitionCoversWholeRangeExactlyOnce(t *testing.T) {
	for n := 1; n <= 20; n++ {
		for k := 1; k <= 6; k++ {
			chunks := partition(n, k)
			seen := make(map[int]bool, n)
			for _, c := range chunks {
				for i := c.Lo; i <= c.Hi; i++ {
					assert.False(t, seen[i], "index %d covered twice (n=%d k=%d)", i, n, k)
					seen[i] = true
				}
			}
			assert.Len(t, seen, n, "n=%d k=%d did not cover every index", n, k)
		}
	}
}
