package dispatch

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMsgSeqCounter_MonotonicPerMessage(t *testing.T) {
	c := NewMsgSeqCounter()

	first := c.Next("m-1")
	second := c.Next("m-1")
	third := c.Next("m-1")
	assert.Equal(t, first+1, second)
	assert.Equal(t, second+1, third)

	// Another message gets its own series starting over.
	other := c.Next("m-2")
	assert.Equal(t, first, other)
}

func TestMsgSeqCounter_BaseWithinRange(t *testing.T) {
	c := NewMsgSeqCounter()
	seq := c.Next("m-1")
	assert.Greater(t, seq, int64(0))
	assert.Less(t, seq, int64(seqBaseMod)+1)
}

func TestMsgSeqCounter_EvictsOldKeys(t *testing.T) {
	c := NewMsgSeqCounter()

	first := c.Next("keep")
	c.Next("keep")

	// Flood enough distinct keys to push "keep" out.
	for i := 0; i < msgSeqCapacity; i++ {
		c.Next(fmt.Sprintf("m-%d", i))
	}
	assert.LessOrEqual(t, c.Len(), msgSeqCapacity)

	// Evicted keys restart their series.
	assert.Equal(t, first, c.Next("keep"))
}
