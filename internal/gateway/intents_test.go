package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIntentLevels_Bitmasks(t *testing.T) {
	assert.Equal(t, uint32(0x42001000), IntentLevels[0])
	assert.Equal(t, uint32(0x42000000), IntentLevels[1])
	assert.Equal(t, uint32(0x40000002), IntentLevels[2])
}

func TestClampIntentLevel(t *testing.T) {
	assert.Equal(t, 0, ClampIntentLevel(-1))
	assert.Equal(t, 0, ClampIntentLevel(0))
	assert.Equal(t, 2, ClampIntentLevel(2))
	assert.Equal(t, 2, ClampIntentLevel(99))
}

func TestIntentsFor(t *testing.T) {
	assert.Equal(t, IntentLevels[0], IntentsFor(0))
	assert.Equal(t, IntentLevels[2], IntentsFor(LastIntentLevel()))
	assert.Equal(t, IntentLevels[2], IntentsFor(7))
}
