package aredis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Every slot has a representative key, and the representative hashes back
// to its slot.
func TestKeyForSlotTotality(t *testing.T) {
	for slot := 0; slot < HashSlots; slot++ {
		key := KeyForSlot(slot)
		require.NotEmpty(t, key, "slot %d has no representative", slot)
		require.Equal(t, slot, SlotString(key), "representative for slot %d", slot)
	}
}

// Hashtag placement: "{rep}suffix" lands on the representative's slot.
func TestKeyForSlotHashtagPlacement(t *testing.T) {
	for _, slot := range []int{0, 1, 1234, 8191, 16383} {
		key := "{" + KeyForSlot(slot) + "}whatever"
		assert.Equal(t, slot, SlotString(key))
	}
}

func TestKeyForSlotOutOfRange(t *testing.T) {
	assert.Empty(t, KeyForSlot(-1))
	assert.Empty(t, KeyForSlot(HashSlots))
}
