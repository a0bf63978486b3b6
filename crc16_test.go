package aredis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlotKnownValues(t *testing.T) {
	// reference values from the cluster specification
	assert.Equal(t, 12182, SlotString("foo"))
	assert.Equal(t, 0, SlotString(""))
	assert.Equal(t, 0x31C3, SlotString("123456789")) // CRC16 XMODEM check value
}

func TestSlotHashtag(t *testing.T) {
	// keys sharing a tag land on the same slot
	assert.Equal(t, SlotString("{tag}x"), SlotString("{tag}y"))
	assert.Equal(t, SlotString("tag"), SlotString("{tag}anything"))

	// only the first tag counts
	assert.Equal(t, SlotString("a"), SlotString("{a}{b}"))

	// an empty tag falls back to the whole key
	assert.Equal(t, int(crc16([]byte("{}"))&(HashSlots-1)), SlotString("{}"))
	assert.NotEqual(t, SlotString(""), SlotString("{}x")) // "{}x" hashes "{}x" itself

	// unclosed brace hashes the whole key
	assert.Equal(t, int(crc16([]byte("{open"))&(HashSlots-1)), SlotString("{open"))
}

func TestHashtagExtraction(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"plain", "plain"},
		{"{user}.follows", "user"},
		{"{}empty", "{}empty"},
		{"a{b}c", "b"},
		{"a{b{c}d", "b{c"},
		{"{open", "{open"},
		{"close}", "close}"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, string(hashtag([]byte(tt.key))), "key %q", tt.key)
	}
}

func TestSlotRange(t *testing.T) {
	for _, key := range []string{"a", "zz", "some:longer:key", "\x00\xff"} {
		slot := SlotString(key)
		assert.GreaterOrEqual(t, slot, 0)
		assert.Less(t, slot, HashSlots)
	}
}
