package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeRegisters(t *testing.T) {
	// 100, -100, 300 as big-endian register words.
	raw := []byte{0x00, 0x64, 0xFF, 0x9C, 0x01, 0x2C}
	assert.Equal(t, []int16{100, -100, 300}, decodeRegisters(raw))
}

func TestDecodeRegisters_EmptyAndOddInput(t *testing.T) {
	assert.Empty(t, decodeRegisters(nil))
	// A trailing half-word cannot form a register and is ignored.
	assert.Equal(t, []int16{1}, decodeRegisters([]byte{0x00, 0x01, 0xFF}))
}
