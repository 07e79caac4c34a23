package fifo

import (
	"testing"

	"github.com/PAE-HP-TARDOR-2025/firmware-updater/internal/crc"
	"github.com/stretchr/testify/assert"
)

func TestWriteRead(t *testing.T) {
	f := NewFifo(16)
	assert.Equal(t, 15, f.GetSpace())

	n := f.Write([]byte{1, 2, 3, 4, 5}, nil)
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, f.GetOccupied())

	buf := make([]byte, 3)
	n = f.Read(buf)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{1, 2, 3}, buf)
	assert.Equal(t, 2, f.GetOccupied())
}

func TestWrapAround(t *testing.T) {
	f := NewFifo(8)
	buf := make([]byte, 8)
	for i := 0; i < 5; i++ {
		assert.Equal(t, 6, f.Write([]byte{1, 2, 3, 4, 5, 6}, nil))
		assert.Equal(t, 6, f.Read(buf))
	}
}

func TestWriteFull(t *testing.T) {
	f := NewFifo(8)
	n := f.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, nil)
	// One slot is always kept free
	assert.Equal(t, 7, n)
	assert.Equal(t, 0, f.GetSpace())
}

func TestWriteCrc(t *testing.T) {
	data := []byte{0xAA, 0xBB, 0xCC}
	f := NewFifo(16)
	running := crc.Seed
	f.Write(data, &running)
	assert.Equal(t, crc.Hash(data), running)
}
