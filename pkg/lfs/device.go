package lfs

import (
	"fmt"
	"io"
)

// ErasedByte is the value of erased NOR flash.
const ErasedByte = 0xFF

// buffer is the in-memory flash the image owns.
type buffer struct {
	data      []byte
	blockSize uint32
}

func newBuffer(size int, blockSize uint32) *buffer {
	data := make([]byte, size)
	for i := range data {
		data[i] = ErasedByte
	}
	return &buffer{data: data, blockSize: blockSize}
}

func (b *buffer) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(b.data)) {
		return 0, fmt.Errorf("read at %d: %w", off, ErrInvalid)
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *buffer) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(b.data)) {
		return 0, fmt.Errorf("write %d bytes at %d: %w", len(p), off, ErrNoSpace)
	}
	return copy(b.data[off:], p), nil
}

func (b *buffer) Erase(block, count uint32) error {
	start := int64(block) * int64(b.blockSize)
	end := start + int64(count)*int64(b.blockSize)
	if end > int64(len(b.data)) {
		return fmt.Errorf("erase blocks %d+%d: %w", block, count, ErrInvalid)
	}
	for i := start; i < end; i++ {
		b.data[i] = ErasedByte
	}
	return nil
}

func (b *buffer) Size() int64 { return int64(len(b.data)) }
