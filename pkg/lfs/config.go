package lfs

import (
	"fmt"
	"math"
)

const (
	// MinBlockSize is the smallest erase block littlefs accepts.
	MinBlockSize = 128
	// DefaultNameMax matches LFS_NAME_MAX in the littlefs C library.
	DefaultNameMax = 255
	// DefaultBlockCycles disables wear leveling.
	DefaultBlockCycles = -1
	// MinFormatBlocks is the number of blocks littlefs needs for its
	// superblock metadata pair.
	MinFormatBlocks = 2
)

// ImageConfig describes the geometry of an image. It is immutable once an
// Image has been created from it.
type ImageConfig struct {
	BlockSize   uint32
	BlockCount  uint32
	ReadSize    uint32
	WriteSize   uint32
	BlockCycles int32
	NameMax     uint32
}

// NewImageConfig returns a config with the given geometry and default wear
// leveling and name limits.
func NewImageConfig(blockSize, blockCount, readSize, writeSize uint32) ImageConfig {
	return ImageConfig{
		BlockSize:   blockSize,
		BlockCount:  blockCount,
		ReadSize:    readSize,
		WriteSize:   writeSize,
		BlockCycles: DefaultBlockCycles,
		NameMax:     DefaultNameMax,
	}
}

// Validate checks the geometry invariants. It runs before any buffer is
// allocated.
func (c ImageConfig) Validate() error {
	switch {
	case c.BlockSize == 0:
		return &ConfigError{Field: "block_size", Reason: "must be greater than 0"}
	case c.BlockCount == 0:
		return &ConfigError{Field: "block_count", Reason: "must be greater than 0"}
	case c.ReadSize == 0:
		return &ConfigError{Field: "read_size", Reason: "must be greater than 0"}
	case c.WriteSize == 0:
		return &ConfigError{Field: "write_size", Reason: "must be greater than 0"}
	}
	if c.BlockSize < MinBlockSize {
		return &ConfigError{Field: "block_size", Reason: fmt.Sprintf("must be >= %d", MinBlockSize)}
	}
	if c.BlockSize%c.ReadSize != 0 {
		return &ConfigError{Field: "read_size", Reason: fmt.Sprintf("%d does not divide block_size %d", c.ReadSize, c.BlockSize)}
	}
	if c.BlockSize%c.WriteSize != 0 {
		return &ConfigError{Field: "write_size", Reason: fmt.Sprintf("%d does not divide block_size %d", c.WriteSize, c.BlockSize)}
	}
	total := uint64(c.BlockSize) * uint64(c.BlockCount)
	if total > math.MaxInt {
		return &ConfigError{Field: "block_count", Reason: fmt.Sprintf("image size %d overflows", total)}
	}
	return nil
}

// ImageSize is BlockSize*BlockCount in bytes.
func (c ImageConfig) ImageSize() int {
	return int(c.BlockSize) * int(c.BlockCount)
}

// CacheSize is the larger of the read and write units when it divides the
// block size, otherwise the block size itself.
func (c ImageConfig) CacheSize() uint32 {
	base := max(c.ReadSize, c.WriteSize)
	if base != 0 && c.BlockSize%base == 0 {
		return base
	}
	return c.BlockSize
}

// LookaheadSize is the byte size of the allocator bitmap. It covers every
// block, is a multiple of 8 and is at least 16.
func (c ImageConfig) LookaheadSize() uint32 {
	needed := (c.BlockCount + 7) / 8
	aligned := ((needed + 7) / 8) * 8
	return max(aligned, 16)
}

func (c ImageConfig) nameMax() uint32 {
	if c.NameMax == 0 {
		return DefaultNameMax
	}
	return c.NameMax
}

func (c ImageConfig) geometry() Geometry {
	return Geometry{
		BlockSize:     c.BlockSize,
		BlockCount:    c.BlockCount,
		ReadSize:      c.ReadSize,
		ProgSize:      c.WriteSize,
		CacheSize:     c.CacheSize(),
		LookaheadSize: c.LookaheadSize(),
		BlockCycles:   c.BlockCycles,
		NameMax:       c.nameMax(),
	}
}

func (c ImageConfig) String() string {
	return fmt.Sprintf("%d blocks x %d bytes (read %d, write %d)", c.BlockCount, c.BlockSize, c.ReadSize, c.WriteSize)
}
