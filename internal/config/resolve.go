package config

import (
	"fmt"

	"github.com/fly-io/littlefs-tool/pkg/lfs"
)

// GeometryFlags holds the geometry given on the command line. A nil field
// means the flag was not set.
type GeometryFlags struct {
	BlockSize   *uint32
	PageSize    *uint32
	BlockCount  *uint32
	ImageSize   *uint64
	ReadSize    *uint32
	WriteSize   *uint32
	BlockCycles *int32
	NameMax     *uint32
}

func flagError(field, reason string) error {
	return &lfs.ConfigError{Field: field, Reason: reason}
}

// ResolveForPack builds the geometry for a new image. Flags override the
// project file; without a project every size must come from flags.
func ResolveForPack(p *Project, f GeometryFlags) (lfs.ImageConfig, error) {
	if f.BlockCount != nil && f.ImageSize != nil {
		return lfs.ImageConfig{}, flagError("block_count", "--block-count and --image-size are mutually exclusive")
	}
	cfg, err := resolveBase(p, f)
	if err != nil {
		return lfs.ImageConfig{}, err
	}

	switch {
	case f.ImageSize != nil:
		if cfg.BlockCount, err = blocksFor(*f.ImageSize, cfg.BlockSize); err != nil {
			return lfs.ImageConfig{}, err
		}
	case f.BlockCount != nil:
		cfg.BlockCount = *f.BlockCount
	case p != nil && p.Image.ImageSize != nil:
		// Recomputed so a --block-size override keeps the toml's total size.
		if cfg.BlockCount, err = blocksFor(*p.Image.ImageSize, cfg.BlockSize); err != nil {
			return lfs.ImageConfig{}, err
		}
	case p == nil:
		return lfs.ImageConfig{}, flagError("block_count", "--block-count or --image-size is required without --config")
	}

	if err := cfg.Validate(); err != nil {
		return lfs.ImageConfig{}, err
	}
	return cfg, nil
}

// ResolveForRead builds the geometry for an existing image of imageLen
// bytes. The block count always comes from the image length.
func ResolveForRead(p *Project, f GeometryFlags, imageLen int) (lfs.ImageConfig, error) {
	cfg, err := resolveBase(p, f)
	if err != nil {
		return lfs.ImageConfig{}, err
	}
	if imageLen == 0 {
		return lfs.ImageConfig{}, flagError("block_count", "image file is empty")
	}
	if imageLen%int(cfg.BlockSize) != 0 {
		return lfs.ImageConfig{}, flagError("block_count",
			fmt.Sprintf("image file size (%d) is not a multiple of block_size (%d)", imageLen, cfg.BlockSize))
	}
	cfg.BlockCount = uint32(imageLen / int(cfg.BlockSize))

	if err := cfg.Validate(); err != nil {
		return lfs.ImageConfig{}, err
	}
	return cfg, nil
}

// resolveBase settles everything except the block count.
func resolveBase(p *Project, f GeometryFlags) (lfs.ImageConfig, error) {
	var cfg lfs.ImageConfig
	if p != nil {
		cfg = p.Image.Config()
	} else {
		if f.BlockSize == nil {
			return cfg, flagError("block_size", "--block-size is required without --config")
		}
		cfg = lfs.NewImageConfig(0, 0, 0, 0)
	}

	if f.BlockSize != nil {
		cfg.BlockSize = *f.BlockSize
	}
	if cfg.BlockSize == 0 {
		return cfg, flagError("block_size", "must be greater than 0")
	}
	if v := firstSet(f.ReadSize, f.PageSize); v != nil {
		cfg.ReadSize = *v
	} else if p == nil {
		return cfg, flagError("read_size", "--page-size or --read-size required")
	}
	if v := firstSet(f.WriteSize, f.PageSize); v != nil {
		cfg.WriteSize = *v
	} else if p == nil {
		return cfg, flagError("write_size", "--page-size or --write-size required")
	}
	if f.BlockCycles != nil {
		cfg.BlockCycles = *f.BlockCycles
	}
	if f.NameMax != nil {
		cfg.NameMax = *f.NameMax
	}
	return cfg, nil
}

func firstSet(vals ...*uint32) *uint32 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func blocksFor(size uint64, blockSize uint32) (uint32, error) {
	if blockSize == 0 {
		return 0, flagError("block_size", "must be greater than 0")
	}
	if size%uint64(blockSize) != 0 {
		return 0, flagError("image_size", fmt.Sprintf("%d is not a multiple of block_size (%d)", size, blockSize))
	}
	n := size / uint64(blockSize)
	if n > uint64(^uint32(0)) {
		return 0, flagError("image_size", fmt.Sprintf("%d needs more than %d blocks", size, ^uint32(0)))
	}
	return uint32(n), nil
}
