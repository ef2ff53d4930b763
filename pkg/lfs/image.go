// Package lfs owns LittleFS image buffers and the mounted view used to read
// and write them. The filesystem algorithm itself is supplied by an Engine.
package lfs

import (
	"fmt"
	"log/slog"

	"github.com/fly-io/littlefs-tool/pkg/errors"
)

// Image is a fixed-size buffer laid out as a LittleFS volume. It owns the
// buffer exclusively until IntoData hands it out.
type Image struct {
	cfg     ImageConfig
	dev     *buffer
	engine  Engine
	mounted bool
}

// Option customises an Image.
type Option func(*Image)

// WithEngine selects the filesystem engine. The default is the littlefs
// C library binding.
func WithEngine(e Engine) Option {
	return func(img *Image) { img.engine = e }
}

// New validates cfg and allocates an erased, unformatted buffer.
func New(cfg ImageConfig, opts ...Option) (*Image, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	img := &Image{cfg: cfg, engine: DefaultEngine()}
	for _, opt := range opts {
		opt(img)
	}
	img.dev = newBuffer(cfg.ImageSize(), cfg.BlockSize)

	slog.Debug("image_allocated", "block_size", cfg.BlockSize, "block_count", cfg.BlockCount, "bytes", cfg.ImageSize())
	return img, nil
}

// FromData wraps an existing image. The buffer length must match the
// configured geometry exactly. The image takes ownership of data.
func FromData(cfg ImageConfig, data []byte, opts ...Option) (*Image, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(data) != cfg.ImageSize() {
		return nil, &ConfigError{
			Field:  "block_count",
			Reason: fmt.Sprintf("data is %d bytes, geometry needs %d", len(data), cfg.ImageSize()),
		}
	}
	img := &Image{cfg: cfg, engine: DefaultEngine()}
	for _, opt := range opts {
		opt(img)
	}
	img.dev = &buffer{data: data, blockSize: cfg.BlockSize}
	return img, nil
}

// Config returns the geometry the image was created with.
func (img *Image) Config() ImageConfig { return img.cfg }

// Format writes fresh filesystem metadata, discarding any previous content.
func (img *Image) Format() error {
	if img.dev == nil {
		return ErrConsumed
	}
	if img.mounted {
		return ErrAlreadyMounted
	}
	if img.cfg.BlockCount < MinFormatBlocks {
		return &FormatError{Reason: fmt.Sprintf("need at least %d blocks, have %d", MinFormatBlocks, img.cfg.BlockCount)}
	}
	if err := img.engine.Format(img.dev, img.cfg.geometry()); err != nil {
		slog.Error("image_format_failed", "error", err)
		return &FormatError{Reason: "engine rejected the buffer", Err: mapError(err)}
	}
	slog.Debug("image_formatted", "block_count", img.cfg.BlockCount)
	return nil
}

// IsMountable reports whether the buffer holds a filesystem the engine can
// mount. The buffer is left unchanged.
func (img *Image) IsMountable() bool {
	if img.dev == nil || img.mounted {
		return false
	}
	vol, err := img.engine.Mount(img.dev, img.cfg.geometry())
	if err != nil {
		return false
	}
	return vol.Unmount() == nil
}

// MountAndThen mounts the image, runs fn with the mounted view and unmounts
// on every exit path. The error from fn is returned unchanged; an unmount
// failure is only reported when fn succeeded. The FS must not be retained
// after fn returns.
func (img *Image) MountAndThen(fn func(*FS) error) (err error) {
	if img.dev == nil {
		return ErrConsumed
	}
	if img.mounted {
		return ErrAlreadyMounted
	}

	vol, err := img.engine.Mount(img.dev, img.cfg.geometry())
	if err != nil {
		return errors.Wrap(mapError(err), "mount")
	}
	img.mounted = true

	fsys := &FS{vol: vol, cfg: img.cfg}
	defer func() {
		fsys.vol = nil
		img.mounted = false
		if uerr := vol.Unmount(); uerr != nil {
			slog.Error("image_unmount_failed", "error", uerr)
			if err == nil {
				err = errors.Wrap(mapError(uerr), "unmount")
			}
		}
	}()

	return fn(fsys)
}

// WithMount is MountAndThen for closures that produce a value.
func WithMount[T any](img *Image, fn func(*FS) (T, error)) (T, error) {
	var out T
	err := img.MountAndThen(func(fsys *FS) error {
		v, err := fn(fsys)
		out = v
		return err
	})
	return out, err
}

// Data returns the current buffer without giving up ownership. Callers must
// not modify it.
func (img *Image) Data() []byte {
	if img.dev == nil {
		return nil
	}
	return img.dev.data
}

// IntoData hands the buffer to the caller. The image is unusable afterwards.
func (img *Image) IntoData() ([]byte, error) {
	if img.dev == nil {
		return nil, ErrConsumed
	}
	if img.mounted {
		return nil, ErrAlreadyMounted
	}
	data := img.dev.data
	img.dev = nil
	return data, nil
}
