// Package imagefile reads and writes raw image buffers on local disk or S3,
// transparently handling zstd compressed images.
package imagefile

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/fly-io/littlefs-tool/pkg/errors"
	"github.com/fly-io/littlefs-tool/pkg/security"
	"github.com/fly-io/littlefs-tool/pkg/storage"
)

// CompressedSuffix marks zstd compressed images.
const CompressedSuffix = ".zst"

var encoder *zstd.Encoder

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		panic("imagefile: zstd encoder initialization failed: " + err.Error())
	}
}

// Options controls where images come from and how much may be read.
type Options struct {
	// Guard checks the decoded size and compression ratio. Optional.
	Guard *security.Validator
	// MaxSize caps the decoded image. Zero means unlimited.
	MaxSize int64
	// S3 builds clients for s3:// locations. Nil uses anonymous access in
	// us-east-1.
	S3 storage.Factory
}

func (o Options) s3(ctx context.Context, uri string) (*storage.Client, string, error) {
	bucket, key, err := storage.ParseURI(uri)
	if err != nil {
		return nil, "", err
	}
	factory := o.S3
	if factory == nil {
		factory = storage.DefaultFactory("us-east-1", true)
	}
	c, err := factory(ctx, bucket)
	if err != nil {
		return nil, "", err
	}
	return c, key, nil
}

// Compressed reports whether name carries the zstd suffix.
func Compressed(name string) bool { return strings.HasSuffix(name, CompressedSuffix) }

// Read loads the raw image at src, which is a local path or an s3:// URI.
func Read(ctx context.Context, src string, opts Options) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if storage.IsURI(src) {
		var c *storage.Client
		var key string
		if c, key, err = opts.s3(ctx, src); err != nil {
			return nil, err
		}
		data, _, err = c.Download(ctx, key, readLimit(src, opts.MaxSize))
	} else {
		data, err = readLocal(src, readLimit(src, opts.MaxSize))
	}
	if err != nil {
		return nil, err
	}

	if Compressed(src) {
		compressed := int64(len(data))
		if data, err = Decompress(data, opts.MaxSize); err != nil {
			return nil, errors.Wrapf(err, "decompress %s", src)
		}
		if opts.Guard != nil {
			if err := opts.Guard.ValidateCompressionRatio(compressed, int64(len(data))); err != nil {
				return nil, err
			}
		}
		slog.Debug("image_decompressed", "src", src, "compressed", compressed, "bytes", len(data))
	}

	if opts.Guard != nil {
		if err := opts.Guard.ValidateFileSize(int64(len(data))); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// A compressed image is never larger than its decoded form by more than the
// frame overhead, so the decoded cap bounds the download as well.
func readLimit(src string, max int64) int64 {
	if max <= 0 || !Compressed(src) {
		return max
	}
	return max + 1024
}

func readLocal(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}
	defer f.Close()

	var r io.Reader = f
	if limit > 0 {
		r = io.LimitReader(f, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read image")
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", security.ErrLimitExceeded, path, limit)
	}
	return data, nil
}

// Decompress decodes a zstd stream, failing once more than limit bytes come
// out. Zero limit means unlimited.
func Decompress(compressed []byte, limit int64) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var r io.Reader = dec
	if limit > 0 {
		r = io.LimitReader(dec, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: decoded image exceeds %d bytes", security.ErrLimitExceeded, limit)
	}
	return data, nil
}

// Compress encodes data as a single zstd frame.
func Compress(data []byte) []byte {
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/4))
}

// Write stores data at dst, a local path or an s3:// URI. A .zst suffix
// compresses the image first. Local writes are atomic.
func Write(ctx context.Context, dst string, data []byte, opts Options) error {
	if Compressed(dst) {
		raw := len(data)
		data = Compress(data)
		slog.Debug("image_compressed", "dst", dst, "bytes", raw, "compressed", len(data))
	}
	if storage.IsURI(dst) {
		c, key, err := opts.s3(ctx, dst)
		if err != nil {
			return err
		}
		_, err = c.Upload(ctx, key, data)
		return err
	}
	return WriteFileAtomic(dst, data, 0o644)
}

// WriteFileAtomic writes through a temporary file in the same directory and
// renames it over path. Both the file and the directory are fsynced.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp image")
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write temp image")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrap(err, "rename image")
	}

	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
