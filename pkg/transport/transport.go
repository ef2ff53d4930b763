// Package transport delivers built images to their destination: a file, a
// raw block device, an external flashing command or an S3 object.
package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fly-io/littlefs-tool/pkg/errors"
	"github.com/fly-io/littlefs-tool/pkg/imagefile"
	"github.com/fly-io/littlefs-tool/pkg/storage"
	"github.com/fly-io/littlefs-tool/pkg/syncer"
)

var (
	// ErrUnknownScheme is returned for target URIs with no matching transport.
	ErrUnknownScheme = errors.New("unknown target scheme")
	// ErrNotSupported is returned by transports unavailable on this platform.
	ErrNotSupported = errors.New("transport not supported on this platform")
	// ErrDeviceTooSmall means the target device cannot hold the image.
	ErrDeviceTooSmall = errors.New("device smaller than image")
)

// Options configures the transports Parse builds.
type Options struct {
	// S3 builds clients for s3:// targets.
	S3 storage.Factory
	// Output receives the flasher command's stdout and stderr. Nil captures
	// it for the error message only.
	Output io.Writer
}

// Parse resolves a target URI:
//
//	file:<path> or a bare path
//	blockdev:<device>
//	exec:<command> [args...]   ({image} is replaced by the image path)
//	s3://<bucket>/<key>
func Parse(uri string, opts Options) (syncer.Transport, error) {
	switch {
	case uri == "":
		return nil, fmt.Errorf("%w: empty target", ErrUnknownScheme)
	case storage.IsURI(uri):
		bucket, key, err := storage.ParseURI(uri)
		if err != nil {
			return nil, err
		}
		factory := opts.S3
		if factory == nil {
			factory = storage.DefaultFactory("us-east-1", false)
		}
		return &S3{bucket: bucket, key: key, factory: factory}, nil
	case strings.HasPrefix(uri, "file:"):
		return fileTarget(strings.TrimPrefix(uri, "file:"))
	case strings.HasPrefix(uri, "blockdev:"):
		path := strings.TrimPrefix(uri, "blockdev:")
		if path == "" {
			return nil, fmt.Errorf("blockdev target needs a device path")
		}
		return &BlockDevice{path: path}, nil
	case strings.HasPrefix(uri, "exec:"):
		args := strings.Fields(strings.TrimPrefix(uri, "exec:"))
		if len(args) == 0 {
			return nil, fmt.Errorf("exec target needs a command")
		}
		return &Command{args: args, output: opts.Output}, nil
	case strings.Contains(uri, "://"):
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, uri)
	default:
		return fileTarget(uri)
	}
}

func fileTarget(path string) (syncer.Transport, error) {
	if path == "" {
		return nil, fmt.Errorf("file target needs a path")
	}
	return &File{path: path}, nil
}

// File writes the image atomically to a local path. A .zst suffix stores it
// compressed.
type File struct {
	path string
}

func (f *File) Describe() string { return "file:" + f.path }

func (f *File) Send(ctx context.Context, image []byte) error {
	slog.Info("transport_file_write", "path", f.path, "bytes", len(image))
	return imagefile.Write(ctx, f.path, image, imagefile.Options{})
}

// S3 uploads the image as a single object.
type S3 struct {
	bucket  string
	key     string
	factory storage.Factory
}

func (s *S3) Describe() string { return "s3://" + s.bucket + "/" + s.key }

func (s *S3) Send(ctx context.Context, image []byte) error {
	if imagefile.Compressed(s.key) {
		image = imagefile.Compress(image)
	}
	c, err := s.factory(ctx, s.bucket)
	if err != nil {
		return err
	}
	_, err = c.Upload(ctx, s.key, image)
	return err
}

// BlockDevice writes the raw image at offset 0 of a device node.
type BlockDevice struct {
	path string
}

func (b *BlockDevice) Describe() string { return "blockdev:" + b.path }

func (b *BlockDevice) Send(ctx context.Context, image []byte) error {
	slog.Info("transport_blockdev_write", "device", b.path, "bytes", len(image))
	return writeDevice(ctx, b.path, image)
}

// Command hands the image to an external flashing tool through a temporary
// file.
type Command struct {
	args   []string
	output io.Writer
}

func (c *Command) Describe() string { return "exec:" + c.args[0] }

// argv substitutes the image path. Without a placeholder the path is
// appended as the last argument.
func (c *Command) argv(image string) []string {
	out := make([]string, 0, len(c.args)+1)
	found := false
	for _, a := range c.args {
		if strings.Contains(a, "{image}") {
			found = true
			a = strings.ReplaceAll(a, "{image}", image)
		}
		out = append(out, a)
	}
	if !found {
		out = append(out, image)
	}
	return out
}

func (c *Command) Send(ctx context.Context, image []byte) error {
	tmp, err := os.CreateTemp("", "littlefs-*.bin")
	if err != nil {
		return errors.Wrap(err, "create image file for flasher")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(image); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write image file for flasher")
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return runFlasher(ctx, c.argv(tmp.Name()), c.output)
}
