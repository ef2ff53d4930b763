//go:build linux

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/fly-io/littlefs-tool/pkg/errors"
)

// deviceSize reports the capacity of a block device. Regular files report
// their current length, which lets a pre-sized file stand in for a device.
func deviceSize(f *os.File) (int64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if st.Mode().IsRegular() {
		return st.Size(), nil
	}
	if st.Mode()&os.ModeDevice == 0 || st.Mode()&os.ModeCharDevice != 0 {
		return 0, fmt.Errorf("%s is not a block device", f.Name())
	}

	var size uint64
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size))); errno != 0 {
		return 0, errors.Wrap(errno, "BLKGETSIZE64")
	}
	return int64(size), nil
}

func writeDevice(ctx context.Context, path string, image []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrap(err, "open device")
	}
	defer f.Close()

	size, err := deviceSize(f)
	if err != nil {
		return err
	}
	if size < int64(len(image)) {
		return fmt.Errorf("%w: %s holds %d bytes, image is %d", ErrDeviceTooSmall, path, size, len(image))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := f.WriteAt(image, 0); err != nil {
		return errors.Wrap(err, "write device")
	}
	if err := unix.Fsync(int(f.Fd())); err != nil {
		return errors.Wrap(err, "fsync device")
	}

	slog.Info("transport_blockdev_complete", "device", path, "bytes", len(image), "capacity", size)
	return nil
}
