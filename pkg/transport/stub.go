//go:build !linux

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
)

func writeDevice(_ context.Context, path string, _ []byte) error {
	slog.Warn("transport_blockdev_unavailable", "device", path, "platform", runtime.GOOS)
	return fmt.Errorf("%w: blockdev on %s", ErrNotSupported, runtime.GOOS)
}
