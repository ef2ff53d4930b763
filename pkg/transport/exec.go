package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// maxOutput bounds how much flasher output is quoted in an error.
const maxOutput = 2048

func runFlasher(ctx context.Context, argv []string, output io.Writer) error {
	slog.Info("transport_exec_start", "command", argv[0], "args", argv[1:])

	var captured bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if output != nil {
		cmd.Stdout = io.MultiWriter(output, &captured)
		cmd.Stderr = io.MultiWriter(output, &captured)
	} else {
		cmd.Stdout = &captured
		cmd.Stderr = &captured
	}

	if err := cmd.Run(); err != nil {
		out := strings.TrimSpace(captured.String())
		if len(out) > maxOutput {
			out = "..." + out[len(out)-maxOutput:]
		}
		slog.Error("transport_exec_failed", "command", argv[0], "error", err)
		if out == "" {
			return fmt.Errorf("%s: %w", argv[0], err)
		}
		return fmt.Errorf("%s: %w\n%s", argv[0], err, out)
	}

	slog.Info("transport_exec_complete", "command", argv[0])
	return nil
}
