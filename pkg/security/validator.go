// Package security guards host-side writes of untrusted image content.
package security

import (
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/fly-io/littlefs-tool/pkg/errors"
)

var (
	// ErrUnsafeName is returned for entry names that could escape the
	// destination directory.
	ErrUnsafeName = errors.New("security: unsafe entry name")
	// ErrLimitExceeded is returned when a size or ratio limit is hit.
	ErrLimitExceeded = errors.New("security: limit exceeded")
)

// Validator checks entry names and tracks how much data an unpack has
// written. A zero limit disables that check. It is safe for concurrent use.
type Validator struct {
	maxFileSize         int64
	maxTotalSize        int64
	maxCompressionRatio float64

	mu               sync.Mutex
	currentTotalSize int64
}

// NewValidator creates a new security validator
func NewValidator(maxFileSize, maxTotalSize int64, maxCompressionRatio float64) *Validator {
	slog.Debug("security_validator_init",
		"max_file_size_mb", maxFileSize/1024/1024,
		"max_total_size_mb", maxTotalSize/1024/1024,
		"max_compression_ratio", maxCompressionRatio)

	return &Validator{
		maxFileSize:         maxFileSize,
		maxTotalSize:        maxTotalSize,
		maxCompressionRatio: maxCompressionRatio,
	}
}

// ValidateEntryName checks a single directory entry name read from an image.
func (v *Validator) ValidateEntryName(name string) error {
	reason := ""
	switch {
	case name == "":
		reason = "empty_name"
	case name == "." || name == "..":
		reason = "dot_name"
	case strings.ContainsAny(name, `/\`):
		reason = "separator"
	case strings.ContainsRune(name, 0):
		reason = "nul_byte"
	}
	if reason != "" {
		slog.Error("security_name_validation_failed", "name", name, "reason", reason)
		return fmt.Errorf("%w: %q (%s)", ErrUnsafeName, name, reason)
	}
	return nil
}

// ValidatePath checks a slash separated path relative to the destination.
func (v *Validator) ValidatePath(rel string) error {
	if strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, `\`) || (len(rel) > 1 && rel[1] == ':') {
		slog.Error("security_path_validation_failed", "path", rel, "reason", "absolute_path")
		return fmt.Errorf("%w: absolute path %q", ErrUnsafeName, rel)
	}

	clean := path.Clean(strings.ReplaceAll(rel, `\`, "/"))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		slog.Error("security_path_validation_failed", "path", rel, "reason", "path_traversal")
		return fmt.Errorf("%w: path traversal in %q", ErrUnsafeName, rel)
	}
	return nil
}

// ValidateFileSize checks if a file exceeds max file size
func (v *Validator) ValidateFileSize(size int64) error {
	if v.maxFileSize > 0 && size > v.maxFileSize {
		slog.Error("security_file_size_exceeded",
			"file_size", size,
			"max_file_size", v.maxFileSize)
		return fmt.Errorf("%w: file size %d exceeds max %d", ErrLimitExceeded, size, v.maxFileSize)
	}
	return nil
}

// AddExtractedSize tracks total extracted size and checks against limit
func (v *Validator) AddExtractedSize(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.currentTotalSize += size

	if v.maxTotalSize > 0 && v.currentTotalSize > v.maxTotalSize {
		slog.Error("security_total_size_exceeded",
			"current_total", v.currentTotalSize,
			"max_total", v.maxTotalSize,
			"file_size", size)
		return fmt.Errorf("%w: total extracted size %d exceeds max %d",
			ErrLimitExceeded, v.currentTotalSize, v.maxTotalSize)
	}

	return nil
}

// ValidateCompressionRatio rejects compressed images that expand beyond the
// configured ratio.
func (v *Validator) ValidateCompressionRatio(compressedSize, uncompressedSize int64) error {
	if compressedSize == 0 {
		slog.Error("security_compression_validation_failed", "reason", "zero_compressed_size")
		return fmt.Errorf("%w: compressed size cannot be zero", ErrLimitExceeded)
	}
	if v.maxCompressionRatio <= 0 {
		return nil
	}

	ratio := float64(uncompressedSize) / float64(compressedSize)
	if ratio > v.maxCompressionRatio {
		slog.Error("security_compression_bomb_detected",
			"ratio", ratio,
			"max_ratio", v.maxCompressionRatio,
			"compressed", compressedSize,
			"uncompressed", uncompressedSize)
		return fmt.Errorf("%w: compression ratio %.2f exceeds max %.2f (compressed: %d, uncompressed: %d)",
			ErrLimitExceeded, ratio, v.maxCompressionRatio, compressedSize, uncompressedSize)
	}

	slog.Debug("security_compression_validated", "ratio", ratio)
	return nil
}

// Reset resets the total size counter
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.currentTotalSize = 0
}

// TotalSize returns the bytes recorded since the last Reset.
func (v *Validator) TotalSize() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentTotalSize
}
