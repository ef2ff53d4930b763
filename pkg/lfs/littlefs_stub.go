//go:build !cgo

package lfs

// LittleFS is unavailable without cgo; every call fails with
// ErrEngineUnavailable. Tests and tools can still run against another
// Engine passed through WithEngine.
type LittleFS struct{}

// DefaultEngine returns the stub engine on builds without cgo.
func DefaultEngine() Engine { return LittleFS{} }

func (LittleFS) Format(Device, Geometry) error { return ErrEngineUnavailable }

func (LittleFS) Mount(Device, Geometry) (Volume, error) { return nil, ErrEngineUnavailable }
