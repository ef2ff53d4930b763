package errors

import (
	"io"
	"testing"
)

func TestWrap(t *testing.T) {
	if err := Wrap(nil, "context"); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}

	err := Wrap(io.EOF, "read header")
	if err.Error() != "read header: EOF" {
		t.Errorf("Wrap message = %q, want %q", err.Error(), "read header: EOF")
	}
	if !Is(err, io.EOF) {
		t.Error("wrapped error should match io.EOF")
	}
}

func TestWrapf(t *testing.T) {
	if err := Wrapf(nil, "block %d", 3); err != nil {
		t.Errorf("Wrapf(nil) = %v, want nil", err)
	}

	err := Wrapf(io.ErrUnexpectedEOF, "block %d", 3)
	if err.Error() != "block 3: unexpected EOF" {
		t.Errorf("Wrapf message = %q", err.Error())
	}
}

func TestKindsAreDistinct(t *testing.T) {
	kinds := []error{ErrConfig, ErrFormat, ErrPack, ErrUnpack, ErrSync}
	for i, a := range kinds {
		for j, b := range kinds {
			if i != j && Is(a, b) {
				t.Errorf("%v should not match %v", a, b)
			}
		}
	}
}
