//go:build darwin || linux

// Shared utilities for the purego-based codec bindings.

package compose

import (
	"os"
	"path/filepath"
	"unsafe"
)

// maxCStringLen bounds C string reads; codec error messages are short.
const maxCStringLen = 1024

// goStringFromPtr copies a NUL-terminated C string into a Go string.
func goStringFromPtr(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	buf := make([]byte, 0, 64)
	for i := 0; i < maxCStringLen; i++ {
		b := *(*byte)(unsafe.Pointer(ptr + uintptr(i)))
		if b == 0 {
			break
		}
		buf = append(buf, b)
	}
	return string(buf)
}

// findModuleRoot walks upward from the working directory to the first
// directory holding a go.mod, so development builds can locate the
// native wrappers next to the source tree.
func findModuleRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if fi, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil && !fi.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
