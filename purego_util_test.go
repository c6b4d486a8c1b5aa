//go:build darwin || linux

package compose

import (
	"runtime"
	"testing"
	"unsafe"
)

func TestGoStringFromPtr(t *testing.T) {
	b := []byte("hardware encoder busy\x00trailing garbage")
	got := goStringFromPtr(uintptr(unsafe.Pointer(&b[0])))
	runtime.KeepAlive(b)
	if got != "hardware encoder busy" {
		t.Errorf("goStringFromPtr = %q, want %q", got, "hardware encoder busy")
	}

	if got := goStringFromPtr(0); got != "" {
		t.Errorf("goStringFromPtr(0) = %q, want empty", got)
	}

	empty := []byte{0}
	if got := goStringFromPtr(uintptr(unsafe.Pointer(&empty[0]))); got != "" {
		t.Errorf("goStringFromPtr(empty) = %q, want empty", got)
	}
	runtime.KeepAlive(empty)
}
