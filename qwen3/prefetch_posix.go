//go:build linux || darwin

package qwen3

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// residencyHint issues madvise(MADV_WILLNEED) over the byte range backing
// data. Best-effort: any failure (including a non-page-aligned or
// non-mmap-backed slice slipping through) is swallowed by returning false.
func residencyHint(data []float32) bool {
	if len(data) == 0 {
		return false
	}
	n := len(data) * 4
	b := unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), n)
	if err := unix.Madvise(b, unix.MADV_WILLNEED); err != nil {
		return false
	}
	return true
}
