package pmm

import (
	"reflect"
	"unsafe"
)

// unsafeBitmapSlice overlays a []uint64 of the given length on top of addr.
// Used the same way gopher-os's bitmap allocator overlays its pool/bitmap
// slices on memory obtained from the early bump allocator, since the real
// Go allocator isn't available yet when the PFA bootstraps itself.
func unsafeBitmapSlice(addr uintptr, words int) []uint64 {
	var hdr reflect.SliceHeader
	hdr.Data = addr
	hdr.Len = words
	hdr.Cap = words
	return *(*[]uint64)(unsafe.Pointer(&hdr))
}
