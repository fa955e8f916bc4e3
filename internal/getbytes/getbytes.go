// Package getbytes converts numeric slices to []byte without copying, for
// handing sample payloads to the ZMQ socket.
package getbytes

import (
	"unsafe"
)

// FromSliceFloat64 converts a []float64 to []byte using unsafe
func FromSliceFloat64(d []float64) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	outlength := uintptr(len(d)) * unsafe.Sizeof(d[0]) / unsafe.Sizeof(byte(0))
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), outlength)
}

// FromSliceFloat32 converts a []float32 to []byte using unsafe
func FromSliceFloat32(d []float32) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	outlength := uintptr(len(d)) * unsafe.Sizeof(d[0]) / unsafe.Sizeof(byte(0))
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), outlength)
}
