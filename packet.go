package duostream

import (
	"encoding/binary"
	"fmt"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// Cyton wire format. Each frame is 33 bytes: byte 0 is the 0xA0 header, byte 1
// a wrapping sample counter, bytes 2-25 eight 24-bit big-endian two's-complement
// EEG counts, bytes 26-31 three 16-bit aux words, byte 32 a stop byte in
// 0xC0-0xCF. The same framing arrives over the serial dongle and over the WiFi
// shield's UDP relay.
const (
	frameLength = 33
	frameHeader = 0xa0
)

// Volts per count at the default channel gain of 24, expressed in microvolts.
const countsToMicrovolts = 4.5 / 24.0 / float64(1<<23-1) * 1e6

type cytonFrame struct {
	counter byte
	eeg     [8]float64 // microvolts
	aux     [3]float64
}

// parseFrame decodes one 33-byte frame.
func parseFrame(p []byte) (cytonFrame, error) {
	var f cytonFrame
	if len(p) != frameLength {
		return f, fmt.Errorf("frame has %d bytes, want %d", len(p), frameLength)
	}
	if p[0] != frameHeader {
		return f, fmt.Errorf("frame header is 0x%02x, want 0x%02x", p[0], frameHeader)
	}
	if p[32]&0xf0 != 0xc0 {
		return f, fmt.Errorf("frame stop byte is 0x%02x, want 0xc0-0xcf", p[32])
	}
	f.counter = p[1]
	for i := 0; i < 8; i++ {
		f.eeg[i] = float64(int24(p[2+3*i:])) * countsToMicrovolts
	}
	for i := 0; i < 3; i++ {
		f.aux[i] = float64(int16(binary.BigEndian.Uint16(p[26+2*i:])))
	}
	return f, nil
}

// int24 sign-extends a 24-bit big-endian two's-complement value.
func int24(p []byte) int32 {
	v := int32(p[0])<<16 | int32(p[1])<<8 | int32(p[2])
	if v >= 1<<23 {
		v -= 1 << 24
	}
	return v
}

// Drain matrix row layout, shared by every board driver: row 0 is the sample
// counter, rows 1..n the EEG channels, the next 3 rows the aux words, and the
// last row the receive timestamp (seconds on the local clock).
func numRows(nchan int) int { return nchan + 5 }

func eegRows(nchan int) []int {
	rows := make([]int, nchan)
	for i := range rows {
		rows[i] = 1 + i
	}
	return rows
}

func auxRows(nchan int) []int {
	return []int{nchan + 1, nchan + 2, nchan + 3}
}

// frameVector lays out one 8-channel frame as a Drain matrix column.
func frameVector(f cytonFrame, now float64) []float64 {
	vec := make([]float64, numRows(8))
	vec[0] = float64(f.counter)
	copy(vec[1:9], f.eeg[:])
	copy(vec[9:12], f.aux[:])
	vec[12] = now
	return vec
}

// pairVector combines a Daisy frame pair (lower channels, then upper channels)
// into one 16-channel column. Aux words come from the second frame of the pair.
func pairVector(lo, hi cytonFrame, now float64) []float64 {
	vec := make([]float64, numRows(16))
	vec[0] = float64(lo.counter)
	copy(vec[1:9], lo.eeg[:])
	copy(vec[9:17], hi.eeg[:])
	copy(vec[17:20], hi.aux[:])
	vec[20] = now
	return vec
}

// frameBuffer accumulates decoded sample columns from a driver's reader
// goroutine until the collector drains them.
type frameBuffer struct {
	mu      sync.Mutex
	rows    int
	limit   int // drop oldest columns beyond this many; 0 means unlimited
	columns [][]float64
}

func (b *frameBuffer) reset(rows, limit int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows = rows
	b.limit = limit
	b.columns = nil
}

func (b *frameBuffer) append(col []float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.columns = append(b.columns, col)
	if b.limit > 0 && len(b.columns) > b.limit {
		over := len(b.columns) - b.limit
		b.columns = b.columns[over:]
	}
}

// drain removes and returns all buffered columns as a rows×samples matrix, or
// nil when the buffer is empty.
func (b *frameBuffer) drain() *mat.Dense {
	b.mu.Lock()
	columns := b.columns
	b.columns = nil
	b.mu.Unlock()
	if len(columns) == 0 {
		return nil
	}
	m := mat.NewDense(b.rows, len(columns), nil)
	for j, col := range columns {
		for i, v := range col {
			m.Set(i, j, v)
		}
	}
	return m
}
