package duostream

import (
	"encoding/binary"
	"math"
	"testing"
)

// buildFrame assembles a valid 33-byte frame from raw EEG counts and aux words.
func buildFrame(counter byte, eeg [8]int32, aux [3]int16, stop byte) []byte {
	p := make([]byte, frameLength)
	p[0] = frameHeader
	p[1] = counter
	for i, v := range eeg {
		u := uint32(v) & 0xffffff
		p[2+3*i] = byte(u >> 16)
		p[3+3*i] = byte(u >> 8)
		p[4+3*i] = byte(u)
	}
	for i, v := range aux {
		binary.BigEndian.PutUint16(p[26+2*i:], uint16(v))
	}
	p[32] = stop
	return p
}

func TestInt24(t *testing.T) {
	cases := map[int32]int32{
		0:        0,
		1000:     1000,
		-1000:    -1000,
		8388607:  8388607,  // max positive 24-bit
		-8388608: -8388608, // min negative 24-bit
		-1:       -1,
	}
	for in, want := range cases {
		u := uint32(in) & 0xffffff
		p := []byte{byte(u >> 16), byte(u >> 8), byte(u)}
		if got := int24(p); got != want {
			t.Errorf("int24(% x) = %d, want %d", p, got, want)
		}
	}
}

func TestParseFrame(t *testing.T) {
	eeg := [8]int32{1000, -1000, 0, 1, -1, 8388607, -8388608, 42}
	aux := [3]int16{-5, 0, 117}
	f, err := parseFrame(buildFrame(7, eeg, aux, 0xc5))
	if err != nil {
		t.Fatalf("parseFrame returned %v", err)
	}
	if f.counter != 7 {
		t.Errorf("counter = %d, want 7", f.counter)
	}
	for i, counts := range eeg {
		want := float64(counts) * countsToMicrovolts
		if math.Abs(f.eeg[i]-want) > 1e-12 {
			t.Errorf("eeg[%d] = %g µV, want %g", i, f.eeg[i], want)
		}
	}
	for i, v := range aux {
		if f.aux[i] != float64(v) {
			t.Errorf("aux[%d] = %g, want %d", i, f.aux[i], v)
		}
	}
}

func TestParseFrameRejectsBadFraming(t *testing.T) {
	good := buildFrame(0, [8]int32{}, [3]int16{}, 0xc0)

	short := good[:32]
	if _, err := parseFrame(short); err == nil {
		t.Error("parseFrame accepted a 32-byte frame")
	}

	badHeader := append([]byte{}, good...)
	badHeader[0] = 0x41
	if _, err := parseFrame(badHeader); err == nil {
		t.Error("parseFrame accepted a bad header byte")
	}

	badStop := append([]byte{}, good...)
	badStop[32] = 0xb0
	if _, err := parseFrame(badStop); err == nil {
		t.Error("parseFrame accepted a bad stop byte")
	}
}

func TestFrameVectorLayout(t *testing.T) {
	f := cytonFrame{counter: 9}
	f.eeg[0] = 1.5
	f.eeg[7] = -2.5
	f.aux[2] = 3.0
	vec := frameVector(f, 12.25)
	if len(vec) != numRows(8) {
		t.Fatalf("vector has %d rows, want %d", len(vec), numRows(8))
	}
	if vec[0] != 9 || vec[1] != 1.5 || vec[8] != -2.5 || vec[11] != 3.0 || vec[12] != 12.25 {
		t.Errorf("unexpected vector layout: %v", vec)
	}
}

func TestPairVectorLayout(t *testing.T) {
	var lo, hi cytonFrame
	lo.counter = 3
	lo.eeg[0] = 1.0
	hi.eeg[0] = 2.0
	hi.aux[0] = 4.0
	vec := pairVector(lo, hi, 5.0)
	if len(vec) != numRows(16) {
		t.Fatalf("vector has %d rows, want %d", len(vec), numRows(16))
	}
	if vec[0] != 3 || vec[1] != 1.0 || vec[9] != 2.0 || vec[17] != 4.0 || vec[20] != 5.0 {
		t.Errorf("unexpected pair vector layout: %v", vec)
	}
}

func TestFrameBufferDrain(t *testing.T) {
	var b frameBuffer
	b.reset(3, 0)
	if m := b.drain(); m != nil {
		t.Error("empty buffer drained a non-nil matrix")
	}
	b.append([]float64{1, 2, 3})
	b.append([]float64{4, 5, 6})
	m := b.drain()
	if m == nil {
		t.Fatal("drain returned nil after appends")
	}
	rows, cols := m.Dims()
	if rows != 3 || cols != 2 {
		t.Fatalf("drained %dx%d, want 3x2", rows, cols)
	}
	if m.At(0, 0) != 1 || m.At(2, 1) != 6 {
		t.Error("drained matrix holds wrong values")
	}
	// Drain is destructive: a second call yields only new data.
	if m := b.drain(); m != nil {
		t.Error("second drain returned data that was already drained")
	}
	b.append([]float64{7, 8, 9})
	if m := b.drain(); m == nil {
		t.Error("drain after new append returned nil")
	}
}

func TestFrameBufferLimit(t *testing.T) {
	var b frameBuffer
	b.reset(1, 2)
	b.append([]float64{1})
	b.append([]float64{2})
	b.append([]float64{3})
	m := b.drain()
	rows, cols := m.Dims()
	if rows != 1 || cols != 2 {
		t.Fatalf("drained %dx%d, want 1x2 (oldest column dropped)", rows, cols)
	}
	if m.At(0, 0) != 2 || m.At(0, 1) != 3 {
		t.Error("limit dropped the wrong columns")
	}
}

func TestConsumeFramesResync(t *testing.T) {
	cb := &CytonBoard{portName: "test"}
	cb.buf.reset(numRows(8), 0)

	frame1 := buildFrame(1, [8]int32{100}, [3]int16{}, 0xc0)
	frame2 := buildFrame(2, [8]int32{200}, [3]int16{}, 0xc0)
	stream := append([]byte{0x00, 0xff, 0x13}, frame1...) // leading garbage
	stream = append(stream, frame2...)
	stream = append(stream, frame1[:10]...) // partial trailing frame

	tail := cb.consumeFrames(stream)
	if len(tail) != 10 {
		t.Errorf("unconsumed tail has %d bytes, want 10", len(tail))
	}
	m := cb.buf.drain()
	if m == nil {
		t.Fatal("no frames decoded")
	}
	_, cols := m.Dims()
	if cols != 2 {
		t.Fatalf("decoded %d frames, want 2", cols)
	}
	if m.At(0, 0) != 1 || m.At(0, 1) != 2 {
		t.Error("frames decoded out of order")
	}
}

func TestDaisyPairing(t *testing.T) {
	cb := &CytonBoard{portName: "test", daisy: true}
	cb.buf.reset(numRows(16), 0)

	lo := buildFrame(1, [8]int32{100}, [3]int16{}, 0xc0)
	hi := buildFrame(2, [8]int32{300}, [3]int16{7}, 0xc0)
	stream := append(append([]byte{}, lo...), hi...)
	if tail := cb.consumeFrames(stream); len(tail) != 0 {
		t.Errorf("unconsumed tail has %d bytes, want 0", len(tail))
	}
	m := cb.buf.drain()
	if m == nil {
		t.Fatal("no paired sample produced")
	}
	rows, cols := m.Dims()
	if rows != numRows(16) || cols != 1 {
		t.Fatalf("paired sample is %dx%d, want %dx1", rows, cols, numRows(16))
	}
	if m.At(0, 0) != 1 {
		t.Error("pair counter should come from the first frame")
	}
}
