package duostream

import (
	"fmt"
	"os"
	"sync"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// ReplayBoard replays a recorded channels×samples matrix from a NumPy .npy
// file, doling samples out at the nominal rate. It lets the whole pipeline run
// without hardware attached.
type ReplayBoard struct {
	path string

	mu         sync.Mutex
	recording  *mat.Dense // EEG rows × samples, loaded in PrepareSession
	nchan      int
	rate       float64
	streaming  bool
	startClock float64
	served     int // samples handed out since StartStream
}

// NewReplayBoard creates a replay driver for the given .npy file.
func NewReplayBoard(path string) (*ReplayBoard, error) {
	if path == "" {
		return nil, fmt.Errorf("replay board requires replay_file in settings")
	}
	return &ReplayBoard{path: path}, nil
}

// PrepareSession loads the recording. The file must hold an nchan×nsamples
// float matrix with 8 or 16 rows; counter, aux and timestamp rows are
// synthesized at drain time.
func (rb *ReplayBoard) PrepareSession() error {
	f, err := os.Open(rb.path)
	if err != nil {
		return fmt.Errorf("failed to open replay file: %v", err)
	}
	defer f.Close()
	var m mat.Dense
	if err := npyio.Read(f, &m); err != nil {
		return fmt.Errorf("failed to read replay file %s: %v", rb.path, err)
	}
	rows, cols := m.Dims()
	if rows != 8 && rows != 16 {
		return fmt.Errorf("replay file %s has %d rows, want 8 or 16", rb.path, rows)
	}
	if cols < 1 {
		return fmt.Errorf("replay file %s holds no samples", rb.path)
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.recording = &m
	rb.nchan = rows
	rb.rate = 250.0
	if rows == 16 {
		rb.rate = 125.0
	}
	return nil
}

// ConfigBoard accepts any command; there is no hardware to configure.
func (rb *ReplayBoard) ConfigBoard(cmd string) (string, error) {
	if rb.recording == nil {
		return "", fmt.Errorf("replay session is not prepared")
	}
	return fmt.Sprintf("Success: replay ignored %q%s", cmd, cytonTerminator), nil
}

// StartStream starts the replay clock.
func (rb *ReplayBoard) StartStream(bufferSize int, streamerParams string) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.recording == nil {
		return fmt.Errorf("replay session is not prepared")
	}
	if rb.streaming {
		return fmt.Errorf("replay board is already streaming")
	}
	rb.streaming = true
	rb.startClock = localClock()
	rb.served = 0
	return nil
}

// Drain returns the samples that became due since the previous call, looping
// over the recording as needed.
func (rb *ReplayBoard) Drain() (*mat.Dense, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.recording == nil {
		return nil, fmt.Errorf("replay session is not prepared")
	}
	if !rb.streaming {
		return nil, nil
	}
	due := int(rb.rate * (localClock() - rb.startClock))
	n := due - rb.served
	if n <= 0 {
		return nil, nil
	}
	_, cols := rb.recording.Dims()
	now := localClock()
	out := mat.NewDense(numRows(rb.nchan), n, nil)
	for j := 0; j < n; j++ {
		src := (rb.served + j) % cols
		out.Set(0, j, float64((rb.served+j)%256))
		for i := 0; i < rb.nchan; i++ {
			out.Set(1+i, j, rb.recording.At(i, src))
		}
		out.Set(numRows(rb.nchan)-1, j, now)
	}
	rb.served += n
	return out, nil
}

// StopStream stops the replay clock.
func (rb *ReplayBoard) StopStream() error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if !rb.streaming {
		return fmt.Errorf("replay board is not streaming")
	}
	rb.streaming = false
	return nil
}

// ReleaseSession drops the recording.
func (rb *ReplayBoard) ReleaseSession() error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.recording == nil {
		return fmt.Errorf("replay session is not prepared")
	}
	rb.recording = nil
	return nil
}

// SamplingRate is the nominal rate inferred from the recording's channel count.
func (rb *ReplayBoard) SamplingRate() float64 {
	return rb.rate
}

// ChannelIndices returns the Drain matrix rows for the given data kind.
func (rb *ReplayBoard) ChannelIndices(kind DataKind) []int {
	switch kind {
	case EEG:
		return eegRows(rb.nchan)
	case Stim:
		return auxRows(rb.nchan)
	}
	return nil
}
