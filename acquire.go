package duostream

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/mat"
)

// pollInterval is how often each collector drains its board. A variable so
// tests can shorten it.
var pollInterval = 1 * time.Second

// StopFlag is the stop signal shared by every collector in a run. It is
// monotonic: once raised it stays raised for the remainder of the run.
type StopFlag struct {
	b atomic.Bool
}

// Set raises the flag. It reports whether this call was the one that raised
// it, so a caller can emit a one-time notice.
func (s *StopFlag) Set() bool {
	return s.b.CompareAndSwap(false, true)
}

// IsSet reports whether the flag has been raised.
func (s *StopFlag) IsSet() bool {
	return s.b.Load()
}

// Collector is the acquisition loop for one board. Each poll it reconciles the
// board's actual delivery against the nominal sample rate and forwards the
// drained samples, restricted to the selected channels and stamped with the
// delay-compensated emission time, to the outlet. It exits within one poll
// interval of the shared stop flag being raised.
type Collector struct {
	name     string
	board    Board
	outlet   Outlet
	rows     []int   // selected Drain matrix rows, kind-then-channel order
	rate     float64 // nominal sample rate, Hz
	fwdDelay float64 // seconds subtracted from each chunk timestamp
	maxTime  time.Duration
	poll     time.Duration
	clock    func() float64

	// sent counts the sample vectors this collector has pushed. The actually
	// delivered count is ground truth here, not the computed due count, so the
	// bookkeeping cannot drift from the real stream under delivery jitter.
	// Never decreases.
	sent int
}

// NewCollector wires a collector to its board and outlet. The selected rows
// are the union of the configured data kinds' channels in kind order, each
// kind truncated to the number of channel names declared for it so the
// emitted width always matches the declared stream metadata.
func NewCollector(s *Settings, b Board, out Outlet) *Collector {
	var rows []int
	for _, kind := range s.DataKinds {
		indices := b.ChannelIndices(kind)
		if names := s.ChannelNames[kind]; len(names) < len(indices) {
			indices = indices[:len(names)]
		}
		rows = append(rows, indices...)
	}
	return &Collector{
		name:     s.Name,
		board:    b,
		outlet:   out,
		rows:     rows,
		rate:     b.SamplingRate(),
		fwdDelay: s.ForwardDelay,
		maxTime:  s.MaxTime,
		poll:     pollInterval,
		clock:    localClock,
	}
}

// Run executes the polling loop until stop is observed. It returns the first
// board or outlet error, or nil on a clean stop. Run must be the board's only
// user once it has been called.
func (c *Collector) Run(stop *StopFlag) error {
	start := c.clock()
	log.Printf("%s: now sending data from board", c.name)
	for !stop.IsSet() {
		elapsed := c.clock() - start

		data, err := c.board.Drain()
		if err != nil {
			stop.Set()
			return fmt.Errorf("%s: drain: %v", c.name, err)
		}
		delivered := 0
		if data != nil {
			_, delivered = data.Dims()
		}

		required := int(c.rate*elapsed) - c.sent
		if required > 0 && delivered > 0 {
			chunk := sampleVectors(data, c.rows)
			stamp := c.clock() - c.fwdDelay
			if err := c.outlet.PushChunk(chunk, stamp); err != nil {
				stop.Set()
				return fmt.Errorf("%s: push chunk: %v", c.name, err)
			}
			c.sent += delivered
		}

		if elapsed > c.maxTime.Seconds() {
			if stop.Set() {
				log.Printf("%s: time limit reached, data collection has been stopped", c.name)
			}
		}
		time.Sleep(c.poll)
	}
	return nil
}

// sampleVectors restricts a channels×samples matrix to the given rows and
// transposes it into one vector per sample.
func sampleVectors(m mat.Matrix, rows []int) [][]float64 {
	_, nsamples := m.Dims()
	chunk := make([][]float64, nsamples)
	for j := 0; j < nsamples; j++ {
		vec := make([]float64, len(rows))
		for i, r := range rows {
			vec[i] = m.At(r, j)
		}
		chunk[j] = vec
	}
	return chunk
}
