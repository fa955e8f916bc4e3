package duostream

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
	"gonum.org/v1/gonum/mat"
)

// Dongle baud rate and the Cyton firmware's command/response terminator.
const (
	cytonBaudRate   = 115200
	cytonTerminator = "$$$"
)

// CytonBoard drives an OpenBCI Cyton (optionally with the Daisy module) through
// its serial dongle.
type CytonBoard struct {
	portName string
	daisy    bool
	port     serial.Port

	buf       frameBuffer
	pending   *cytonFrame // first half of a Daisy frame pair
	abort     chan struct{}
	readDone  sync.WaitGroup
	streaming bool
}

// NewCytonBoard creates a driver for the dongle on the named serial port.
func NewCytonBoard(portName string, daisy bool) (*CytonBoard, error) {
	if portName == "" {
		return nil, fmt.Errorf("cyton board requires serial_port in settings")
	}
	return &CytonBoard{portName: portName, daisy: daisy}, nil
}

// PrepareSession opens the serial port and soft-resets the board. The board
// answers the reset with its banner, terminated by "$$$".
func (cb *CytonBoard) PrepareSession() error {
	mode := &serial.Mode{BaudRate: cytonBaudRate}
	port, err := serial.Open(cb.portName, mode)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %v", cb.portName, err)
	}
	cb.port = port
	banner, err := cb.command("v")
	if err != nil {
		port.Close()
		cb.port = nil
		return fmt.Errorf("board on %s did not answer reset: %v", cb.portName, err)
	}
	if !bytes.HasSuffix([]byte(banner), []byte(cytonTerminator)) {
		port.Close()
		cb.port = nil
		return fmt.Errorf("board on %s sent an incomplete reset banner: %q", cb.portName, banner)
	}
	return nil
}

// command writes one command string and reads the device response up to the
// "$$$" terminator or a read timeout.
func (cb *CytonBoard) command(cmd string) (string, error) {
	if _, err := cb.port.Write([]byte(cmd)); err != nil {
		return "", err
	}
	if err := cb.port.SetReadTimeout(2 * time.Second); err != nil {
		return "", err
	}
	var resp []byte
	chunk := make([]byte, 64)
	for {
		n, err := cb.port.Read(chunk)
		if err != nil {
			return string(resp), err
		}
		if n == 0 { // timeout: return whatever arrived
			return string(resp), nil
		}
		resp = append(resp, chunk[:n]...)
		if bytes.HasSuffix(resp, []byte(cytonTerminator)) {
			return string(resp), nil
		}
	}
}

// ConfigBoard sends one configuration command. Not allowed while streaming:
// the firmware does not answer commands in streaming mode.
func (cb *CytonBoard) ConfigBoard(cmd string) (string, error) {
	if cb.port == nil {
		return "", fmt.Errorf("session on %s is not prepared", cb.portName)
	}
	if cb.streaming {
		return "", fmt.Errorf("cannot configure %s while streaming", cb.portName)
	}
	return cb.command(cmd)
}

// StartStream sends the stream-start command and launches the frame reader.
// The serial driver has no streamer passthrough, so streamerParams is ignored.
func (cb *CytonBoard) StartStream(bufferSize int, streamerParams string) error {
	if cb.port == nil {
		return fmt.Errorf("session on %s is not prepared", cb.portName)
	}
	if cb.streaming {
		return fmt.Errorf("board on %s is already streaming", cb.portName)
	}
	cb.buf.reset(numRows(cb.nchan()), bufferSize)
	cb.pending = nil
	if _, err := cb.port.Write([]byte("b")); err != nil {
		return fmt.Errorf("failed to start stream on %s: %v", cb.portName, err)
	}
	cb.abort = make(chan struct{})
	cb.readDone.Add(1)
	go cb.readFrames()
	cb.streaming = true
	return nil
}

// readFrames reassembles 33-byte frames from the serial byte stream until the
// stream is stopped.
func (cb *CytonBoard) readFrames() {
	defer cb.readDone.Done()
	if err := cb.port.SetReadTimeout(100 * time.Millisecond); err != nil {
		ProblemLogger.Printf("%s: set read timeout: %v", cb.portName, err)
		return
	}
	var pend []byte
	raw := make([]byte, 4096)
	for {
		select {
		case <-cb.abort:
			return
		default:
		}
		n, err := cb.port.Read(raw)
		if err != nil {
			ProblemLogger.Printf("%s: serial read: %v", cb.portName, err)
			return
		}
		pend = append(pend, raw[:n]...)
		pend = cb.consumeFrames(pend)
	}
}

// consumeFrames decodes every complete frame at the front of pend, resyncing on
// the header byte after garbage, and returns the unconsumed tail.
func (cb *CytonBoard) consumeFrames(pend []byte) []byte {
	for {
		for len(pend) > 0 && pend[0] != frameHeader {
			pend = pend[1:]
		}
		if len(pend) < frameLength {
			return pend
		}
		f, err := parseFrame(pend[:frameLength])
		if err != nil {
			// A false header byte inside sample data: shift one byte and resync.
			pend = pend[1:]
			continue
		}
		pend = pend[frameLength:]
		cb.accept(f)
	}
}

func (cb *CytonBoard) accept(f cytonFrame) {
	if !cb.daisy {
		cb.buf.append(frameVector(f, localClock()))
		return
	}
	// Daisy interleaves: each effective sample arrives as two frames, lower
	// channels first.
	if cb.pending == nil {
		pf := f
		cb.pending = &pf
		return
	}
	lo := *cb.pending
	cb.pending = nil
	cb.buf.append(pairVector(lo, f, localClock()))
}

// Drain returns the frames buffered since the previous call, or nil when
// nothing arrived.
func (cb *CytonBoard) Drain() (*mat.Dense, error) {
	if cb.port == nil {
		return nil, fmt.Errorf("session on %s is not prepared", cb.portName)
	}
	return cb.buf.drain(), nil
}

// StopStream sends the stream-stop command and waits for the reader to finish.
func (cb *CytonBoard) StopStream() error {
	if !cb.streaming {
		return fmt.Errorf("board on %s is not streaming", cb.portName)
	}
	close(cb.abort)
	cb.readDone.Wait()
	cb.streaming = false
	if _, err := cb.port.Write([]byte("s")); err != nil {
		return fmt.Errorf("failed to stop stream on %s: %v", cb.portName, err)
	}
	return nil
}

// ReleaseSession closes the serial port.
func (cb *CytonBoard) ReleaseSession() error {
	if cb.port == nil {
		return fmt.Errorf("session on %s is not prepared", cb.portName)
	}
	err := cb.port.Close()
	cb.port = nil
	return err
}

// SamplingRate is 250 Hz for the Cyton alone; with the Daisy module each
// channel is sampled at half that.
func (cb *CytonBoard) SamplingRate() float64 {
	if cb.daisy {
		return 125.0
	}
	return 250.0
}

// ChannelIndices returns the Drain matrix rows for the given data kind.
func (cb *CytonBoard) ChannelIndices(kind DataKind) []int {
	switch kind {
	case EEG:
		return eegRows(cb.nchan())
	case Stim:
		return auxRows(cb.nchan())
	}
	return nil
}

func (cb *CytonBoard) nchan() int {
	if cb.daisy {
		return 16
	}
	return 8
}
