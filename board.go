package duostream

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// DataKind labels one category of channels a board produces. The set is closed:
// settings naming any other category are rejected at validation time.
type DataKind int

// The allowed data kinds.
const (
	EEG DataKind = iota
	Stim
)

func (k DataKind) String() string {
	switch k {
	case EEG:
		return "EEG"
	case Stim:
		return "stim"
	}
	return fmt.Sprintf("DataKind(%d)", int(k))
}

// ParseDataKind converts a settings-file category name to a DataKind.
func ParseDataKind(name string) (DataKind, error) {
	switch strings.ToLower(name) {
	case "eeg":
		return EEG, nil
	case "stim":
		return Stim, nil
	}
	return 0, fmt.Errorf("not allowed data type %q (allowed data types: EEG, stim)", name)
}

// Board is the session to one physical (or replayed) data source. Exactly one
// collector owns a Board once its stream has started.
type Board interface {
	// PrepareSession opens the driver session. It must succeed before any other call.
	PrepareSession() error

	// ConfigBoard sends one configuration command string to the device and
	// returns its response text.
	ConfigBoard(cmd string) (string, error)

	// StartStream puts the hardware into streaming mode. bufferSize is the
	// requested driver buffer in samples; streamerParams is passed through to
	// the driver unparsed.
	StartStream(bufferSize int, streamerParams string) error

	// Drain returns everything buffered since the previous Drain as a
	// channels×samples matrix, or nil when nothing is buffered. The read is
	// destructive: repeated calls yield only new data.
	Drain() (*mat.Dense, error)

	StopStream() error
	ReleaseSession() error

	// SamplingRate is the board's nominal per-channel sample rate in Hz.
	SamplingRate() float64

	// ChannelIndices returns the Drain matrix row indices that carry the given
	// kind of data.
	ChannelIndices(kind DataKind) []int
}

// Board identifiers, following the numbering the settings files use.
const (
	BoardReplay         = -1 // file-driven replay, no hardware
	BoardCyton          = 0
	BoardCytonDaisy     = 2
	BoardCytonWifi      = 5
	BoardCytonDaisyWifi = 6
)

// boardChannelCounts maps each supported board id to its EEG channel count.
var boardChannelCounts = map[int]int{
	BoardReplay:         8,
	BoardCyton:          8,
	BoardCytonDaisy:     16,
	BoardCytonWifi:      8,
	BoardCytonDaisyWifi: 16,
}

// KnownBoard reports whether the board id is supported.
func KnownBoard(id int) bool {
	_, ok := boardChannelCounts[id]
	return ok
}

// NewBoard creates the driver object appropriate to the settings' board id. The
// session is not yet prepared; call PrepareSession on the result.
func NewBoard(s *Settings) (Board, error) {
	switch s.BoardID {
	case BoardCyton, BoardCytonDaisy:
		return NewCytonBoard(s.SerialPort, s.BoardID == BoardCytonDaisy)
	case BoardCytonWifi, BoardCytonDaisyWifi:
		return NewWifiBoard(s.IPAddress, s.IPPort, s.BoardID == BoardCytonDaisyWifi)
	case BoardReplay:
		return NewReplayBoard(s.ReplayFile)
	}
	return nil, fmt.Errorf("unsupported board id %d", s.BoardID)
}
