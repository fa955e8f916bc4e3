package duostream

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"
)

// seqBoard records the order of driver calls with a sequence counter shared
// across boards, so tests can check teardown ordering.
type seqBoard struct {
	seq        *atomic.Int64
	mu         sync.Mutex
	prepared   int64
	started    int64
	lastDrain  int64
	stopped    int64
	released   int64
	prepareErr error
	stopErr    error
}

func (b *seqBoard) stamp(dst *int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	*dst = b.seq.Add(1)
}

func (b *seqBoard) PrepareSession() error {
	if b.prepareErr != nil {
		return b.prepareErr
	}
	b.stamp(&b.prepared)
	return nil
}
func (b *seqBoard) ConfigBoard(cmd string) (string, error) { return "Success$$$", nil }
func (b *seqBoard) StartStream(int, string) error {
	b.stamp(&b.started)
	return nil
}
func (b *seqBoard) Drain() (*mat.Dense, error) {
	b.stamp(&b.lastDrain)
	return nil, nil
}
func (b *seqBoard) StopStream() error {
	b.stamp(&b.stopped)
	return b.stopErr
}
func (b *seqBoard) ReleaseSession() error {
	b.stamp(&b.released)
	return nil
}
func (b *seqBoard) SamplingRate() float64 { return 250.0 }
func (b *seqBoard) ChannelIndices(kind DataKind) []int {
	switch kind {
	case EEG:
		return eegRows(8)
	case Stim:
		return auxRows(8)
	}
	return nil
}

func testSettings(name string, maxTime time.Duration) *Settings {
	return &Settings{
		BoardID:   BoardCyton,
		Name:      name,
		DataKinds: []DataKind{EEG},
		ChannelNames: map[DataKind][]string{
			EEG: {"c1", "c2", "c3", "c4", "c5", "c6", "c7", "c8"},
		},
		UID:      "uid_" + name,
		MaxTime:  maxTime,
		MasterID: "2",
		Commands: DefaultChannelCommands(BoardCyton),
	}
}

// newTestSupervisor builds a supervisor over two sequence-recording boards,
// with recording outlets instead of ZMQ publishers.
func newTestSupervisor(maxTime time.Duration) (*Supervisor, []*seqBoard, *[]*recordingOutlet) {
	seq := new(atomic.Int64)
	boards := []*seqBoard{{seq: seq}, {seq: seq}}
	settings := []*Settings{testSettings("one", maxTime), testSettings("two", maxTime)}
	sup := NewSupervisor(settings, []Board{boards[0], boards[1]})
	var outlets []*recordingOutlet
	sup.newOutlet = func(info StreamInfo, portnum int) (Outlet, error) {
		out := &recordingOutlet{}
		outlets = append(outlets, out)
		return out, nil
	}
	return sup, boards, &outlets
}

func shortPolls(t *testing.T) {
	t.Helper()
	oldPoll, oldSettle := pollInterval, settleInterval
	pollInterval = time.Millisecond
	settleInterval = 0
	t.Cleanup(func() { pollInterval, settleInterval = oldPoll, oldSettle })
}

func runSupervisor(t *testing.T, sup *Supervisor, commands <-chan Command) error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- sup.Run(commands) }()
	select {
	case err := <-errc:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not terminate")
		return nil
	}
}

func TestSupervisorQuitAtFirstPrompt(t *testing.T) {
	shortPolls(t)
	sup, boards, _ := newTestSupervisor(time.Hour)
	commands := make(chan Command, 1)
	commands <- CmdQuit
	close(commands)

	if err := runSupervisor(t, sup, commands); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if sup.State() != Terminated {
		t.Errorf("state = %v, want Terminated", sup.State())
	}
	if boards[0].prepared != 0 {
		t.Error("board session was prepared despite quit before configuration")
	}
}

func TestSupervisorFullRun(t *testing.T) {
	shortPolls(t)
	sup, boards, outlets := newTestSupervisor(time.Hour)
	commands := make(chan Command, 3)
	commands <- CmdProceed
	commands <- CmdProceed
	go func() {
		time.Sleep(50 * time.Millisecond)
		commands <- CmdQuit
		close(commands)
	}()

	if err := runSupervisor(t, sup, commands); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if sup.State() != Terminated {
		t.Errorf("state = %v, want Terminated", sup.State())
	}
	for i, b := range boards {
		if b.prepared == 0 || b.started == 0 || b.stopped == 0 || b.released == 0 {
			t.Fatalf("board %d missed lifecycle calls: %+v", i, b)
		}
		if b.lastDrain == 0 {
			t.Errorf("board %d was never drained", i)
		}
		// Join-before-release: the final drain of any collector must precede
		// the board teardown.
		if b.stopped < b.lastDrain {
			t.Errorf("board %d stopped (seq %d) before its last drain (seq %d)",
				i, b.stopped, b.lastDrain)
		}
		if b.released < b.stopped {
			t.Errorf("board %d released (seq %d) before stopped (seq %d)",
				i, b.released, b.stopped)
		}
	}
	for i, out := range *outlets {
		if !out.closed {
			t.Errorf("outlet %d was not closed", i)
		}
	}
}

func TestSupervisorTimeLimitEndsRun(t *testing.T) {
	shortPolls(t)
	// 20 ms limit with 1 ms polls: the collectors stop themselves and the
	// supervisor must tear down without any operator quit.
	sup, boards, _ := newTestSupervisor(20 * time.Millisecond)
	commands := make(chan Command, 2)
	commands <- CmdProceed
	commands <- CmdProceed

	if err := runSupervisor(t, sup, commands); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if sup.State() != Terminated {
		t.Errorf("state = %v, want Terminated", sup.State())
	}
	for i, b := range boards {
		if b.released == 0 {
			t.Errorf("board %d was not released after the time limit", i)
		}
	}
}

func TestSupervisorPrepareFailureIsFatal(t *testing.T) {
	shortPolls(t)
	sup, boards, _ := newTestSupervisor(time.Hour)
	boards[1].prepareErr = fmt.Errorf("powered off")
	commands := make(chan Command, 1)
	commands <- CmdProceed
	close(commands)

	err := runSupervisor(t, sup, commands)
	if err == nil || !strings.Contains(err.Error(), "powered off") {
		t.Fatalf("Run returned %v, want the prepare error", err)
	}
	if sup.State() != Terminated {
		t.Errorf("state = %v, want Terminated", sup.State())
	}
	if boards[0].started != 0 || boards[1].started != 0 {
		t.Error("a stream was started despite the fatal prepare failure")
	}
}

func TestSupervisorToleratesTeardownErrors(t *testing.T) {
	shortPolls(t)
	sup, boards, _ := newTestSupervisor(time.Hour)
	boards[0].stopErr = fmt.Errorf("board is not streaming")
	commands := make(chan Command, 3)
	commands <- CmdProceed
	commands <- CmdProceed
	go func() {
		time.Sleep(30 * time.Millisecond)
		commands <- CmdQuit
		close(commands)
	}()

	if err := runSupervisor(t, sup, commands); err != nil {
		t.Fatalf("Run returned %v, want teardown errors tolerated", err)
	}
	if boards[0].released == 0 {
		t.Error("board 0 was not released after its stop-stream error")
	}
	if boards[1].stopped == 0 || boards[1].released == 0 {
		t.Error("board 1 teardown did not continue after board 0's error")
	}
}

func TestReadCommandsRePrompts(t *testing.T) {
	in := strings.NewReader("maybe\n\nY\ny\nq\n")
	commands := ReadCommands(in)
	var got []Command
	for cmd := range commands {
		got = append(got, cmd)
	}
	// "maybe", "" and "Y" re-prompt; only "y" and "q" come through.
	if len(got) != 2 || got[0] != CmdProceed || got[1] != CmdQuit {
		t.Errorf("ReadCommands yielded %v, want [CmdProceed CmdQuit]", got)
	}
}

func TestRunStateString(t *testing.T) {
	want := map[RunState]string{
		Idle: "Idle", Configuring: "Configuring", Streaming: "Streaming",
		Stopping: "Stopping", Terminated: "Terminated",
	}
	for state, name := range want {
		if state.String() != name {
			t.Errorf("%d.String() = %q, want %q", int(state), state.String(), name)
		}
	}
}
