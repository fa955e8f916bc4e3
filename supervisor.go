package duostream

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/openbci-tools/duostream/internal/rundb"
)

// RunState indicates where the supervisor is in the run lifecycle.
type RunState int

// The run lifecycle states, in order.
const (
	Idle RunState = iota
	Configuring
	Streaming
	Stopping
	Terminated
)

func (s RunState) String() string {
	names := []string{"Idle", "Configuring", "Streaming", "Stopping", "Terminated"}
	if s < Idle || s > Terminated {
		return fmt.Sprintf("RunState(%d)", int(s))
	}
	return names[s]
}

// Command is one operator decision read from the console.
type Command int

// The accepted operator commands.
const (
	CmdProceed Command = iota // "y"
	CmdQuit                   // "q"
)

// ReadCommands turns operator input lines into Commands on a channel. Any line
// other than "y" or "q" re-prompts. The channel closes when the input does, so
// a closed stdin reads as quit.
func ReadCommands(r io.Reader) <-chan Command {
	out := make(chan Command)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			switch strings.TrimSpace(scanner.Text()) {
			case "y":
				out <- CmdProceed
			case "q":
				out <- CmdQuit
			default:
				fmt.Print("'y' -> yes, 'q' -> quit\n--> ")
			}
		}
	}()
	return out
}

// streamBufferSize is the per-board driver buffer requested at stream start.
const streamBufferSize = 45000

// Supervisor owns the shared stop flag and drives a run through its lifecycle:
// it configures every board, launches one collector per board, and tears the
// boards down after all collectors have finished.
type Supervisor struct {
	settings []*Settings
	boards   []Board
	state    RunState
	stop     StopFlag
	runID    string

	// Recorder, when non-nil, logs run activity to the database. Best effort.
	Recorder *rundb.Connection

	// newOutlet creates the outlet for one board's stream. Tests substitute a
	// recording implementation; the default binds a ZMQ publisher.
	newOutlet func(info StreamInfo, portnum int) (Outlet, error)

	outlets    []Outlet
	collectors []*Collector
}

// NewSupervisor creates a supervisor for the given boards. settings[k]
// describes boards[k].
func NewSupervisor(settings []*Settings, boards []Board) *Supervisor {
	return &Supervisor{
		settings: settings,
		boards:   boards,
		newOutlet: func(info StreamInfo, portnum int) (Outlet, error) {
			return NewZMQOutlet(info, portnum)
		},
	}
}

// State returns the supervisor's current lifecycle state.
func (sup *Supervisor) State() RunState {
	return sup.state
}

// Run drives the lifecycle from Idle to Terminated, reading operator decisions
// from commands. It returns an error only for fatal pre-streaming failures;
// everything after streaming starts is logged and tolerated.
func (sup *Supervisor) Run(commands <-chan Command) error {
	fmt.Print("Initiate? 'y' -> yes, 'q' -> quit\n--> ")
	if !sup.await(commands) {
		sup.state = Terminated
		fmt.Println("The end")
		return nil
	}

	sup.state = Configuring
	if err := sup.configure(); err != nil {
		sup.state = Terminated
		return err
	}

	fmt.Print("Start streaming? 'y' -> yes, 'q' -> quit\n--> ")
	if !sup.await(commands) {
		sup.teardown()
		sup.state = Terminated
		fmt.Println("The end")
		return nil
	}

	group, err := sup.startStreaming()
	if err != nil {
		sup.stop.Set()
		sup.teardown()
		sup.state = Terminated
		return err
	}
	sup.state = Streaming
	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	// Streaming ends on operator quit or when every collector has finished on
	// its own (a collector raises the stop flag when its time limit elapses).
	fmt.Print("To stop streaming and quit press 'q' + ENTER\n--> ")
	var loopErr error
	for running := true; running; {
		select {
		case cmd, ok := <-commands:
			if !ok || cmd == CmdQuit {
				running = false
			}
			// A "y" while streaming is not a valid transition; keep waiting.
		case loopErr = <-done:
			done = nil
			running = false
		}
	}

	sup.state = Stopping
	sup.stop.Set()
	if done != nil {
		// Join every collector before touching the board sessions, so no loop
		// iteration can race the teardown.
		loopErr = <-done
	}
	if loopErr != nil {
		ProblemLogger.Printf("collector exited with error: %v", loopErr)
	}
	sup.teardown()
	sup.state = Terminated
	fmt.Println("The end")
	return nil
}

// await blocks until the operator answers the current prompt. It returns true
// on proceed, false on quit or closed input. Proceeding is disallowed once the
// stop flag has been raised.
func (sup *Supervisor) await(commands <-chan Command) bool {
	for cmd := range commands {
		switch cmd {
		case CmdProceed:
			if sup.stop.IsSet() {
				return false
			}
			return true
		case CmdQuit:
			sup.stop.Set()
			return false
		}
	}
	return false
}

// configure prepares every board session, runs the channel-command handshake,
// and creates one outlet per board. A session or outlet failure is fatal;
// handshake failures are logged per channel and are not.
func (sup *Supervisor) configure() error {
	for i, b := range sup.boards {
		s := sup.settings[i]
		if err := b.PrepareSession(); err != nil {
			return fmt.Errorf("failed to prepare session for %s: %v", s.Name, err)
		}
		fmt.Printf("Configuring %s:\n", s.Name)
		ConfigureChannels(b, s.Commands)
		info := BuildStreamInfo(s, b.SamplingRate())
		outlet, err := sup.newOutlet(info, Ports.DataBase+i)
		if err != nil {
			return fmt.Errorf("failed to create outlet for %s: %v", s.Name, err)
		}
		sup.outlets = append(sup.outlets, outlet)
	}
	return nil
}

// startStreaming starts every board's stream and launches one collector per
// board, all sharing the supervisor's stop flag.
func (sup *Supervisor) startStreaming() (*errgroup.Group, error) {
	for i, b := range sup.boards {
		s := sup.settings[i]
		if err := b.StartStream(streamBufferSize, s.StreamerParams); err != nil {
			return nil, fmt.Errorf("failed to start stream on %s: %v", s.Name, err)
		}
	}
	sup.runID = ulid.Make().String()
	sup.recordRun(rundb.RunStarted)

	group := new(errgroup.Group)
	for i := range sup.boards {
		c := NewCollector(sup.settings[i], sup.boards[i], sup.outlets[i])
		sup.collectors = append(sup.collectors, c)
		group.Go(func() error { return c.Run(&sup.stop) })
	}
	return group, nil
}

// teardown stops and releases every board and closes the outlets, tolerating
// and logging errors from boards that already stopped on their own.
func (sup *Supervisor) teardown() {
	for i, b := range sup.boards {
		name := sup.settings[i].Name
		if err := b.StopStream(); err != nil {
			ProblemLogger.Printf("%s: board is not streaming: %v", name, err)
		}
		if err := b.ReleaseSession(); err != nil {
			ProblemLogger.Printf("%s: release session: %v", name, err)
		}
	}
	for _, outlet := range sup.outlets {
		if err := outlet.Close(); err != nil {
			ProblemLogger.Printf("close outlet: %v", err)
		}
	}
	sup.recordRun(rundb.RunStopped)
}

// recordRun logs a run-lifecycle event to the activity database, if one is
// connected.
func (sup *Supervisor) recordRun(event rundb.RunEvent) {
	if sup.Recorder == nil || sup.runID == "" {
		return
	}
	msg := &rundb.RunMessage{RunID: sup.runID, Event: event, Timestamp: time.Now()}
	for i, s := range sup.settings {
		sent := 0
		if i < len(sup.collectors) {
			sent = sup.collectors[i].sent
		}
		msg.Boards = append(msg.Boards, rundb.BoardActivity{
			Name:        s.Name,
			BoardID:     s.BoardID,
			SentSamples: sent,
		})
	}
	sup.Recorder.Record(msg)
}
