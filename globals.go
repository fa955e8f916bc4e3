package duostream

import (
	"log"
	"os"
	"time"
)

// Portnumbers holds all TCP port numbers used by duostream's ZMQ publishers.
type Portnumbers struct {
	DataBase int // board k publishes its stream on DataBase + k
	Status   int
}

// Ports globally holds all TCP port numbers used by duostream.
var Ports Portnumbers

func setPortnumbers(base int) {
	Ports.DataBase = base
	Ports.Status = base + 16
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Date    string
	Summary string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.3.1",
	Githash: "no git hash computed",
	Date:    "no build date computed",
}

// ProgramStartTime is a global holding the time init() was run. It is the zero
// point of the clock used for batch timestamps and rate bookkeeping.
var ProgramStartTime time.Time

// ProblemLogger will log warning messages to a file
var ProblemLogger *log.Logger

func init() {
	setPortnumbers(16570)
	ProgramStartTime = time.Now()

	// The main program will override this, but at least initialize with a sensible value
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
}

// localClock returns seconds elapsed since the program started.
func localClock() float64 {
	return time.Since(ProgramStartTime).Seconds()
}
