package duostream

import (
	"log"
	"sort"
	"strconv"
	"strings"
	"time"
)

// The canonical Cyton/Daisy channel-settings commands, one per channel in
// channel order. Sending these applies the power-on defaults without
// reflashing the board.
var obciCommands = [16]string{
	"x1060110X", "x2060110X", "x3060110X", "x4060110X", // channels 1-4  / Cyton
	"x5060110X", "x6060110X", "x7060110X", "x8060110X", // channels 5-8  / Cyton
	"xQ060110X", "xW060110X", "xE060110X", "xR060110X", // channels 9-12 / Daisy
	"xT060110X", "xY060110X", "xU060110X", "xI060110X", // channels 13-16 / Daisy
}

// successMarker is the substring a board response must carry for the command
// to count as accepted.
const successMarker = "Success"

// settleInterval is how long the device needs to process one channel command.
// A variable so tests can shorten it.
var settleInterval = 100 * time.Millisecond

// ChannelCommand pairs a channel label with the settings command sent for it.
type ChannelCommand struct {
	Label   string
	Command string
}

// HandshakeResult records the outcome of one channel command.
type HandshakeResult struct {
	ChannelCommand
	Response string
	OK       bool
}

// DefaultChannelCommands builds the chan1..chanN default command list for the
// given board.
func DefaultChannelCommands(boardID int) []ChannelCommand {
	n := boardChannelCounts[boardID]
	cmds := make([]ChannelCommand, n)
	for i := 0; i < n; i++ {
		cmds[i] = ChannelCommand{Label: "chan" + strconv.Itoa(i+1), Command: obciCommands[i]}
	}
	return cmds
}

// orderChannelCommands turns an explicit label→command map into a list sorted
// by numeric-aware label order, so chan2 precedes chan10.
func orderChannelCommands(m map[string]string) []ChannelCommand {
	cmds := make([]ChannelCommand, 0, len(m))
	for label, command := range m {
		cmds = append(cmds, ChannelCommand{Label: label, Command: command})
	}
	sort.Slice(cmds, func(i, j int) bool {
		a, b := cmds[i].Label, cmds[j].Label
		na, erra := trailingNumber(a)
		nb, errb := trailingNumber(b)
		if erra == nil && errb == nil && na != nb {
			return na < nb
		}
		return a < b
	})
	return cmds
}

func trailingNumber(label string) (int, error) {
	i := len(label)
	for i > 0 && label[i-1] >= '0' && label[i-1] <= '9' {
		i--
	}
	return strconv.Atoi(label[i:])
}

// ConfigureChannels sends each channel command to the board in order, waiting
// settleInterval after each so the device can process it, and classifies the
// response text by the success marker. A failing channel is logged and does
// not stop the remaining channels. One result is returned per command.
func ConfigureChannels(b Board, cmds []ChannelCommand) []HandshakeResult {
	results := make([]HandshakeResult, 0, len(cmds))
	for _, cc := range cmds {
		response, err := b.ConfigBoard(cc.Command)
		time.Sleep(settleInterval)
		if err != nil {
			response = err.Error()
		}
		ok := err == nil && strings.Contains(response, successMarker)
		if ok {
			log.Printf("Response from %s: %s", cc.Label, response)
		} else {
			ProblemLogger.Printf("channel %s configuration failed: %s", cc.Label, response)
			log.Printf("Response from %s (failed): %s", cc.Label, response)
		}
		results = append(results, HandshakeResult{ChannelCommand: cc, Response: response, OK: ok})
	}
	return results
}
