package duostream

import (
	"fmt"
	"log"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// requiredArgs are the settings keys that every board file must provide.
var requiredArgs = []string{"board_id", "name", "data_type", "channel_names", "uid", "max_time"}

// Settings holds one board's acquisition configuration, read from its YAML
// settings file. Immutable after ReadSettings returns.
type Settings struct {
	BoardID      int
	Name         string
	DataKinds    []DataKind
	ChannelNames map[DataKind][]string
	UID          string
	MaxTime      time.Duration

	// Optional fields, defaulted when absent.
	IPAddress      string
	IPPort         string
	SerialPort     string
	StreamerParams string
	ForwardDelay   float64 // seconds subtracted from each batch timestamp
	MasterID       string
	ReplayFile     string

	// Commands to send during the channel handshake, in order. Taken from the
	// settings file's commands map, or derived defaults when absent.
	Commands []ChannelCommand
}

// ReadSettings reads and validates one board's settings file.
func ReadSettings(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read settings from file %s: %v", path, err)
	}
	if len(v.GetStringMap("args")) == 0 {
		return nil, fmt.Errorf("no args in settings file %s", path)
	}

	var missing []string
	for _, key := range requiredArgs {
		if !v.IsSet("args." + key) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing args: %s", strings.Join(missing, ", "))
	}

	s := &Settings{
		BoardID:        v.GetInt("args.board_id"),
		Name:           v.GetString("args.name"),
		UID:            v.GetString("args.uid"),
		MaxTime:        time.Duration(v.GetFloat64("args.max_time") * float64(time.Second)),
		IPAddress:      v.GetString("args.ip_address"),
		IPPort:         v.GetString("args.ip_port"),
		SerialPort:     v.GetString("args.serial_port"),
		StreamerParams: v.GetString("args.streamer_params"),
		ForwardDelay:   v.GetFloat64("args.delay"),
		MasterID:       v.GetString("args.master_id"),
		ReplayFile:     v.GetString("args.replay_file"),
	}
	if s.MasterID == "" {
		s.MasterID = "2"
	}
	if !KnownBoard(s.BoardID) {
		return nil, fmt.Errorf("unsupported board id %d", s.BoardID)
	}
	if s.MaxTime <= 0 {
		return nil, fmt.Errorf("max_time must be positive, got %v", s.MaxTime)
	}

	for _, name := range v.GetStringSlice("args.data_type") {
		kind, err := ParseDataKind(name)
		if err != nil {
			return nil, err
		}
		s.DataKinds = append(s.DataKinds, kind)
	}
	if len(s.DataKinds) == 0 {
		return nil, fmt.Errorf("data_type lists no data types")
	}

	s.ChannelNames = make(map[DataKind][]string)
	for name, csv := range v.GetStringMapString("args.channel_names") {
		kind, err := ParseDataKind(name)
		if err != nil {
			return nil, err
		}
		s.ChannelNames[kind] = splitChannelNames(csv)
	}
	for _, kind := range s.DataKinds {
		if len(s.ChannelNames[kind]) == 0 {
			return nil, fmt.Errorf("channel_names has no entry for data type %s", kind)
		}
	}

	if cm := v.GetStringMapString("commands"); len(cm) > 0 {
		s.Commands = orderChannelCommands(cm)
	} else {
		log.Printf("no commands in %s, using defaults for board %d", path, s.BoardID)
		s.Commands = DefaultChannelCommands(s.BoardID)
	}
	return s, nil
}

func splitChannelNames(csv string) []string {
	var names []string
	for _, name := range strings.Split(csv, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// TransportID is the suffix appended to the stream name and uid so that two
// boards streaming at once stay distinguishable.
func (s *Settings) TransportID() string {
	switch {
	case s.SerialPort != "":
		return filepath.Base(s.SerialPort)
	case s.IPAddress != "":
		return net.JoinHostPort(s.IPAddress, s.IPPort)
	case s.ReplayFile != "":
		return strings.TrimSuffix(filepath.Base(s.ReplayFile), ".npy")
	}
	return "sim"
}
