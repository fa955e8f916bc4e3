package duostream

// ChannelMeta describes one channel of a stream, in emission order.
type ChannelMeta struct {
	Label string `json:"label"`
	Kind  string `json:"type"`
}

// StreamInfo is the metadata an outlet declares when it is created: stream
// name, content-type tag, channel count, nominal rate, numeric format, unique
// id, and one (label, kind) entry per channel in emission order.
type StreamInfo struct {
	Name         string        `json:"name"`
	ContentType  string        `json:"type"`
	ChannelCount int           `json:"channel_count"`
	NominalRate  float64       `json:"nominal_srate"`
	Format       string        `json:"channel_format"`
	UID          string        `json:"uid"`
	Channels     []ChannelMeta `json:"channels"`
}

// Outlet is the downstream receiver of timestamped sample chunks.
type Outlet interface {
	// PushChunk forwards one batch of sample vectors. stamp is the
	// delay-compensated emission time of the batch; the receiver back-dates
	// earlier samples in the chunk from the nominal rate.
	PushChunk(chunk [][]float64, stamp float64) error
	Close() error
}

// streamContentType tags every stream: EEG channels plus aux channels.
const streamContentType = "EEG_AUX"

// streamFormat is the numeric sample format declared to receivers.
const streamFormat = "double64"

// BuildStreamInfo assembles the metadata for one board's stream. The transport
// identifier is appended to name and uid so simultaneous boards stay
// distinguishable.
func BuildStreamInfo(s *Settings, rate float64) StreamInfo {
	var channels []ChannelMeta
	for _, kind := range s.DataKinds {
		for _, label := range s.ChannelNames[kind] {
			channels = append(channels, ChannelMeta{Label: label, Kind: kind.String()})
		}
	}
	suffix := s.TransportID()
	return StreamInfo{
		Name:         s.Name + "_" + suffix,
		ContentType:  streamContentType,
		ChannelCount: len(channels),
		NominalRate:  rate,
		Format:       streamFormat,
		UID:          s.UID + "_" + suffix,
		Channels:     channels,
	}
}
