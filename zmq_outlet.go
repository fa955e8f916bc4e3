package duostream

import (
	"encoding/json"
	"fmt"

	zmq "github.com/pebbe/zmq4"

	"github.com/openbci-tools/duostream/internal/getbytes"
)

// ZMQOutlet publishes one stream on a ZMQ PUB socket. The stream metadata goes
// out as an "info" message when the outlet is created; each batch is a
// multipart "chunk" message:
//
//	[uid, "chunk", {"stamp": …, "nsamples": …}, little-endian float64 payload]
//
// The payload is samples-major: nsamples vectors of channel_count values.
type ZMQOutlet struct {
	info   StreamInfo
	socket *zmq.Socket
}

type chunkHeader struct {
	Stamp    float64 `json:"stamp"`
	Nsamples int     `json:"nsamples"`
}

// NewZMQOutlet binds a PUB socket on the given port and announces the stream.
func NewZMQOutlet(info StreamInfo, portnum int) (*ZMQOutlet, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, err
	}
	hostname := fmt.Sprintf("tcp://*:%d", portnum)
	if err = socket.Bind(hostname); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to bind outlet to %s: %v", hostname, err)
	}
	header, err := json.Marshal(info)
	if err != nil {
		socket.Close()
		return nil, err
	}
	if _, err = socket.SendMessage(info.UID, "info", header); err != nil {
		socket.Close()
		return nil, err
	}
	return &ZMQOutlet{info: info, socket: socket}, nil
}

// PushChunk publishes one batch with its anchor timestamp.
func (o *ZMQOutlet) PushChunk(chunk [][]float64, stamp float64) error {
	flat := make([]float64, 0, len(chunk)*o.info.ChannelCount)
	for _, vec := range chunk {
		flat = append(flat, vec...)
	}
	header, err := json.Marshal(chunkHeader{Stamp: stamp, Nsamples: len(chunk)})
	if err != nil {
		return err
	}
	_, err = o.socket.SendMessage(o.info.UID, "chunk", header, getbytes.FromSliceFloat64(flat))
	return err
}

// Close destroys the socket.
func (o *ZMQOutlet) Close() error {
	return o.socket.Close()
}
