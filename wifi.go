package duostream

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
)

// WifiBoard drives a Cyton whose WiFi shield relays the 33-byte frames as UDP
// datagrams. Commands and stream start/stop go to the shield's HTTP interface;
// data arrives on a local UDP listener.
type WifiBoard struct {
	shieldAddr string // "host:port" of the shield's HTTP interface
	daisy      bool
	conn       *net.UDPConn // local listener the shield sends frames to
	client     *http.Client

	buf       frameBuffer
	pending   *cytonFrame
	abort     chan struct{}
	readDone  sync.WaitGroup
	streaming bool
}

// NewWifiBoard creates a driver for a shield reachable at the given address.
func NewWifiBoard(ipAddress, ipPort string, daisy bool) (*WifiBoard, error) {
	if ipAddress == "" || ipPort == "" {
		return nil, fmt.Errorf("wifi board requires ip_address and ip_port in settings")
	}
	return &WifiBoard{
		shieldAddr: net.JoinHostPort(ipAddress, ipPort),
		daisy:      daisy,
		client:     &http.Client{Timeout: 3 * time.Second},
	}, nil
}

// PrepareSession opens the local UDP listener and checks the shield answers on
// its HTTP interface.
func (wb *WifiBoard) PrepareSession() error {
	laddr, err := net.ResolveUDPAddr("udp", ":0")
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("failed to open UDP listener for shield %s: %v", wb.shieldAddr, err)
	}
	wb.conn = conn
	if _, err := wb.shieldGet("/board"); err != nil {
		conn.Close()
		wb.conn = nil
		return fmt.Errorf("shield %s did not answer: %v", wb.shieldAddr, err)
	}
	return nil
}

func (wb *WifiBoard) shieldGet(path string) (string, error) {
	resp, err := wb.client.Get("http://" + wb.shieldAddr + path)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return string(body), err
}

func (wb *WifiBoard) shieldPost(path, body string) (string, error) {
	resp, err := wb.client.Post("http://"+wb.shieldAddr+path, "text/plain", strings.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	text, err := io.ReadAll(resp.Body)
	return string(text), err
}

// ConfigBoard forwards one command string through the shield's /command
// endpoint and returns the board's response text.
func (wb *WifiBoard) ConfigBoard(cmd string) (string, error) {
	if wb.conn == nil {
		return "", fmt.Errorf("session for shield %s is not prepared", wb.shieldAddr)
	}
	return wb.shieldPost("/command", cmd)
}

// StartStream points the shield at the local UDP listener, requests streaming,
// and launches the datagram reader.
func (wb *WifiBoard) StartStream(bufferSize int, streamerParams string) error {
	if wb.conn == nil {
		return fmt.Errorf("session for shield %s is not prepared", wb.shieldAddr)
	}
	if wb.streaming {
		return fmt.Errorf("shield %s is already streaming", wb.shieldAddr)
	}
	wb.buf.reset(numRows(wb.nchan()), bufferSize)
	wb.pending = nil
	port := wb.conn.LocalAddr().(*net.UDPAddr).Port
	target := fmt.Sprintf(`{"port": %d, "output": "raw"}`, port)
	if _, err := wb.shieldPost("/udp", target); err != nil {
		return fmt.Errorf("failed to set shield %s UDP target: %v", wb.shieldAddr, err)
	}
	if _, err := wb.shieldGet("/stream/start"); err != nil {
		return fmt.Errorf("failed to start stream on shield %s: %v", wb.shieldAddr, err)
	}
	wb.abort = make(chan struct{})
	wb.readDone.Add(1)
	go wb.readDatagrams()
	wb.streaming = true
	return nil
}

// readDatagrams reads UDP datagrams and decodes the frames they carry until
// the stream is stopped. A datagram may carry several frames back to back.
func (wb *WifiBoard) readDatagrams() {
	defer wb.readDone.Done()
	p := make([]byte, 16384)
	for {
		select {
		case <-wb.abort:
			return
		default:
		}
		deadline := time.Now().Add(time.Second)
		if err := wb.conn.SetReadDeadline(deadline); err != nil {
			ProblemLogger.Printf("shield %s: set read deadline: %v", wb.shieldAddr, err)
			return
		}
		n, _, err := wb.conn.ReadFromUDP(p)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			ProblemLogger.Printf("shield %s: UDP read: %v", wb.shieldAddr, err)
			return
		}
		for off := 0; off+frameLength <= n; off += frameLength {
			f, err := parseFrame(p[off : off+frameLength])
			if err != nil {
				ProblemLogger.Printf("shield %s: bad frame: %v", wb.shieldAddr, err)
				break
			}
			wb.accept(f)
		}
	}
}

func (wb *WifiBoard) accept(f cytonFrame) {
	if !wb.daisy {
		wb.buf.append(frameVector(f, localClock()))
		return
	}
	if wb.pending == nil {
		pf := f
		wb.pending = &pf
		return
	}
	lo := *wb.pending
	wb.pending = nil
	wb.buf.append(pairVector(lo, f, localClock()))
}

// Drain returns the frames buffered since the previous call, or nil when
// nothing arrived.
func (wb *WifiBoard) Drain() (*mat.Dense, error) {
	if wb.conn == nil {
		return nil, fmt.Errorf("session for shield %s is not prepared", wb.shieldAddr)
	}
	return wb.buf.drain(), nil
}

// StopStream asks the shield to stop streaming and waits for the reader to
// finish.
func (wb *WifiBoard) StopStream() error {
	if !wb.streaming {
		return fmt.Errorf("shield %s is not streaming", wb.shieldAddr)
	}
	close(wb.abort)
	wb.readDone.Wait()
	wb.streaming = false
	if _, err := wb.shieldGet("/stream/stop"); err != nil {
		return fmt.Errorf("failed to stop stream on shield %s: %v", wb.shieldAddr, err)
	}
	return nil
}

// ReleaseSession closes the UDP listener.
func (wb *WifiBoard) ReleaseSession() error {
	if wb.conn == nil {
		return fmt.Errorf("session for shield %s is not prepared", wb.shieldAddr)
	}
	err := wb.conn.Close()
	wb.conn = nil
	return err
}

// SamplingRate matches the serial driver: 250 Hz, halved per channel with a
// Daisy attached.
func (wb *WifiBoard) SamplingRate() float64 {
	if wb.daisy {
		return 125.0
	}
	return 250.0
}

// ChannelIndices returns the Drain matrix rows for the given data kind.
func (wb *WifiBoard) ChannelIndices(kind DataKind) []int {
	switch kind {
	case EEG:
		return eegRows(wb.nchan())
	case Stim:
		return auxRows(wb.nchan())
	}
	return nil
}

func (wb *WifiBoard) nchan() int {
	if wb.daisy {
		return 16
	}
	return 8
}
