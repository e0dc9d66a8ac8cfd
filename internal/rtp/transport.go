package rtp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	pionrtp "github.com/pion/rtp"
)

const (
	// payloadType is the Discord voice Opus payload type.
	payloadType = 120

	// timestampIncrement is the RTP timestamp increment per packet:
	// 960 samples per 20 ms frame at the 48 kHz clock.
	timestampIncrement = 960

	// sendDeadline bounds a UDP send. The socket should never block; a
	// send that would is dropped and counted.
	sendDeadline = time.Millisecond

	// keepaliveInterval is how often the keepalive counter datagram is
	// sent to hold the NAT mapping open and sample round-trip latency.
	keepaliveInterval = 5 * time.Second

	// discoveryPacketLen is the fixed size of the IP discovery exchange.
	discoveryPacketLen = 74
)

// Transport owns a guild's voice UDP socket and the RTP progression:
// sequence advances by exactly 1 and timestamp by exactly 960 per
// transmitted packet, silence included. Only the speak loop calls Send;
// sequence and timestamp therefore need no synchronization. Counters
// are atomics so the supervisor may snapshot them.
type Transport struct {
	conn   *net.UDPConn
	remote *net.UDPAddr
	sealer Sealer
	logger *slog.Logger

	ssrc uint32
	seq  uint16
	ts   uint32

	pkt []byte // reused packet assembly buffer

	packetsSent atomic.Uint64
	packetsDrop atomic.Uint64

	pingMs        atomic.Int64
	keepaliveSent atomic.Int64 // unix nanos of the newest keepalive
	keepaliveSeq  uint64

	done chan struct{}
}

// Config carries the negotiated voice session parameters.
type Config struct {
	Remote *net.UDPAddr
	SSRC   uint32
	Key    []byte
	Mode   Mode
}

// New binds a UDP socket and prepares the sealer for the negotiated
// mode. The returned transport owns the socket.
func New(cfg Config, logger *slog.Logger) (*Transport, error) {
	sealer, err := NewSealer(cfg.Mode, cfg.Key)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("rtp: binding udp socket: %w", err)
	}

	t := &Transport{
		conn:   conn,
		remote: cfg.Remote,
		sealer: sealer,
		logger: logger.With("subsystem", "rtp-transport", "ssrc", cfg.SSRC),
		ssrc:   cfg.SSRC,
		done:   make(chan struct{}),
	}

	return t, nil
}

// Send encrypts and transmits one Opus payload. Sequence and timestamp
// advance whether or not the datagram made it out; a send that would
// block is dropped and counted, keeping the progression monotone.
func (t *Transport) Send(payload []byte) error {
	hdr := pionrtp.Header{
		Version:        2,
		PayloadType:    payloadType,
		SequenceNumber: t.seq,
		Timestamp:      t.ts,
		SSRC:           t.ssrc,
	}

	need := headerSize + len(payload) + t.sealer.Overhead()
	if cap(t.pkt) < need {
		t.pkt = make([]byte, 0, need)
	}
	pkt := t.pkt[:headerSize]
	if _, err := hdr.MarshalTo(pkt); err != nil {
		return fmt.Errorf("rtp: marshalling header: %w", err)
	}

	pkt = t.sealer.Seal(pkt, pkt[:headerSize], payload)
	t.pkt = pkt[:0]

	// Monotone progression happens regardless of the send outcome.
	t.seq++
	t.ts += timestampIncrement

	t.conn.SetWriteDeadline(time.Now().Add(sendDeadline))
	if _, err := t.conn.WriteToUDP(pkt, t.remote); err != nil {
		t.packetsDrop.Add(1)
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil // full socket buffer: drop silently, cadence wins
		}
		return fmt.Errorf("rtp: sending packet: %w", err)
	}
	t.packetsSent.Add(1)
	return nil
}

// Sequence returns the next sequence number to be transmitted.
func (t *Transport) Sequence() uint16 { return t.seq }

// Timestamp returns the next RTP timestamp to be transmitted.
func (t *Transport) Timestamp() uint32 { return t.ts }

// PacketsSent returns the number of datagrams successfully written.
func (t *Transport) PacketsSent() uint64 { return t.packetsSent.Load() }

// PacketsDropped returns the number of datagrams discarded at send.
func (t *Transport) PacketsDropped() uint64 { return t.packetsDrop.Load() }

// Ping returns the latest keepalive round-trip in milliseconds. It is
// -1 until the first keepalive is sent and 0 from then until the first
// echo arrives.
func (t *Transport) Ping() int64 {
	if t.keepaliveSent.Load() == 0 {
		return -1
	}
	return t.pingMs.Load()
}

// DiscoverIP performs the 74-byte IP discovery exchange and returns the
// external address the voice server observed for this socket.
func (t *Transport) DiscoverIP(timeout time.Duration) (string, int, error) {
	pkt := make([]byte, discoveryPacketLen)
	binary.BigEndian.PutUint16(pkt[0:2], 1)  // type: request
	binary.BigEndian.PutUint16(pkt[2:4], 70) // length
	binary.BigEndian.PutUint32(pkt[4:8], t.ssrc)

	if _, err := t.conn.WriteToUDP(pkt, t.remote); err != nil {
		return "", 0, fmt.Errorf("rtp: sending discovery: %w", err)
	}

	t.conn.SetReadDeadline(time.Now().Add(timeout))
	defer t.conn.SetReadDeadline(time.Time{})

	resp := make([]byte, discoveryPacketLen)
	for {
		n, _, err := t.conn.ReadFromUDP(resp)
		if err != nil {
			return "", 0, fmt.Errorf("rtp: reading discovery response: %w", err)
		}
		if n != discoveryPacketLen || binary.BigEndian.Uint16(resp[0:2]) != 2 {
			continue // not the discovery reply
		}
		ip := string(trimNul(resp[8:72]))
		port := int(binary.BigEndian.Uint16(resp[72:74]))
		return ip, port, nil
	}
}

func trimNul(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

// StartKeepalive launches the 5-second keepalive sender and the socket
// receive loop that matches echoes to measure round-trip latency. Call
// after DiscoverIP; the two must not read the socket concurrently.
func (t *Transport) StartKeepalive() {
	go t.recvLoop()
	go func() {
		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-t.done:
				return
			case <-ticker.C:
				t.keepaliveSeq++
				var pkt [8]byte
				binary.BigEndian.PutUint64(pkt[:], t.keepaliveSeq)
				t.keepaliveSent.Store(time.Now().UnixNano())
				if _, err := t.conn.WriteToUDP(pkt[:], t.remote); err != nil {
					t.logger.Debug("keepalive send failed", "error", err)
				}
			}
		}
	}()
}

// recvLoop drains inbound datagrams. Keepalive echoes update the ping
// sample; anything else (inbound voice, RTCP) is discarded — this
// transport only speaks.
func (t *Transport) recvLoop() {
	buf := make([]byte, 1500)
	for {
		select {
		case <-t.done:
			return
		default:
		}

		t.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			return // socket closed
		}

		if n == 8 {
			sent := t.keepaliveSent.Load()
			if sent != 0 {
				t.pingMs.Store(time.Since(time.Unix(0, sent)).Milliseconds())
			}
		}
	}
}

// Close shuts the receive and keepalive loops down and releases the
// socket.
func (t *Transport) Close() error {
	select {
	case <-t.done:
		return nil
	default:
	}
	close(t.done)
	return t.conn.Close()
}
