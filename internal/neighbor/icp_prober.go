package neighbor

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"squidcore/internal/config"
)

// ICP opcodes this prober understands, spec.md §6's "ICP message"
// summary.
const (
	icpOpQuery uint8 = 1
	icpOpHit   uint8 = 2
	icpOpMiss  uint8 = 3
	icpOpDecho uint8 = 10
)

const icpFlagSrcRTT uint32 = 0x80000000

// icpHeader is a minimal, self-consistent encoding of the fields
// spec.md §6 names (opcode, the SRC_RTT flag, and a packed rtt/hops
// pad) plus a request-number field this implementation needs to match
// a reply back to its in-flight probe. It is not a byte-for-byte
// RFC 2186 header — full ICP wire compliance is explicitly out of
// scope (spec.md §6 "parsing is external").
type icpHeader struct {
	Opcode uint8
	Flags  uint32
	Pad    uint32
	ReqNum uint32
}

func (h icpHeader) marshal() []byte {
	buf := make([]byte, 13)
	buf[0] = h.Opcode
	binary.BigEndian.PutUint32(buf[1:5], h.Flags)
	binary.BigEndian.PutUint32(buf[5:9], h.Pad)
	binary.BigEndian.PutUint32(buf[9:13], h.ReqNum)
	return buf
}

func unmarshalICPHeader(b []byte) (icpHeader, bool) {
	if len(b) < 13 {
		return icpHeader{}, false
	}
	return icpHeader{
		Opcode: b[0],
		Flags:  binary.BigEndian.Uint32(b[1:5]),
		Pad:    binary.BigEndian.Uint32(b[5:9]),
		ReqNum: binary.BigEndian.Uint32(b[9:13]),
	}, true
}

type pendingProbe struct {
	peer config.PeerConfig
	sink ReplySink
	sent time.Time
}

// UDPProber is the default Prober: it sends one query datagram per
// probe over a shared UDP socket and decodes replies on a background
// read loop, dispatching each to the ReplySink that sent the matching
// request — spec.md §4.2's reply_handler, grounded on
// peerGetSomeNeighbor's broadcast-then-listen contract.
type UDPProber struct {
	conn *net.UDPConn
	log  *zap.Logger

	mu      sync.Mutex
	pending map[uint32]pendingProbe
	nextReq uint32
}

// NewUDPProber binds a UDP socket on localAddr ("" selects any free
// port on all interfaces) and starts its reply read loop.
func NewUDPProber(localAddr string, log *zap.Logger) (*UDPProber, error) {
	if log == nil {
		log = zap.NewNop()
	}
	addr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("neighbor: resolve udp addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("neighbor: listen udp: %w", err)
	}
	p := &UDPProber{conn: conn, log: log, pending: make(map[uint32]pendingProbe)}
	go p.readLoop()
	return p, nil
}

// Close releases the underlying socket, ending the read loop.
func (p *UDPProber) Close() error { return p.conn.Close() }

// Probe sends one ICP query to peer and registers sink to receive its
// reply once the read loop decodes one. It never blocks on a reply —
// Session's own ping timeout governs how long the caller waits.
func (p *UDPProber) Probe(ctx context.Context, peer config.PeerConfig, protocol Protocol, sink ReplySink) error {
	if peer.IcpPort == 0 {
		return fmt.Errorf("neighbor: peer %q has no icp_port configured", peer.Name)
	}
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", peer.Host, peer.IcpPort))
	if err != nil {
		return fmt.Errorf("neighbor: resolve peer %q: %w", peer.Name, err)
	}

	reqNum := atomic.AddUint32(&p.nextReq, 1)
	p.mu.Lock()
	p.pending[reqNum] = pendingProbe{peer: peer, sink: sink, sent: time.Now()}
	p.mu.Unlock()

	hdr := icpHeader{Opcode: icpOpQuery, ReqNum: reqNum}
	if _, err := p.conn.WriteToUDP(hdr.marshal(), addr); err != nil {
		p.mu.Lock()
		delete(p.pending, reqNum)
		p.mu.Unlock()
		return fmt.Errorf("neighbor: write to %q: %w", peer.Name, err)
	}
	return nil
}

func (p *UDPProber) readLoop() {
	buf := make([]byte, 1500)
	for {
		n, _, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		hdr, ok := unmarshalICPHeader(buf[:n])
		if !ok {
			continue
		}

		p.mu.Lock()
		pending, found := p.pending[hdr.ReqNum]
		if found {
			delete(p.pending, hdr.ReqNum)
		}
		p.mu.Unlock()
		if !found {
			continue
		}

		reply := Reply{
			Peer:      pending.peer,
			Protocol:  ProtocolICP,
			HasSrcRTT: hdr.Flags&icpFlagSrcRTT != 0,
			SrcRTTMs:  float64(hdr.Pad & 0xFFFF),
			Hops:      float64(hdr.Pad >> 16),
		}
		switch hdr.Opcode {
		case icpOpHit:
			reply.Kind = KindHit
		case icpOpMiss:
			reply.Kind = KindMiss
		case icpOpDecho:
			reply.Kind = KindDecho
		default:
			p.log.Debug("neighbor: unknown icp opcode", zap.Uint8("opcode", hdr.Opcode))
			continue
		}
		pending.sink.HandleReply(reply, time.Since(pending.sent))
	}
}
