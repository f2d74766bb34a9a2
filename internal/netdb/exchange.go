package netdb

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"

	"go.uber.org/zap"
)

// Wire tags for the exchange protocol, spec.md §4.1.
const (
	tagNetwork = 0x01
	tagRTT     = 0x02
	tagHops    = 0x03

	recordSize = 3 * (1 + 4) // 15 bytes: 3 tagged int32 fields
	flushEvery = 4096        // group emitted bytes into <=4096-byte writes
)

// ErrCorruptExchange is returned when a record carries an unrecognized
// tag, matching net_db.cc's "unexpected tag in netdb reply" abort.
var ErrCorruptExchange = fmt.Errorf("netdb: corrupt exchange record")

// ExportExchange writes every eligible entry as a 15-byte binary record
// to w, grouping writes into <=4096-byte chunks as required by spec.md
// §6. Entries with rtt==0, rtt>60000ms, or a non-IPv4 network are
// skipped, matching netdbBinaryExchange.
func (db *DB) ExportExchange(w io.Writer) error {
	buf := make([]byte, 0, flushEvery+recordSize)
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		_, err := w.Write(buf)
		buf = buf[:0]
		return err
	}

	for _, e := range db.Snapshot() {
		if e.Rtt == 0 || e.Rtt > 60000 {
			continue
		}
		ip := net.ParseIP(e.Network)
		v4 := ip.To4()
		if v4 == nil {
			continue
		}
		if len(buf)+recordSize > flushEvery {
			if err := flush(); err != nil {
				return err
			}
		}
		buf = appendRecord(buf, v4, e.Rtt, e.Hops)
	}
	return flush()
}

func appendRecord(buf []byte, network net.IP, rtt, hops float64) []byte {
	buf = append(buf, tagNetwork)
	buf = append(buf, network[:4]...)
	buf = append(buf, tagRTT)
	buf = appendInt32(buf, int32(math.Round(rtt*1000)))
	buf = append(buf, tagHops)
	buf = appendInt32(buf, int32(math.Round(hops*1000)))
	return buf
}

func appendInt32(buf []byte, v int32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(v))
	return append(buf, tmp[:]...)
}

// ImportExchange reads records produced by ExportExchange from r and
// applies each as an UpdatePeerFromExchange call against fromPeer. A
// partial trailing record at EOF is discarded with a logged warning
// rather than treated as an error (spec.md §4.1 "discarding a partially
// received record").
func (db *DB) ImportExchange(r io.Reader, fromPeer string) error {
	raw := make([]byte, 0, recordSize*64)
	chunk := make([]byte, 4096)
	records := 0
	max := db.cfg.MaxExchangeRecords
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			raw = append(raw, chunk[:n]...)
			for len(raw) >= recordSize {
				if max > 0 && records >= max {
					return fmt.Errorf("netdb: exchange exceeded record ceiling of %d", max)
				}
				network, rtt, hops, perr := parseRecord(raw[:recordSize])
				if perr != nil {
					return perr
				}
				db.UpdatePeerFromExchange(fromPeer, network, rtt, hops)
				raw = raw[recordSize:]
				records++
			}
		}
		if err == io.EOF {
			if len(raw) > 0 {
				db.log.Warn("netdb: discarding a partially received exchange record", zap.Int("bytes", len(raw)))
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func parseRecord(rec []byte) (network net.IP, rtt, hops float64, err error) {
	if rec[0] != tagNetwork {
		return nil, 0, 0, ErrCorruptExchange
	}
	network = net.IPv4(rec[1], rec[2], rec[3], rec[4])
	if rec[5] != tagRTT {
		return nil, 0, 0, ErrCorruptExchange
	}
	rtt = float64(int32(binary.BigEndian.Uint32(rec[6:10]))) / 1000.0
	if rec[10] != tagHops {
		return nil, 0, 0, ErrCorruptExchange
	}
	hops = float64(int32(binary.BigEndian.Uint32(rec[11:15]))) / 1000.0
	return network, rtt, hops, nil
}

// UpdatePeerFromExchange records rtt/hops for the network exported by
// fromPeer, the import-side counterpart of UpdatePeer, matching
// netdbExchangeUpdatePeer's IPv4-only acceptance.
func (db *DB) UpdatePeerFromExchange(fromPeer string, network net.IP, rtt, hops float64) {
	if network == nil || network.To4() == nil || rtt <= 0 {
		return
	}
	netStr, err := networkFromIP(network)
	if err != nil {
		return
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	entry := db.entryFor(netStr)
	db.updatePeer(entry, fromPeer, rtt, hops)
	db.checkPurge()
}
