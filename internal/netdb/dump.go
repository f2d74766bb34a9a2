package netdb

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// Dump writes the human-readable cache-manager "netdb" action to w,
// sorted by RTT, matching net_db.cc's netdbDump. Colorized when attached
// to a TTY, in the style of the teacher's printRequest/printResponse
// color-coded trace output.
func (db *DB) Dump(w io.Writer) {
	header := color.New(color.FgHiBlue)
	body := color.New(color.FgGreen)
	peerLine := color.New(color.FgCyan)

	for _, e := range db.Snapshot() {
		header.Fprintf(w, "Network %s\n", e.Network)
		body.Fprintf(w, "  %-20s %5.1f  %-20s %5.1f\n", "RTT", e.Rtt, "Hops", e.Hops)
		body.Fprintf(w, "  pings_sent=%d pings_recv=%d\n", e.PingsSent, e.PingsRecv)
		if names := e.Hostnames(); len(names) > 0 {
			fmt.Fprintf(w, "  hosts: %s\n", strings.Join(names, " "))
		}
		for _, pm := range e.peers {
			peerLine.Fprintf(w, "    peer %-20s rtt=%6.1f hops=%4.1f\n", pm.PeerName, pm.Rtt, pm.Hops)
		}
	}
}
