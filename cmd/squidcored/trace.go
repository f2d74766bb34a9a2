package main

import (
	"net/http"
	"strings"

	"github.com/fatih/color"

	"squidcore/internal/adaptation"
	"squidcore/internal/peerselect"
)

// traceRequest prints an inbound client request, adapted from the
// teacher's proxy/httpPrintingProxy.go printRequest debug helper.
func traceRequest(n uint64, req *http.Request) {
	color.HiBlue("\nrequest %d:\n", n)
	color.Cyan("%s %s %s\r\n", req.Method, req.URL, req.Proto)
	for k, v := range req.Header {
		color.Cyan("%s: %s\r\n", k, strings.Join(v, ", "))
	}
}

// traceDestination prints the peer-selection verdict for one
// candidate, with no teacher analogue (peer selection is new to this
// spec) but in the same one-line color-coded idiom.
func traceDestination(n uint64, dest peerselect.Destination) {
	peerName := "DIRECT"
	if dest.Peer != nil {
		peerName = dest.Peer.Name
	}
	color.HiYellow("request %d: selected %s via %s (%s)\n", n, peerName, dest.Code, dest.Addr)
}

// traceReply prints the final reply, adapted from printResponse.
func traceReply(n uint64, reply *adaptation.Message) {
	color.HiBlue("\nreply %d:\n", n)
	color.HiGreen("status %d\r\n", reply.StatusCode)
	for k, v := range reply.Header {
		color.Green("%s: %s\r\n", k, strings.Join(v, ", "))
	}
}
