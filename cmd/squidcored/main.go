package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"squidcore/internal/adaptation"
	"squidcore/internal/config"
	"squidcore/internal/corectx"
	"squidcore/internal/forward"
	"squidcore/internal/logging"
	"squidcore/internal/neighbor"
	"squidcore/internal/peerselect"
	"squidcore/internal/store"
	"squidcore/internal/store/demo"
)

func main() {
	listenAddr := flag.String("listen", "127.0.0.1:18000", "address the proxy listens on")
	originalDst := flag.Bool("transparent", false, "recover the pre-NAT destination via SO_ORIGINAL_DST instead of the request's Host header")
	netdbFile := flag.String("netdb-file", "none", "NetDB persistence file, \"none\" to disable")
	bigcacheMB := flag.Int("store-mem-mb", 64, "in-process demo store size in megabytes")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	log := logging.New(*verbose)
	defer log.Sync()

	cfg := config.Default()
	cfg.Netdb.Filename = *netdbFile

	core := corectx.New(cfg, log, nil)

	if cfg.Netdb.Filename != "none" {
		if err := core.NetDB.ReloadState(cfg.Netdb.Filename); err != nil {
			log.Warn("netdb: reload failed, starting empty", zap.Error(err))
		}
		go persistNetDBPeriodically(core)
	}

	backend, err := demo.NewBigcacheStore(log.Named("store"), *bigcacheMB)
	if err != nil {
		log.Fatal("store: failed to initialize demo backend", zap.Error(err))
	}

	prober, err := neighbor.NewUDPProber("0.0.0.0:0", log.Named("neighbor"))
	if err != nil {
		log.Fatal("neighbor: failed to bind icp probe socket", zap.Error(err))
	}
	defer prober.Close()

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatal("listen failed", zap.Error(err))
	}
	defer ln.Close()
	log.Info("squidcored listening", zap.String("addr", *listenAddr), zap.Bool("transparent", *originalDst))

	srv := &server{core: core, backend: backend, prober: prober, useOriginalDst: *originalDst, log: log}
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Warn("accept failed", zap.Error(err))
			continue
		}
		go srv.handle(conn)
	}
}

// persistNetDBPeriodically mirrors spec.md §4.1's save_state timer,
// driven by the injected clock so it is the same code path tests
// would exercise with a mock clock.
func persistNetDBPeriodically(core *corectx.Context) {
	ticker := core.Clock.Ticker(core.Config.Netdb.SaveInterval)
	defer ticker.Stop()
	for range ticker.C {
		if err := core.NetDB.SaveState(core.Config.Netdb.Filename); err != nil {
			core.Logger.Warn("netdb: periodic save failed", zap.Error(err))
		}
	}
}

type server struct {
	core           *corectx.Context
	backend        store.Backend
	prober         neighbor.Prober
	useOriginalDst bool
	log            *zap.Logger
	counter        uint64
}

func (s *server) handle(conn net.Conn) {
	defer conn.Close()
	n := atomic.AddUint64(&s.counter, 1)

	tcpConn, _ := conn.(*net.TCPConn)
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		s.log.Debug("read request failed", zap.Uint64("n", n), zap.Error(err))
		return
	}
	traceRequest(n, req)

	var clientDst net.Addr
	intercepted := s.useOriginalDst && tcpConn != nil
	if intercepted {
		if d, err := getOriginalDst(tcpConn); err == nil {
			clientDst = d
		} else {
			s.log.Warn("getsockopt SO_ORIGINAL_DST failed", zap.Uint64("n", n), zap.Error(err))
			intercepted = false
		}
	}

	hostHeader := req.URL.Host
	if hostHeader == "" {
		hostHeader = req.Host
	}
	host, port := splitHostPort(hostHeader)

	selReq := &peerselect.Request{
		Method:            req.Method,
		Host:              host,
		Port:              port,
		URL:               req.URL.String(),
		Hierarchical:      true,
		Intercepted:       intercepted,
		HostVerified:      !intercepted,
		ClientOriginalDst: clientDst,
	}

	deps := peerselect.Deps{
		Config:   s.core.Config,
		NetDB:    s.core.NetDB,
		Log:      s.log,
		Prober:   s.prober,
		Resolver: peerselect.NewCachingResolver(nil, 256),
	}

	init := &firstDestInitiator{}
	peerselect.New(deps, selReq, init).Run(context.Background())

	if init.err != nil || !init.got {
		s.log.Info("no destination selected", zap.Uint64("n", n), zap.Error(init.err))
		writeSimpleError(conn, 502, "no route to origin")
		return
	}
	traceDestination(n, *init.dest)

	invalidator := &storeInvalidator{backend: s.backend, log: s.log}
	gw := adaptation.New(nil, nil, s.core.Config.AdaptationMaxBodyBytes)
	lc := forward.New(s.core.Config, s.log, nil, gw, invalidator, s.backend, nil, 0)

	fReq := &forward.Request{
		Method: req.Method,
		URL:    selReq.URL,
		Host:   selReq.Host,
		Header: req.Header,
	}
	result, err := lc.Start(context.Background(), fReq, init.dest.Addr)
	if err != nil {
		s.log.Info("forwarding failed", zap.Uint64("n", n), zap.Error(err))
		writeSimpleError(conn, statusForError(err), "forwarding failed")
		return
	}

	traceReply(n, result.Reply)
	writeReply(conn, result.Reply)
}

// firstDestInitiator takes the selector's first offered destination
// and immediately loses interest, the simplest possible
// peerselect.Initiator and the one this demo needs.
type firstDestInitiator struct {
	dest *peerselect.Destination
	err  error
	got  bool
}

func (f *firstDestInitiator) NoteDestination(d peerselect.Destination) {
	if f.got {
		return
	}
	cp := d
	f.dest = &cp
	f.got = true
}

func (f *firstDestInitiator) NoteDestinationsEnd(err error) { f.err = err }
func (f *firstDestInitiator) Interested() bool               { return !f.got }

// storeInvalidator adapts a store.Backend into forward.Invalidator,
// exercising the demo store from the purge-others path.
type storeInvalidator struct {
	backend store.Backend
	log     *zap.Logger
}

func (s *storeInvalidator) Invalidate(ctx context.Context, url string) []string {
	if err := s.backend.Delete(url); err != nil && err != store.ErrCacheMiss {
		s.log.Warn("invalidate failed", zap.String("url", url), zap.Error(err))
		return nil
	}
	return []string{url}
}

// splitHostPort separates an optional ":port" suffix from a
// request's Host header/authority, defaulting port to 0 (selects 80)
// when absent.
func splitHostPort(hostport string) (host string, port int) {
	h, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, 0
	}
	fmt.Sscanf(p, "%d", &port)
	return h, port
}

func statusForError(err error) int {
	if ferr, ok := err.(*forward.Error); ok && ferr.Status != 0 {
		return ferr.Status
	}
	return 502
}

func writeSimpleError(conn net.Conn, status int, detail string) {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), len(detail), detail)
}

func writeReply(conn net.Conn, reply *adaptation.Message) {
	_ = conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\n", reply.StatusCode, http.StatusText(reply.StatusCode))
	for k, vv := range reply.Header {
		for _, v := range vv {
			fmt.Fprintf(conn, "%s: %s\r\n", k, v)
		}
	}
	fmt.Fprint(conn, "\r\n")
	if reply.Body == nil {
		return
	}
	for !reply.Body.Exhausted() {
		chunk := reply.Body.Buf()
		if len(chunk) == 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		n, err := conn.Write(chunk)
		if n > 0 {
			reply.Body.Consume(n)
		}
		if err != nil {
			return
		}
	}
}
