package main

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"squidcore/internal/config"
	"squidcore/internal/corectx"
	"squidcore/internal/store"
	"squidcore/internal/store/demo"
)

func newTestServer(t *testing.T) (*server, net.Listener, *demo.BigcacheStore) {
	t.Helper()
	cfg := config.Default()
	core := corectx.New(cfg, zap.NewNop(), nil)
	backend, err := demo.NewBigcacheStore(zap.NewNop(), 16)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &server{core: core, backend: backend, log: zap.NewNop()}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handle(conn)
		}
	}()
	return srv, ln, backend
}

// TestDirectMissEndToEnd drives scenario 1 of SPEC_FULL.md §8: a
// client request for a host NetDB has never seen resolves direct and
// round-trips through dial/select/forward against a real origin.
func TestDirectMissEndToEnd(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Origin", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello from origin"))
	}))
	defer origin.Close()

	_, proxyLn, backend := newTestServer(t)
	defer proxyLn.Close()

	conn, err := net.DialTimeout("tcp", proxyLn.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	originURL := "http://" + origin.Listener.Addr().String() + "/"
	fmt.Fprintf(conn, "GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", originURL, origin.Listener.Addr().String())

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "yes", resp.Header.Get("X-Origin"))

	buf := make([]byte, 64)
	n, _ := resp.Body.Read(buf)
	require.Equal(t, "hello from origin", string(buf[:n]))

	errNoEntry := errors.New("no entry yet")
	deadline := time.After(2 * time.Second)
	for {
		entry, err := backend.Get(originURL, func() (*store.Entry, error) { return nil, errNoEntry })
		if err == nil {
			require.Equal(t, "hello from origin", string(entry.Body))
			require.False(t, entry.Aborted)
			break
		}
		select {
		case <-deadline:
			t.Fatal("store entry for the direct miss was never committed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
