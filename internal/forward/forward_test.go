package forward

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"squidcore/internal/adaptation"
	"squidcore/internal/store"
)

type pipeDialer struct {
	conn ServerConn
}

func (d pipeDialer) Dial(ctx context.Context, addr net.Addr) (ServerConn, error) {
	return d.conn, nil
}

// serverSide wraps the far end of a net.Pipe so it satisfies
// ServerConn (net.Pipe connections already implement SetDeadline).
func newPipe() (client, server net.Conn) {
	return net.Pipe()
}

func serveOnce(t *testing.T, server net.Conn, rawResponse string) {
	t.Helper()
	go func() {
		br := bufio.NewReader(server)
		_, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		_, _ = server.Write([]byte(rawResponse))
		time.Sleep(5 * time.Millisecond)
		_ = server.Close()
	}()
}

func TestStartRoundTripsSimpleGet(t *testing.T) {
	client, server := newPipe()
	serveOnce(t, server, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")

	lc := New(nil, nil, pipeDialer{conn: client}, nil, nil, nil, nil, 0)
	req := &Request{Method: "GET", URL: "http://origin.example/", Host: "origin.example"}

	result, err := lc.Start(context.Background(), req, &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 80})

	require.NoError(t, err)
	require.Equal(t, 200, result.Reply.StatusCode)
	require.NotNil(t, result.Reply.Body)

	var got []byte
	deadline := time.After(time.Second)
	for !result.Reply.Body.Exhausted() {
		if chunk := result.Reply.Body.Buf(); len(chunk) > 0 {
			got = append(got, chunk...)
			result.Reply.Body.Consume(len(chunk))
			continue
		}
		select {
		case <-deadline:
			t.Fatal("reply body never exhausted")
		case <-time.After(time.Millisecond):
		}
	}
	require.Equal(t, "hello", string(got))
}

func TestStartDialFailureReturnsConnectFailError(t *testing.T) {
	lc := New(nil, nil, failingDialer{}, nil, nil, nil, nil, 0)
	req := &Request{Method: "GET", URL: "http://origin.example/"}

	_, err := lc.Start(context.Background(), req, &net.TCPAddr{})

	require.Error(t, err)
	var ferr *Error
	require.ErrorAs(t, err, &ferr)
	require.Equal(t, ErrConnectFail, ferr.Kind)
}

type failingDialer struct{}

func (failingDialer) Dial(ctx context.Context, addr net.Addr) (ServerConn, error) {
	return nil, errDial
}

var errDial = net.UnknownNetworkError("boom")

type recordingInvalidator struct {
	urls []string
}

func (r *recordingInvalidator) Invalidate(ctx context.Context, u string) []string {
	r.urls = append(r.urls, u)
	return []string{u}
}

func TestPurgeOthersInvalidatesRequestURLAndLocationOnSuccessfulPost(t *testing.T) {
	client, server := newPipe()
	serveOnce(t, server, "HTTP/1.1 201 Created\r\nLocation: http://origin.example/new\r\nContent-Length: 0\r\n\r\n")

	inv := &recordingInvalidator{}
	lc := New(nil, nil, pipeDialer{conn: client}, nil, inv, nil, nil, 0)
	req := &Request{Method: "POST", URL: "http://origin.example/create", Host: "origin.example"}

	_, err := lc.Start(context.Background(), req, &net.TCPAddr{})
	require.NoError(t, err)

	require.Equal(t, []string{"http://origin.example/create", "http://origin.example/new"}, inv.urls)
}

func TestPurgeOthersResolvesRelativeLocationAgainstRequestURL(t *testing.T) {
	client, server := newPipe()
	serveOnce(t, server, "HTTP/1.1 201 Created\r\nLocation: /new\r\nContent-Length: 0\r\n\r\n")

	inv := &recordingInvalidator{}
	lc := New(nil, nil, pipeDialer{conn: client}, nil, inv, nil, nil, 0)
	req := &Request{Method: "POST", URL: "http://origin.example/create", Host: "origin.example"}

	_, err := lc.Start(context.Background(), req, &net.TCPAddr{})
	require.NoError(t, err)

	require.Equal(t, []string{"http://origin.example/create", "http://origin.example/new"}, inv.urls)
}

func TestPurgeOthersIncludesThreeHundredsNotJustTwoHundreds(t *testing.T) {
	client, server := newPipe()
	serveOnce(t, server, "HTTP/1.1 301 Moved Permanently\r\nLocation: http://origin.example/new\r\nContent-Length: 0\r\n\r\n")

	inv := &recordingInvalidator{}
	lc := New(nil, nil, pipeDialer{conn: client}, nil, inv, nil, nil, 0)
	req := &Request{Method: "POST", URL: "http://origin.example/create", Host: "origin.example"}

	_, err := lc.Start(context.Background(), req, &net.TCPAddr{})
	require.NoError(t, err)

	require.Equal(t, []string{"http://origin.example/create", "http://origin.example/new"}, inv.urls)
}

func TestPurgeOthersSkipsFourHundreds(t *testing.T) {
	client, server := newPipe()
	serveOnce(t, server, "HTTP/1.1 404 Not Found\r\nLocation: http://origin.example/new\r\nContent-Length: 0\r\n\r\n")

	inv := &recordingInvalidator{}
	lc := New(nil, nil, pipeDialer{conn: client}, nil, inv, nil, nil, 0)
	req := &Request{Method: "POST", URL: "http://origin.example/create", Host: "origin.example"}

	_, err := lc.Start(context.Background(), req, &net.TCPAddr{})
	require.NoError(t, err)

	require.Empty(t, inv.urls)
}

func TestPurgeOthersSkipsSafeMethods(t *testing.T) {
	client, server := newPipe()
	serveOnce(t, server, "HTTP/1.1 200 OK\r\nLocation: http://origin.example/new\r\nContent-Length: 0\r\n\r\n")

	inv := &recordingInvalidator{}
	lc := New(nil, nil, pipeDialer{conn: client}, nil, inv, nil, nil, 0)
	req := &Request{Method: "GET", URL: "http://origin.example/", Host: "origin.example"}

	_, err := lc.Start(context.Background(), req, &net.TCPAddr{})
	require.NoError(t, err)

	require.Empty(t, inv.urls)
}

func TestHostMatchesAcceptsSharedPrefix(t *testing.T) {
	require.True(t, hostMatches("origin.example", "http://origin.example/x"))
	require.False(t, hostMatches("origin.example", "http://evil.example/x"))
}

// memStore is a minimal store.Backend recording every committed entry,
// used to exercise the forwarding lifecycle's store-commit path without
// pulling in a real backend.
type memStore struct {
	mu      sync.Mutex
	entries map[string]*store.Entry
}

func (m *memStore) Get(key string, init store.Initializer) (*store.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		return e, nil
	}
	return init()
}

func (m *memStore) Put(e *store.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string]*store.Entry)
	}
	m.entries[e.Key] = e
	return nil
}

func (m *memStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *memStore) get(key string) *store.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[key]
}

func TestStartCommitsFinalReplyToStoreMarkedWhole(t *testing.T) {
	client, server := newPipe()
	serveOnce(t, server, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")

	backend := &memStore{}
	lc := New(nil, nil, pipeDialer{conn: client}, nil, nil, backend, nil, 0)
	req := &Request{Method: "GET", URL: "http://origin.example/x", Host: "origin.example"}

	_, err := lc.Start(context.Background(), req, &net.TCPAddr{})
	require.NoError(t, err)

	deadline := time.After(time.Second)
	for backend.get(req.URL) == nil {
		select {
		case <-deadline:
			t.Fatal("store entry never committed")
		case <-time.After(time.Millisecond):
		}
	}
	entry := backend.get(req.URL)
	require.Equal(t, "hello", string(entry.Body))
	require.False(t, entry.Aborted)
	require.Equal(t, 200, entry.Status)
}

type blockAllCache struct{}

func (blockAllCache) StoreMiss(ctx context.Context, req *Request, reply *adaptation.Message) bool {
	return true
}

func TestStartSkipsStoreCommitWhenStoreMissBlocks(t *testing.T) {
	client, server := newPipe()
	serveOnce(t, server, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")

	backend := &memStore{}
	lc := New(nil, nil, pipeDialer{conn: client}, nil, nil, backend, blockAllCache{}, 0)
	req := &Request{Method: "GET", URL: "http://origin.example/x", Host: "origin.example"}

	_, err := lc.Start(context.Background(), req, &net.TCPAddr{})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.Nil(t, backend.get(req.URL))
}

func TestSwanSongClosesConnectionExactlyOnce(t *testing.T) {
	client, server := newPipe()
	defer server.Close()

	lc := &Lifecycle{conn: client}
	lc.swanSong()
	lc.swanSong() // must not panic or double-close error out
}
