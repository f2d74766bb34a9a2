package neighbor

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"squidcore/internal/config"
)

type fakeProber struct{}

func (fakeProber) Probe(ctx context.Context, peer config.PeerConfig, protocol Protocol, sink ReplySink) error {
	return nil
}

// fakeReplyingProber simulates a peer answering every probe it receives
// with a canned reply, delivered asynchronously the way a real UDP
// read loop would.
type fakeReplyingProber struct {
	reply func(peer config.PeerConfig) Reply
}

func (f fakeReplyingProber) Probe(ctx context.Context, peer config.PeerConfig, protocol Protocol, sink ReplySink) error {
	go sink.HandleReply(f.reply(peer), time.Millisecond)
	return nil
}

func TestBroadcastCompletesImmediatelyWithNoPeers(t *testing.T) {
	mock := clock.NewMock()
	s := Broadcast(context.Background(), mock, nil, fakeProber{}, nil, ProtocolICP, time.Second)
	res := s.Wait()
	require.Equal(t, 0, res.NumSent)
	require.Equal(t, 0, res.NumRepliesExpected)
}

func TestHandleReplyHitShortCircuits(t *testing.T) {
	mock := clock.NewMock()
	peers := []config.PeerConfig{
		{Name: "a", Type: config.PeerParent},
		{Name: "b", Type: config.PeerParent},
	}
	s := Broadcast(context.Background(), mock, nil, fakeProber{}, peers, ProtocolICP, time.Second)

	s.HandleReply(Reply{Peer: peers[0], Kind: KindHit}, 10*time.Millisecond)
	res := s.Wait()
	require.NotNil(t, res.Hit)
	require.Equal(t, "a", res.Hit.Peer.Name)
}

func TestHandleReplyTracksClosestAndFirstParentMiss(t *testing.T) {
	mock := clock.NewMock()
	peers := []config.PeerConfig{
		{Name: "a", Type: config.PeerParent, Weight: 1, Basetime: 0},
		{Name: "b", Type: config.PeerParent, Weight: 1, Basetime: 0},
	}
	s := Broadcast(context.Background(), mock, nil, fakeProber{}, peers, ProtocolICP, time.Second)

	s.HandleReply(Reply{Peer: peers[0], Kind: KindMiss, HasSrcRTT: true, SrcRTTMs: 50}, 40*time.Millisecond)
	s.HandleReply(Reply{Peer: peers[1], Kind: KindMiss, HasSrcRTT: true, SrcRTTMs: 30}, 80*time.Millisecond)

	res := s.Wait()
	require.NotNil(t, res.ClosestParentMiss)
	require.Equal(t, "b", res.ClosestParentMiss.Peer.Name, "smallest peer-to-origin RTT wins closest_parent_miss")

	require.NotNil(t, res.FirstParentMiss)
	require.Equal(t, "a", res.FirstParentMiss.Peer.Name, "smallest weighted proxy-to-parent RTT wins first_parent_miss")
}

func TestHandleReplySkipsClosestOnlyForFirstParentMiss(t *testing.T) {
	mock := clock.NewMock()
	peers := []config.PeerConfig{
		{Name: "a", Type: config.PeerParent, Weight: 1, ClosestOnly: true},
	}
	s := Broadcast(context.Background(), mock, nil, fakeProber{}, peers, ProtocolICP, time.Second)

	s.HandleReply(Reply{Peer: peers[0], Kind: KindMiss, HasSrcRTT: true, SrcRTTMs: 10}, 5*time.Millisecond)
	res := s.Wait()
	require.Nil(t, res.FirstParentMiss, "closest_only peers must not become first_parent_miss")
	require.NotNil(t, res.ClosestParentMiss)
}

// TestBroadcastResolvesFromProberDeliveredReply exercises the
// Prober->ReplySink->Session.HandleReply path end to end: a hit
// delivered asynchronously by the Prober itself, not by a test calling
// HandleReply directly, must resolve Wait() without waiting out the
// timeout.
func TestBroadcastResolvesFromProberDeliveredReply(t *testing.T) {
	mock := clock.NewMock()
	peers := []config.PeerConfig{{Name: "a", Type: config.PeerParent}}
	prober := fakeReplyingProber{reply: func(peer config.PeerConfig) Reply {
		return Reply{Peer: peer, Kind: KindHit}
	}}
	s := Broadcast(context.Background(), mock, nil, prober, peers, ProtocolICP, time.Second)

	res := s.Wait()
	require.NotNil(t, res.Hit)
	require.Equal(t, "a", res.Hit.Peer.Name)
	require.False(t, res.TimedOut)
}

func TestBroadcastTimesOutWhenRepliesNeverArrive(t *testing.T) {
	mock := clock.NewMock()
	peers := []config.PeerConfig{{Name: "a", Type: config.PeerParent}}
	s := Broadcast(context.Background(), mock, nil, fakeProber{}, peers, ProtocolICP, time.Second)

	done := make(chan Result, 1)
	go func() { done <- s.Wait() }()

	mock.Add(2 * time.Second)
	res := <-done
	require.True(t, res.TimedOut)
}
