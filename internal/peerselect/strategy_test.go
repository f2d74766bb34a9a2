package peerselect

import (
	"testing"

	"github.com/stretchr/testify/require"

	"squidcore/internal/config"
)

func TestSourceHashStrategySkipsPeersWithoutTheOption(t *testing.T) {
	peers := []config.PeerConfig{
		{Name: "a", Type: config.PeerParent},
		{Name: "b", Type: config.PeerParent},
	}
	_, ok := SourceHashStrategy{}.SelectParent(&Request{Host: "x"}, peers)
	require.False(t, ok, "no peer opted into sourcehash")
}

func TestSourceHashStrategyOnlyConsidersOptedInPeers(t *testing.T) {
	peers := []config.PeerConfig{
		{Name: "a", Type: config.PeerParent},
		{Name: "b", Type: config.PeerParent, SourceHash: true},
	}
	pc, ok := SourceHashStrategy{}.SelectParent(&Request{Host: "x"}, peers)
	require.True(t, ok)
	require.Equal(t, "b", pc.Name)
}

func TestDefaultStrategiesFallsThroughToFirstUpWhenNoMethodOptedIn(t *testing.T) {
	peers := []config.PeerConfig{
		{Name: "a", Type: config.PeerParent},
		{Name: "b", Type: config.PeerParent},
	}
	var picked *config.PeerConfig
	for _, strat := range DefaultStrategies() {
		if pc, ok := strat.SelectParent(&Request{Host: "x"}, peers); ok {
			picked = pc
			break
		}
	}
	require.NotNil(t, picked)
	require.Equal(t, "a", picked.Name, "first-up is the only applicable method when nothing else opted in")
}

func TestDefaultStrategiesPrefersCARPOverFirstUpWhenOptedIn(t *testing.T) {
	peers := []config.PeerConfig{
		{Name: "a", Type: config.PeerParent},
		{Name: "b", Type: config.PeerParent, CARP: true},
	}
	var picked *config.PeerConfig
	for _, strat := range DefaultStrategies() {
		if pc, ok := strat.SelectParent(&Request{Host: "x"}, peers); ok {
			picked = pc
			break
		}
	}
	require.NotNil(t, picked)
	require.Equal(t, "b", picked.Name, "CARP is tried before first-up and b is the only CARP candidate")
}
