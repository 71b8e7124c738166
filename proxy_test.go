package servx

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUpstreamChannelRejectsEmptyHosts(t *testing.T) {
	_, err := newUpstreamChannel(nil, Random, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoUpstreamHosts))
}

func TestUpstreamChannelRoundRobinCyclesAllHosts(t *testing.T) {
	ch, err := newUpstreamChannel([]string{"http://a", "http://b", "http://c"}, RoundRobin, nil)
	require.NoError(t, err)

	seen := make(map[string]int)
	for i := 0; i < 9; i++ {
		seen[ch.Select().Host]++
	}
	assert.Len(t, seen, 3)
	for _, n := range seen {
		assert.Equal(t, 3, n)
	}
}

func TestUpstreamChannelWeightedRoundRobinRespectsWeights(t *testing.T) {
	ch, err := newUpstreamChannel([]string{"http://a", "http://b"}, WeightedRoundRobin, []int{3, 1})
	require.NoError(t, err)
	require.Len(t, ch.expanded, 4)

	counts := make(map[string]int)
	for i := 0; i < 8; i++ {
		counts[ch.Select().Host]++
	}
	assert.Equal(t, 6, counts["a"])
	assert.Equal(t, 2, counts["b"])
}

func TestUpstreamChannelRandomStaysWithinHostSet(t *testing.T) {
	ch, err := newUpstreamChannel([]string{"http://a", "http://b"}, Random, nil)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		host := ch.Select().Host
		assert.Contains(t, []string{"a", "b"}, host)
	}
}
