package servx

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTraceparentRoundTrip(t *testing.T) {
	formatted := formatTraceparent("4bf92f3577b34da6a3ce929d0e0e4736", "00f067aa0ba902b7", "01")
	tid, sid, flags, ok := parseTraceparent(formatted)
	require.True(t, ok)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", tid)
	assert.Equal(t, "00f067aa0ba902b7", sid)
	assert.Equal(t, "01", flags)
}

func TestParseTraceparentRejectsAllZeroIDs(t *testing.T) {
	_, _, _, ok := parseTraceparent("00-00000000000000000000000000000000-00f067aa0ba902b7-01")
	assert.False(t, ok)
	_, _, _, ok = parseTraceparent("00-4bf92f3577b34da6a3ce929d0e0e4736-0000000000000000-01")
	assert.False(t, ok)
}

func TestParseTraceparentRejectsMalformed(t *testing.T) {
	for _, v := range []string{"", "not-a-traceparent", "00-short-short-01"} {
		_, _, _, ok := parseTraceparent(v)
		assert.False(t, ok, v)
	}
}

func TestTraceStateBuilderSetMovesKeyToFront(t *testing.T) {
	b := NewTraceStateBuilder("a=1,b=2")
	ok := b.Set("b", "3")
	require.True(t, ok)
	assert.Equal(t, "b=3,a=1", b.String())
}

func TestTraceStateBuilderRejectsInvalidValue(t *testing.T) {
	b := NewTraceStateBuilder("")
	ok := b.Set("key", "bad,value")
	assert.False(t, ok)
	assert.Equal(t, "", b.String())
}

func TestGenSpanIDAndTraceIDAreHexAndNonZero(t *testing.T) {
	assert.Len(t, genTraceID(), 32)
	assert.Len(t, genSpanID(), 16)
	assert.True(t, isHex(genTraceID()))
	assert.True(t, isHex(genSpanID()))
	assert.NotEqual(t, strings.Repeat("0", 32), genTraceID())
	assert.NotEqual(t, strings.Repeat("0", 16), genSpanID())
}
