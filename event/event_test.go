package event

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbtaylor/d2/ids"
)

func roundTrip(t *testing.T, e Event) Event {
	t.Helper()
	var sb strings.Builder
	require.NoError(t, e.Encode(&sb))
	line := strings.TrimSuffix(sb.String(), "\n")
	got, err := Decode(line, 0)
	require.NoError(t, err)
	return got
}

func TestRoundTripAcquire(t *testing.T) {
	e := Acquire(ids.ThreadID(1), ids.LockID(2), []Frame{
		{IP: 0xdeadbeef, Function: "foo bar", Module: "libfoo.so"},
	})
	assert.Equal(t, e, roundTrip(t, e))
}

func TestRoundTripAcquireNoStack(t *testing.T) {
	e := Acquire(ids.ThreadID(1), ids.LockID(2), nil)
	got := roundTrip(t, e)
	assert.Equal(t, ids.ThreadID(1), got.Thread)
	assert.Equal(t, ids.LockID(2), got.Lock)
	assert.Empty(t, got.Stack)
}

func TestRoundTripRelease(t *testing.T) {
	e := Release(ids.ThreadID(3), ids.LockID(4))
	assert.Equal(t, e, roundTrip(t, e))
}

func TestRoundTripRecursiveAcquire(t *testing.T) {
	e := RecursiveAcquire(ids.ThreadID(1), ids.LockID(2), nil)
	got := roundTrip(t, e)
	assert.Equal(t, TagRecursiveAcquire, got.Tag)
	assert.Equal(t, ids.ThreadID(1), got.Thread)
}

func TestRoundTripRecursiveRelease(t *testing.T) {
	e := RecursiveRelease(ids.ThreadID(1), ids.LockID(2))
	assert.Equal(t, e, roundTrip(t, e))
}

func TestRoundTripStart(t *testing.T) {
	e := Start(ids.ThreadID(1), ids.Segment(0), ids.Segment(1), ids.Segment(2))
	assert.Equal(t, e, roundTrip(t, e))
}

func TestRoundTripJoin(t *testing.T) {
	e := Join(ids.ThreadID(1), ids.Segment(1), ids.Segment(3), ids.Segment(2))
	assert.Equal(t, e, roundTrip(t, e))
}

func TestRoundTripSegmentHop(t *testing.T) {
	e := SegmentHop(ids.ThreadID(5), ids.Segment(9))
	assert.Equal(t, e, roundTrip(t, e))
}

func TestScopeClassification(t *testing.T) {
	assert.Equal(t, ScopeThread, Acquire(0, 0, nil).Scope())
	assert.Equal(t, ScopeThread, Release(0, 0).Scope())
	assert.Equal(t, ScopeThread, RecursiveAcquire(0, 0, nil).Scope())
	assert.Equal(t, ScopeThread, RecursiveRelease(0, 0).Scope())
	assert.Equal(t, ScopeThread, SegmentHop(0, 0).Scope())
	assert.Equal(t, ScopeProcess, Start(0, 0, 0, 0).Scope())
	assert.Equal(t, ScopeProcess, Join(0, 0, 0, 0).Scope())
}

func TestDistinctDelimiterPerVariant(t *testing.T) {
	cases := []struct {
		name string
		e    Event
		pfx  byte
	}{
		{"acquire", Acquire(1, 1, nil), '?'},
		{"release", Release(1, 1), ';'},
		{"start", Start(1, 0, 1, 2), '~'},
		{"join", Join(1, 0, 1, 2), '^'},
		{"hop", SegmentHop(1, 1), '>'},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.pfx, c.e.String()[0])
		})
	}
	assert.True(t, strings.HasPrefix(RecursiveAcquire(1, 1, nil).String(), "r?"))
	assert.True(t, strings.HasPrefix(RecursiveRelease(1, 1).String(), "r;"))
}

func TestMalformedEventCitesOffsetAndExpectation(t *testing.T) {
	_, err := Decode("?notanumber", 17)
	require.Error(t, err)
	var me *MalformedEvent
	require.ErrorAs(t, err, &me)
	assert.Equal(t, int64(18), me.Offset)
	assert.Contains(t, me.Expected, "unsigned integer")
}

func TestMalformedEventUnknownDelimiter(t *testing.T) {
	_, err := Decode("!garbage", 0)
	require.Error(t, err)
	var me *MalformedEvent
	require.ErrorAs(t, err, &me)
}

func TestMalformedEventTruncatedToken(t *testing.T) {
	_, err := Decode("?1 2 1 99 3:ab", 0)
	require.Error(t, err)
}
