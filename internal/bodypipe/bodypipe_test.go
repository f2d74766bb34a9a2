package bodypipe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutReturnsZeroWhenFull(t *testing.T) {
	p := New(4, Callbacks{})
	require.Equal(t, 4, p.Put([]byte("abcd")))
	require.Equal(t, 0, p.Put([]byte("e")))
}

func TestPutThenConsumeIsIdentityOnRemainingSpace(t *testing.T) {
	p := New(8, Callbacks{})
	before := p.PotentialSpace()
	n := p.Put([]byte("hello"))
	p.Consume(n)
	require.Equal(t, before, p.PotentialSpace())
}

func TestConsumeSignalsSpaceAvailableAfterFull(t *testing.T) {
	signaled := false
	p := New(4, Callbacks{NoteMoreBodySpaceAvailable: func() { signaled = true }})
	p.Put([]byte("abcd"))
	require.False(t, signaled)
	p.Consume(2)
	require.True(t, signaled)
}

func TestPutSignalsDataAvailable(t *testing.T) {
	signaled := false
	p := New(8, Callbacks{NoteMoreBodyDataAvailable: func() { signaled = true }})
	p.Put([]byte("x"))
	require.True(t, signaled)
}

func TestExhaustedOnlyAfterProductionEndedAndDrained(t *testing.T) {
	p := New(8, Callbacks{})
	p.Put([]byte("ab"))
	require.False(t, p.Exhausted())

	p.EndProduction()
	require.False(t, p.Exhausted(), "bytes remain buffered")

	p.Consume(2)
	require.True(t, p.Exhausted())
}

func TestSetBodySizeExhaustsOnceDeclaredBytesWrittenWithoutEndProduction(t *testing.T) {
	p := New(8, Callbacks{})
	p.SetBodySize(3)
	p.Put([]byte("ab"))
	require.False(t, p.Exhausted(), "fewer bytes than declared have arrived")

	p.Put([]byte("c"))
	require.False(t, p.Exhausted(), "bytes remain buffered")

	p.Consume(3)
	require.True(t, p.Exhausted(), "declared size reached and drained, with no explicit EndProduction")
}

func TestExpectNoConsumptionDropsPutBytesInstead(t *testing.T) {
	p := New(4, Callbacks{})
	p.ExpectNoConsumption()

	n := p.Put([]byte("abcdefgh"))
	require.Equal(t, 8, n, "bytes are dropped, not buffered, so Put never reports backpressure")
	require.Equal(t, 0, p.Len())
}

func TestConsumerLateReportsMissedProductionEnd(t *testing.T) {
	p := New(8, Callbacks{})
	require.False(t, p.ConsumerLate())

	p.Put([]byte("abc"))
	p.EndProduction()
	p.SetConsumerIfNotLate(Callbacks{})

	require.True(t, p.ConsumerLate())
}

func TestAbortProductionMarksExhaustedOnceDrained(t *testing.T) {
	var aborted bool
	p := New(8, Callbacks{NoteBodyProducerAborted: func() { aborted = true }})
	p.AbortProduction()
	require.True(t, aborted)
	require.True(t, p.Exhausted())
}

func TestAbortedReflectsProducerAbortOnly(t *testing.T) {
	p := New(8, Callbacks{})
	require.False(t, p.Aborted())
	p.EndProduction()
	require.False(t, p.Aborted(), "clean end is not an abort")

	q := New(8, Callbacks{})
	q.AbortProduction()
	require.True(t, q.Aborted())
}

func TestSetConsumerIfNotLateFailsAfterMissedProductionEnd(t *testing.T) {
	p := New(8, Callbacks{})
	p.Put([]byte("abc"))
	p.EndProduction()

	ok := p.SetConsumerIfNotLate(Callbacks{})
	require.False(t, ok)
}

func TestSetConsumerIfNotLateSucceedsBeforeProductionEnds(t *testing.T) {
	p := New(8, Callbacks{})
	p.Put([]byte("abc"))

	ok := p.SetConsumerIfNotLate(Callbacks{})
	require.True(t, ok)
}

func TestPutAfterProducerAbortIsRejected(t *testing.T) {
	p := New(8, Callbacks{})
	p.AbortProduction()
	require.Equal(t, 0, p.Put([]byte("x")))
}

func TestConsumeBeyondBufferedLengthPanics(t *testing.T) {
	p := New(8, Callbacks{})
	p.Put([]byte("ab"))
	require.Panics(t, func() { p.Consume(10) })
}
