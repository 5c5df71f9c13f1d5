package lib

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestDatagramPoolReuse(t *testing.T) {
	p := newDatagramPool(64)

	buf := p.acquire()
	require.Len(t, buf, 64)
	buf[0] = 0xff
	p.release(buf[:3])

	na, _, np := p.m.Totals()
	require.EqualValues(t, 1, na)
	require.EqualValues(t, 1, np)

	again := p.acquire()
	require.Len(t, again, 64)
}

func TestDatagramPoolWrongSize(t *testing.T) {
	p := newDatagramPool(64)
	require.Panics(t, func() { p.release(make([]byte, 8)) })
}

func TestPacketBufferIsEmpty(t *testing.T) {
	b := AcquireBuffer()
	_, _ = b.Write([]byte("stale"))
	ReleaseBuffer(b)

	b = AcquireBuffer()
	defer ReleaseBuffer(b)
	require.Equal(t, 0, b.Len())
}

func TestPoolMetrics(t *testing.T) {
	defer goleak.VerifyNone(t)

	DefaultTickerDuration = 10 * time.Millisecond
	defer func() { DefaultTickerDuration = time.Second }()

	StartPoolMetrics()

	n := 4
	m := 256

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < m; j++ {
				ReleaseSendBuffer(AcquireSendBuffer())
				ReleaseRecvBuffer(AcquireRecvBuffer())
			}
		}()
	}
	wg.Wait()

	time.Sleep(50 * time.Millisecond)
	t.Logf("%s", JsonStringPoolMetrics())

	ReleasePoolMetrics()

	na, nr, np := sendPool.m.Totals()
	require.GreaterOrEqual(t, na+nr, uint64(n*m))
	require.GreaterOrEqual(t, np, uint64(n*m))
}
