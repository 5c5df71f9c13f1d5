package lib

import "sync"

// MaxDatagramSize is the largest UDP payload the transport emits.
const MaxDatagramSize = 1350

// RecvBufferSize fits any UDP datagram.
const RecvBufferSize = 65535

type DatagramPool struct {
	sp   sync.Pool
	size int
	m    *PoolMetrics
}

func newDatagramPool(size int) *DatagramPool {
	return &DatagramPool{size: size, m: newPoolMetrics()}
}

func (p *DatagramPool) acquire() []byte {
	v := p.sp.Get()
	if v == nil {
		p.m.acquired(false)
		return make([]byte, p.size)
	}
	p.m.acquired(true)
	return (*v.(*[]byte))[:p.size]
}

func (p *DatagramPool) release(buf []byte) {
	if cap(buf) < p.size {
		panic("lib: datagram buffer released to the wrong pool")
	}
	buf = buf[:p.size]
	p.sp.Put(&buf)
	p.m.putBack()
}

// AcquireSendBuffer returns a MaxDatagramSize buffer for outbound datagrams.
func AcquireSendBuffer() []byte { return sendPool.acquire() }

func ReleaseSendBuffer(buf []byte) { sendPool.release(buf) }

// AcquireRecvBuffer returns a RecvBufferSize buffer for inbound datagrams.
func AcquireRecvBuffer() []byte { return recvPool.acquire() }

func ReleaseRecvBuffer(buf []byte) { recvPool.release(buf) }
