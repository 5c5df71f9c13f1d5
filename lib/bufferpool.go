package lib

import (
	"github.com/valyala/bytebufferpool"
)

type BufferPool struct {
	bp bytebufferpool.Pool
	m  *PoolMetrics
}

func (p *BufferPool) acquire() *bytebufferpool.ByteBuffer {
	b := p.bp.Get()
	p.m.acquired(cap(b.B) > 0)
	return b
}

func (p *BufferPool) release(b *bytebufferpool.ByteBuffer) {
	p.bp.Put(b)
	p.m.putBack()
}

// AcquireBuffer returns an empty buffer used to assemble packets.
func AcquireBuffer() *bytebufferpool.ByteBuffer { return packetPool.acquire() }

// ReleaseBuffer resets b and hands it back to the pool.
func ReleaseBuffer(b *bytebufferpool.ByteBuffer) { packetPool.release(b) }
