package optimize

import "sync"

// BytePool recycles fixed-size byte buffers. Readers that churn through
// short-lived buffers, one per packet, share a pool instead of allocating.
type BytePool struct {
	pool sync.Pool
	size int
}

// NewBytePool returns a pool handing out buffers of exactly size bytes.
func NewBytePool(size int) *BytePool {
	return &BytePool{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, size)
			},
		},
	}
}

// Get returns a buffer of the pool's size. Contents are unspecified.
func (p *BytePool) Get() []byte {
	return p.pool.Get().([]byte)
}

// Put returns a buffer to the pool. Undersized buffers are dropped so a
// caller can pass in foreign slices without poisoning the pool.
func (p *BytePool) Put(b []byte) {
	if cap(b) >= p.size {
		p.pool.Put(b[:p.size])
	}
}
