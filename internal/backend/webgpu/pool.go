package webgpu

import "sync"

// sizeClass groups pooled buffers by byte size.
type sizeClass int

const (
	smallClass  sizeClass = iota // < 4KB
	mediumClass                  // 4KB - 1MB
	largeClass                   // > 1MB
)

const (
	smallThreshold  = 4 * 1024
	mediumThreshold = 1024 * 1024
	maxPooled       = 100 // per class
)

func classOf(size uint64) sizeClass {
	switch {
	case size < smallThreshold:
		return smallClass
	case size < mediumThreshold:
		return mediumClass
	}
	return largeClass
}

type pooled[B any] struct {
	buf  B
	size uint64
}

// PoolStats counts pool activity.
type PoolStats struct {
	Allocated uint64
	Released  uint64
	Hits      uint64
	Misses    uint64
	Pooled    int
}

// bufferPool recycles device buffers by size class. A buffer is reused for
// any request no larger than itself within its class.
type bufferPool[B any] struct {
	create  func(size uint64) (B, error)
	destroy func(B)

	mu      sync.Mutex
	classes [3][]pooled[B]
	stats   PoolStats
}

func newBufferPool[B any](create func(uint64) (B, error), destroy func(B)) *bufferPool[B] {
	return &bufferPool[B]{create: create, destroy: destroy}
}

// acquire returns a pooled buffer of at least size bytes, creating one on a
// miss. The second result is the buffer's real size.
func (p *bufferPool[B]) acquire(size uint64) (B, uint64, error) {
	p.mu.Lock()
	c := classOf(size)
	for i, pb := range p.classes[c] {
		if pb.size >= size {
			p.classes[c] = append(p.classes[c][:i], p.classes[c][i+1:]...)
			p.stats.Hits++
			p.mu.Unlock()
			return pb.buf, pb.size, nil
		}
	}
	p.stats.Misses++
	p.mu.Unlock()

	buf, err := p.create(size)
	if err != nil {
		var zero B
		return zero, 0, err
	}
	p.mu.Lock()
	p.stats.Allocated++
	p.mu.Unlock()
	return buf, size, nil
}

// release returns buf to the pool, destroying it when its class is full.
func (p *bufferPool[B]) release(buf B, size uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Released++
	c := classOf(size)
	if len(p.classes[c]) >= maxPooled {
		p.destroy(buf)
		return
	}
	p.classes[c] = append(p.classes[c], pooled[B]{buf: buf, size: size})
}

// clear destroys every pooled buffer.
func (p *bufferPool[B]) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.classes {
		for _, pb := range p.classes[c] {
			p.destroy(pb.buf)
		}
		p.classes[c] = nil
	}
}

func (p *bufferPool[B]) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	for _, c := range p.classes {
		s.Pooled += len(c)
	}
	return s
}
