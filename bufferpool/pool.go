// Package bufferpool tracks the fixed set of host-owned buffer descriptors
// an audio engine transfers through. Every descriptor is at any moment in
// exactly one place: the free list, the ready list, or out in the host's
// hands with the Out flag set. The pool is confined to the engine's data
// loop and is not safe for concurrent use.
package bufferpool

import "errors"

var (
	// ErrNoData is returned by TakeReady when no buffer holds pending data.
	// It is part of the host handshake, not a failure.
	ErrNoData = errors.New("bufferpool: no data")
	// ErrNoSpace is returned by TakeFree when no buffer is free to fill.
	ErrNoSpace = errors.New("bufferpool: no space")
)

// Direction selects the reset policy: a playback pool starts with every
// descriptor in the host's hands, a capture pool with every descriptor free.
type Direction int

const (
	Playback Direction = iota
	Capture
)

// Header is the metadata stamped on a captured buffer before it is handed
// to the host.
type Header struct {
	Seq       uint64
	PTS       uint64 // presentation time, nanoseconds
	DTSOffset int64
}

// Chunk is the valid sub-range of a descriptor's payload.
type Chunk struct {
	Offset uint32
	Size   uint32
	Stride uint32
}

// Descriptor is one host-provided buffer. The payload slice aliases host
// memory; the pool only moves descriptors between lists and never
// reallocates.
type Descriptor struct {
	ID      uint32
	Data    []byte
	MaxSize uint32
	Chunk   Chunk
	Header  Header
	out     bool
}

// Out reports whether the host currently owns the descriptor.
func (d *Descriptor) Out() bool {
	return d.out
}

// Pool partitions a fixed descriptor set into the free and ready lists.
type Pool struct {
	buffers []*Descriptor
	free    []*Descriptor
	ready   []*Descriptor
}

// New builds a pool over the given descriptors. The set is fixed for the
// pool's lifetime; Reset must be called before use.
func New(descriptors []*Descriptor) *Pool {
	return &Pool{buffers: descriptors}
}

// Len returns the number of descriptors in the pool.
func (p *Pool) Len() int {
	return len(p.buffers)
}

// Lookup finds a descriptor by id.
func (p *Pool) Lookup(id uint32) (*Descriptor, bool) {
	for _, d := range p.buffers {
		if d.ID == id {
			return d, true
		}
	}

	return nil, false
}

// Reset restores the start-of-stream ownership: for playback every
// descriptor belongs to the host, for capture every descriptor is free.
func (p *Pool) Reset(dir Direction) {
	p.free = p.free[:0]
	p.ready = p.ready[:0]

	for _, d := range p.buffers {
		if dir == Playback {
			d.out = true
		} else {
			d.out = false
			p.free = append(p.free, d)
		}
	}
}

// TakeReady pops the head of the ready list.
func (p *Pool) TakeReady() (*Descriptor, error) {
	if len(p.ready) == 0 {
		return nil, ErrNoData
	}

	d := p.ready[0]
	p.ready = p.ready[1:]

	return d, nil
}

// TakeFree pops the head of the free list.
func (p *Pool) TakeFree() (*Descriptor, error) {
	if len(p.free) == 0 {
		return nil, ErrNoSpace
	}

	d := p.free[0]
	p.free = p.free[1:]

	return d, nil
}

// PeekReady returns the head of the ready list without removing it.
func (p *Pool) PeekReady() (*Descriptor, bool) {
	if len(p.ready) == 0 {
		return nil, false
	}

	return p.ready[0], true
}

// HasReady reports whether any buffer holds pending data.
func (p *Pool) HasReady() bool {
	return len(p.ready) > 0
}

// HasFree reports whether any buffer is free to fill.
func (p *Pool) HasFree() bool {
	return len(p.free) > 0
}

// PushReady appends a submitted buffer to the ready list and clears its
// Out flag: the driver owns it until the transfer drains it.
func (p *Pool) PushReady(d *Descriptor) {
	d.out = false
	p.ready = append(p.ready, d)
}

// PushFree appends a returned buffer to the free list and clears its Out
// flag.
func (p *Pool) PushFree(d *Descriptor) {
	d.out = false
	p.free = append(p.free, d)
}

// MarkOut records that the descriptor has been handed to the host. The
// caller must already have removed it from both lists.
func (p *Pool) MarkOut(d *Descriptor) {
	d.out = true
}
