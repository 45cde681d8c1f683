package hdf5

import "fmt"

type globalHeap struct {
	objects map[uint16][]byte
}

func (f *File) heapObject(addr uint64, index uint32) ([]byte, error) {
	h, ok := f.heaps[addr]
	if !ok {
		var err error
		if h, err = f.loadHeap(addr); err != nil {
			return nil, err
		}
		f.heaps[addr] = h
	}
	obj, ok := h.objects[uint16(index)]
	if !ok || index > 0xffff {
		return nil, fmt.Errorf("%w: global heap object %d missing at %#x", ErrMalformed, index, addr)
	}
	return obj, nil
}

func (f *File) loadHeap(addr uint64) (*globalHeap, error) {
	headLen := 8 + f.lenSize
	head, err := f.readRel(addr, headLen)
	if err != nil {
		return nil, err
	}
	if string(head[:4]) != "GCOL" {
		return nil, fmt.Errorf("%w: bad global heap signature at %#x", ErrMalformed, addr)
	}
	c := f.cursor(head, 8)
	size := c.length()
	if c.err != nil {
		return nil, c.err
	}
	if size < uint64(headLen) || size > uint64(f.size) {
		return nil, fmt.Errorf("%w: global heap collection of %d bytes", ErrMalformed, size)
	}

	buf, err := f.readRel(addr, int(size))
	if err != nil {
		return nil, err
	}
	h := &globalHeap{objects: make(map[uint16][]byte)}
	c = f.cursor(buf, headLen)
	for c.remaining() >= 8+f.lenSize {
		idx := c.u16()
		c.skip(2 + 4) // reference count, reserved
		n := c.length()
		if idx == 0 || c.err != nil {
			break
		}
		if n > uint64(c.remaining()) {
			return nil, fmt.Errorf("%w: global heap object %d", ErrTruncated, idx)
		}
		h.objects[idx] = c.take(int(n))
		c.skip(min(pad8(int(n))-int(n), c.remaining()))
	}
	if c.err != nil {
		return nil, c.err
	}
	return h, nil
}
