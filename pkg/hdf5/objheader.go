package hdf5

import (
	"encoding/binary"
	"fmt"
)

// Header message types.
const (
	msgNil           = 0x00
	msgAttribute     = 0x0c
	msgContinuation  = 0x10
	msgAttributeInfo = 0x15
)

const maxChunks = 512

type message struct {
	typ   uint16
	flags uint8
	data  []byte
}

type chunk struct {
	addr   uint64
	size   uint64
	signed bool // OCHK chunks carry a signature and a checksum
}

// messages returns every header message of the object at addr, following
// continuation chunks.
func (f *File) messages(addr uint64) ([]message, error) {
	sig, err := f.readRel(addr, 4)
	if err != nil {
		return nil, err
	}
	if string(sig) == "OHDR" {
		return f.messagesV2(addr)
	}
	return f.messagesV1(addr)
}

func (f *File) messagesV1(addr uint64) ([]message, error) {
	head, err := f.readRel(addr, 16)
	if err != nil {
		return nil, err
	}
	if head[0] != 1 {
		return nil, fmt.Errorf("%w: object header version %d", ErrUnsupported, head[0])
	}
	size := uint64(binary.LittleEndian.Uint32(head[8:12]))

	return f.walkChunks(chunk{addr: addr + 16, size: size}, func(c *cursor, out *[]message, next *[]chunk) bool {
		if c.remaining() < 8 {
			return false
		}
		typ := c.u16()
		n := int(c.u16())
		flags := c.u8()
		c.skip(3)
		data := c.take(n)
		return f.collect(c, message{typ: typ, flags: flags, data: data}, out, next, false)
	})
}

func (f *File) messagesV2(addr uint64) ([]message, error) {
	head, err := f.readRel(addr, 6)
	if err != nil {
		return nil, err
	}
	if head[4] != 2 {
		return nil, fmt.Errorf("%w: object header version %d", ErrUnsupported, head[4])
	}
	flags := head[5]

	prefix := 6
	if flags&0x20 != 0 {
		prefix += 16
	}
	if flags&0x10 != 0 {
		prefix += 4
	}
	sizeLen := 1 << (flags & 0x03)
	buf, err := f.readRel(addr, prefix+sizeLen)
	if err != nil {
		return nil, err
	}
	var size uint64
	for i := sizeLen - 1; i >= 0; i-- {
		size = size<<8 | uint64(buf[prefix+i])
	}

	msgHeader := 4
	if flags&0x04 != 0 {
		msgHeader = 6
	}
	start := chunk{addr: addr + uint64(prefix+sizeLen), size: size}
	return f.walkChunks(start, func(c *cursor, out *[]message, next *[]chunk) bool {
		if c.remaining() < msgHeader {
			return false
		}
		typ := uint16(c.u8())
		n := int(c.u16())
		mflags := c.u8()
		if msgHeader == 6 {
			c.skip(2)
		}
		data := c.take(n)
		return f.collect(c, message{typ: typ, flags: mflags, data: data}, out, next, true)
	})
}

// collect records one parsed message, queueing continuation chunks instead of
// returning them. It reports whether parsing of the current chunk may go on.
func (f *File) collect(c *cursor, m message, out *[]message, next *[]chunk, signed bool) bool {
	if c.err != nil {
		return false
	}
	if m.typ == msgContinuation {
		mc := f.cursor(m.data, 0)
		addr := mc.offset()
		size := mc.length()
		if mc.err != nil {
			c.err = mc.err
			return false
		}
		*next = append(*next, chunk{addr: addr, size: size, signed: signed})
		return true
	}
	if m.typ != msgNil {
		*out = append(*out, m)
	}
	return true
}

type parseFunc func(c *cursor, out *[]message, next *[]chunk) bool

func (f *File) walkChunks(first chunk, parse parseFunc) ([]message, error) {
	var out []message
	queue := []chunk{first}
	seen := make(map[uint64]bool)

	for i := 0; i < len(queue); i++ {
		if i >= maxChunks {
			return nil, fmt.Errorf("%w: more than %d header chunks", ErrMalformed, maxChunks)
		}
		ch := queue[i]
		if seen[ch.addr] {
			return nil, fmt.Errorf("%w: continuation loop at %#x", ErrMalformed, ch.addr)
		}
		seen[ch.addr] = true

		if ch.size > uint64(f.size) {
			return nil, fmt.Errorf("%w: header chunk of %d bytes", ErrTruncated, ch.size)
		}
		buf, err := f.readRel(ch.addr, int(ch.size))
		if err != nil {
			return nil, err
		}
		if ch.signed {
			if len(buf) < 8 || string(buf[:4]) != "OCHK" {
				return nil, fmt.Errorf("%w: bad continuation chunk at %#x", ErrMalformed, ch.addr)
			}
			buf = buf[4 : len(buf)-4]
		}

		c := f.cursor(buf, 0)
		for parse(c, &out, &queue) {
		}
		if c.err != nil {
			return nil, c.err
		}
	}
	return out, nil
}
