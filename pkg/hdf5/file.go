// Package hdf5 is a small read-only HDF5 reader. It understands enough of the
// format to locate the root group of a file and read its compact attributes,
// which is where Keras keeps model_config for .h5 saves.
//
// Datasets, chunked storage and filters are out of scope. Every read is bounds
// checked against the size passed to Open, so a hostile file can only produce an
// error. Checksums present in version 2 structures are not verified.
package hdf5

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNotHDF5 is returned when no superblock signature is found.
	ErrNotHDF5 = errors.New("hdf5: signature not found")
	// ErrTruncated is returned when a structure points outside the file.
	ErrTruncated = errors.New("hdf5: truncated file")
	// ErrUnsupported is returned for valid structures this reader does not handle.
	ErrUnsupported = errors.New("hdf5: unsupported feature")
	// ErrMalformed is returned for structures that violate the format.
	ErrMalformed = errors.New("hdf5: malformed structure")
	// ErrAttributeNotFound is returned by RootAttribute for a missing name.
	ErrAttributeNotFound = errors.New("hdf5: attribute not found")
)

var signature = []byte{0x89, 'H', 'D', 'F', '\r', '\n', 0x1a, '\n'}

const undefined = ^uint64(0)

// File is an open HDF5 file.
type File struct {
	r    io.ReaderAt
	size int64

	superblock int
	offSize    int
	lenSize    int
	base       uint64
	root       uint64

	heaps map[uint64]*globalHeap
}

// Open locates the superblock and the root group object header.
func Open(r io.ReaderAt, size int64) (*File, error) {
	f := &File{r: r, size: size, heaps: make(map[uint64]*globalHeap)}

	sbAt := int64(-1)
	for at := int64(0); at+int64(len(signature)) <= size; at = nextSignatureOffset(at) {
		buf, err := f.readAt(uint64(at), len(signature))
		if err != nil {
			return nil, err
		}
		if bytes.Equal(buf, signature) {
			sbAt = at
			break
		}
	}
	if sbAt < 0 {
		return nil, ErrNotHDF5
	}

	if err := f.readSuperblock(uint64(sbAt)); err != nil {
		return nil, err
	}
	return f, nil
}

func nextSignatureOffset(at int64) int64 {
	if at == 0 {
		return 512
	}
	return at * 2
}

// SuperblockVersion reports the superblock format version.
func (f *File) SuperblockVersion() int {
	return f.superblock
}

func (f *File) readSuperblock(at uint64) error {
	head, err := f.readAt(at, 16)
	if err != nil {
		return err
	}
	f.superblock = int(head[8])

	var c *cursor
	switch f.superblock {
	case 0, 1:
		f.offSize, f.lenSize = int(head[13]), int(head[14])
		if err := f.checkSizes(); err != nil {
			return err
		}
		fixed := 24
		if f.superblock == 1 {
			fixed = 28
		}
		// Four addresses, then the root symbol table entry.
		buf, err := f.readAt(at, fixed+4*f.offSize+2*f.offSize+8+16)
		if err != nil {
			return err
		}
		c = f.cursor(buf, fixed)
		f.base = c.offset()
		c.skip(3 * f.offSize)
		c.skip(f.offSize) // link name offset
		f.root = c.offset()
	case 2, 3:
		f.offSize, f.lenSize = int(head[9]), int(head[10])
		if err := f.checkSizes(); err != nil {
			return err
		}
		buf, err := f.readAt(at, 12+4*f.offSize+4)
		if err != nil {
			return err
		}
		c = f.cursor(buf, 12)
		f.base = c.offset()
		c.skip(2 * f.offSize)
		f.root = c.offset()
	default:
		return fmt.Errorf("%w: superblock version %d", ErrUnsupported, f.superblock)
	}
	if c.err != nil {
		return c.err
	}
	if f.base > uint64(f.size) {
		return fmt.Errorf("%w: base address %#x beyond end of file", ErrMalformed, f.base)
	}
	if f.root == undefined {
		return fmt.Errorf("%w: undefined root object header", ErrMalformed)
	}
	return nil
}

func (f *File) checkSizes() error {
	for _, n := range []int{f.offSize, f.lenSize} {
		if n != 2 && n != 4 && n != 8 {
			return fmt.Errorf("%w: field size %d", ErrMalformed, n)
		}
	}
	return nil
}

// readAt reads n bytes at an absolute file offset.
func (f *File) readAt(at uint64, n int) ([]byte, error) {
	if n < 0 || at > uint64(f.size) || uint64(n) > uint64(f.size)-at {
		return nil, fmt.Errorf("%w: %d bytes at %d", ErrTruncated, n, at)
	}
	buf := make([]byte, n)
	got, err := f.r.ReadAt(buf, int64(at))
	if got < n {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: short read at %d", ErrTruncated, at)
		}
		return nil, fmt.Errorf("hdf5: read at %d: %w", at, err)
	}
	return buf, nil
}

// readRel reads n bytes at an address relative to the base address.
func (f *File) readRel(addr uint64, n int) ([]byte, error) {
	if addr == undefined || addr > uint64(f.size) {
		return nil, fmt.Errorf("%w: address %#x", ErrTruncated, addr)
	}
	return f.readAt(f.base+addr, n)
}

// remainingFrom bounds a read of up to limit bytes starting at a relative address.
func (f *File) remainingFrom(addr uint64, limit uint64) int {
	abs := f.base + addr
	if abs >= uint64(f.size) {
		return 0
	}
	left := uint64(f.size) - abs
	if left > limit {
		left = limit
	}
	return int(left)
}

type cursor struct {
	buf     []byte
	pos     int
	offSize int
	lenSize int
	err     error
}

func (f *File) cursor(buf []byte, pos int) *cursor {
	return &cursor{buf: buf, pos: pos, offSize: f.offSize, lenSize: f.lenSize}
}

func (c *cursor) take(n int) []byte {
	if c.err != nil {
		return make([]byte, max(n, 0))
	}
	if n < 0 || c.pos+n > len(c.buf) {
		c.err = fmt.Errorf("%w: structure overrun at %d", ErrTruncated, c.pos)
		return make([]byte, max(n, 0))
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b
}

func (c *cursor) skip(n int) { c.take(n) }

func (c *cursor) u8() uint8 { return c.take(1)[0] }

func (c *cursor) u16() uint16 { return binary.LittleEndian.Uint16(c.take(2)) }

func (c *cursor) u32() uint32 { return binary.LittleEndian.Uint32(c.take(4)) }

func (c *cursor) uint(n int) uint64 {
	b := c.take(n)
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	if n < 8 && v == (uint64(1)<<(8*n))-1 {
		return undefined
	}
	return v
}

func (c *cursor) offset() uint64 { return c.uint(c.offSize) }

func (c *cursor) length() uint64 {
	v := c.uint(c.lenSize)
	if v == undefined {
		c.err = errors.Join(c.err, fmt.Errorf("%w: undefined length", ErrMalformed))
	}
	return v
}

func (c *cursor) remaining() int { return len(c.buf) - c.pos }

func pad8(n int) int { return (n + 7) &^ 7 }
