// Package hdf5test builds minimal HDF5 files for tests: a superblock, a root
// group object header carrying string attributes, and a global heap for
// variable-length values. Offsets and lengths are 8 bytes; checksums are zero.
package hdf5test

import (
	"encoding/binary"
)

// Attr is one root group attribute. VarLen stores the value as a variable
// length UTF-8 string the way h5py does for str; otherwise it is a fixed-length
// NULLPAD string as h5py writes bytes.
type Attr struct {
	Name   string
	Value  string
	VarLen bool
}

// Options describes the file to build.
type Options struct {
	// Version is the superblock version, 0 or 2. Version 0 files use version 1
	// object headers and attribute messages; version 2 files use OHDR headers
	// and version 3 attribute messages.
	Version   int
	UserBlock int
	Attrs     []Attr
	// Continuation moves the last attribute into a continuation chunk.
	Continuation bool
	// Dense adds an attribute info message pointing at a fractal heap.
	Dense bool
}

const undefined = ^uint64(0)

type msg struct {
	typ  uint16
	body []byte
}

// Build returns the encoded file.
func Build(o Options) []byte {
	first, cont := messages(o, 0)

	sbSize := 96
	if o.Version >= 2 {
		sbSize = 48
	}
	hdrAddr := uint64(sbSize)
	hdrLen := len(header(o, first, len(cont) > 0, 0, 0))
	contAddr := hdrAddr + uint64(hdrLen)
	contLen := len(contChunk(o, cont))
	heapAddr := contAddr + uint64(contLen)
	heap := globalHeap(o)
	eof := heapAddr + uint64(len(heap))

	first, cont = messages(o, heapAddr)

	out := make([]byte, o.UserBlock)
	out = append(out, superblock(o, hdrAddr, eof)...)
	out = append(out, header(o, first, len(cont) > 0, contAddr, uint64(contLen))...)
	out = append(out, contChunk(o, cont)...)
	out = append(out, heap...)
	return out
}

func superblock(o Options, root, eof uint64) []byte {
	b := []byte{0x89, 'H', 'D', 'F', '\r', '\n', 0x1a, '\n'}
	base := uint64(o.UserBlock)
	if o.Version >= 2 {
		b = append(b, byte(o.Version), 8, 8, 0)
		b = le64(b, base)
		b = le64(b, undefined)
		b = le64(b, eof)
		b = le64(b, root)
		return le32(b, 0)
	}
	b = append(b, 0, 0, 0, 0, 0, 8, 8, 0)
	b = le16(b, 4)
	b = le16(b, 16)
	b = le32(b, 0)
	b = le64(b, base)
	b = le64(b, undefined)
	b = le64(b, eof)
	b = le64(b, undefined)
	// Root group symbol table entry.
	b = le64(b, 0)
	b = le64(b, root)
	b = le32(b, 0)
	b = le32(b, 0)
	return append(b, make([]byte, 16)...)
}

func messages(o Options, heapAddr uint64) (first, cont []msg) {
	if o.Version < 2 {
		symtab := le64(le64(nil, undefined), undefined)
		first = append(first, msg{typ: 0x11, body: symtab})
	}
	if o.Dense {
		info := []byte{0, 0}
		info = le64(info, 0x40)
		info = le64(info, 0x80)
		first = append(first, msg{typ: 0x15, body: info})
	}

	heapIndex := uint32(0)
	for i, a := range o.Attrs {
		var data []byte
		if a.VarLen {
			heapIndex++
			data = le32(nil, uint32(len(a.Value)))
			data = le64(data, heapAddr)
			data = le32(data, heapIndex)
		}
		m := msg{typ: 0x0c, body: attribute(o, a, data)}
		if o.Continuation && i == len(o.Attrs)-1 {
			cont = append(cont, m)
		} else {
			first = append(first, m)
		}
	}
	return first, cont
}

func attribute(o Options, a Attr, vlenData []byte) []byte {
	name := append([]byte(a.Name), 0)

	var dtype, data []byte
	if a.VarLen {
		dtype = []byte{0x19, 0x01, 0x01, 0}
		dtype = le32(dtype, 16)
		dtype = append(dtype, 0x10, 0, 0, 0)
		dtype = le32(dtype, 1)
		dtype = le16(dtype, 0)
		dtype = le16(dtype, 8)
		data = vlenData
	} else {
		size := max(len(a.Value), 1)
		dtype = le32([]byte{0x13, 0x01, 0, 0}, uint32(size))
		data = append([]byte(a.Value), make([]byte, size-len(a.Value))...)
	}

	if o.Version >= 2 {
		space := []byte{2, 0, 0, 0}
		b := []byte{3, 0}
		b = le16(b, uint16(len(name)))
		b = le16(b, uint16(len(dtype)))
		b = le16(b, uint16(len(space)))
		b = append(b, 1)
		b = append(b, name...)
		b = append(b, dtype...)
		b = append(b, space...)
		return append(b, data...)
	}

	space := []byte{1, 0, 0, 0, 0, 0, 0, 0}
	b := []byte{1, 0}
	b = le16(b, uint16(len(name)))
	b = le16(b, uint16(len(dtype)))
	b = le16(b, uint16(len(space)))
	b = append(b, pad(name)...)
	b = append(b, pad(dtype)...)
	b = append(b, pad(space)...)
	return append(b, data...)
}

func header(o Options, msgs []msg, hasCont bool, contAddr, contLen uint64) []byte {
	if hasCont {
		body := le64(le64(nil, contAddr), contLen)
		msgs = append(append([]msg(nil), msgs...), msg{typ: 0x10, body: body})
	}

	if o.Version >= 2 {
		encoded := encodeV2(msgs)
		b := []byte{'O', 'H', 'D', 'R', 2, 0x26}
		b = append(b, make([]byte, 16)...)
		b = le32(b, uint32(len(encoded)))
		b = append(b, encoded...)
		return le32(b, 0)
	}

	encoded := encodeV1(msgs)
	b := []byte{1, 0}
	b = le16(b, uint16(len(msgs)))
	b = le32(b, 1)
	b = le32(b, uint32(len(encoded)))
	b = le32(b, 0)
	return append(b, encoded...)
}

func contChunk(o Options, msgs []msg) []byte {
	if len(msgs) == 0 {
		return nil
	}
	if o.Version >= 2 {
		b := []byte("OCHK")
		b = append(b, encodeV2(msgs)...)
		return le32(b, 0)
	}
	return encodeV1(msgs)
}

func encodeV1(msgs []msg) []byte {
	var b []byte
	for _, m := range msgs {
		body := pad(m.body)
		b = le16(b, m.typ)
		b = le16(b, uint16(len(body)))
		b = append(b, 0, 0, 0, 0)
		b = append(b, body...)
	}
	return b
}

func encodeV2(msgs []msg) []byte {
	var b []byte
	for i, m := range msgs {
		b = append(b, byte(m.typ))
		b = le16(b, uint16(len(m.body)))
		b = append(b, 0)
		b = le16(b, uint16(i))
		b = append(b, m.body...)
	}
	return b
}

func globalHeap(o Options) []byte {
	var objects []byte
	index := uint16(0)
	for _, a := range o.Attrs {
		if !a.VarLen {
			continue
		}
		index++
		objects = le16(objects, index)
		objects = le16(objects, 1)
		objects = le32(objects, 0)
		objects = le64(objects, uint64(len(a.Value)))
		objects = append(objects, pad([]byte(a.Value))...)
	}
	if index == 0 {
		return nil
	}

	// Trailing free space object.
	free := le16(nil, 0)
	free = le16(free, 0)
	free = le32(free, 0)
	free = le64(free, 16)

	size := 16 + len(objects) + len(free)
	b := []byte{'G', 'C', 'O', 'L', 1, 0, 0, 0}
	b = le64(b, uint64(size))
	b = append(b, objects...)
	return append(b, free...)
}

func pad(b []byte) []byte {
	n := (len(b) + 7) &^ 7
	return append(append([]byte(nil), b...), make([]byte, n-len(b))...)
}

func le16(b []byte, v uint16) []byte { return binary.LittleEndian.AppendUint16(b, v) }

func le32(b []byte, v uint32) []byte { return binary.LittleEndian.AppendUint32(b, v) }

func le64(b []byte, v uint64) []byte { return binary.LittleEndian.AppendUint64(b, v) }
