// Package wire implements a minimal single-segment subset of the Cap'n
// Proto wire format: struct pointers, list pointers (byte lists and
// composite lists), and bounded scalar/text/data field access. It covers
// only what the control-stream and data-stream codecs need — there is no
// general schema compiler, no multi-segment support, and no
// inter-segment pointers (spec.md §1 Non-goals).
package wire

import "encoding/binary"

// Element-size tags for list pointers (bits 32-34 of the pointer word).
// All eight are named, but only ElemTagByte and ElemTagComposite are
// produced or consumed here.
const (
	ElemTagVoid      byte = 0
	ElemTagBit       byte = 1
	ElemTagByte      byte = 2
	ElemTagTwoBytes  byte = 3
	ElemTagFourBytes byte = 4
	ElemTagEightByte byte = 5
	ElemTagPointer   byte = 6
	ElemTagComposite byte = 7
)

const wordSize = 8

// Builder is an arena-style message builder: a bump-pointer cursor over a
// fixed working buffer. Offsets are forward-only byte indices into that
// buffer, never ownership handles — the codec admits no cycles (spec.md
// §9), so this is sufficient.
type Builder struct {
	buf    []byte
	cursor int
}

// NewBuilder designates buf as the working region for a new message.
// buf's existing contents are discarded (zeroed).
func NewBuilder(buf []byte) *Builder {
	for i := range buf {
		buf[i] = 0
	}
	return &Builder{buf: buf}
}

// Alloc advances the cursor to the next 8-byte boundary, reserves
// words*8 bytes there, and returns the starting byte offset. Any gap
// bytes introduced by alignment are left zeroed.
func (b *Builder) Alloc(words int) (int, error) {
	off := b.cursor
	if rem := off % wordSize; rem != 0 {
		off += wordSize - rem
	}
	need := words * wordSize
	if off+need > len(b.buf) {
		return 0, ErrCapacityExceeded
	}
	b.cursor = off + need
	return off, nil
}

func encodeStructWord(offsetWords, dataWords, ptrWords int) uint64 {
	return uint64(dataWords&0xFFFF)<<32 |
		uint64(ptrWords&0xFFFF)<<48 |
		(uint64(uint32(offsetWords))&0x3FFFFFFF)<<2
}

func encodeListWord(offsetWords int, elemTag byte, count int) uint64 {
	return 1 |
		(uint64(uint32(offsetWords))&0x3FFFFFFF)<<2 |
		uint64(elemTag&0x7)<<32 |
		(uint64(uint32(count))&0x1FFFFFFF)<<35
}

// WriteStructPtr writes a struct pointer at byte offset at, pointing to
// the struct already allocated at byte offset target. Both at and target
// must be 8-aligned.
func (b *Builder) WriteStructPtr(at, target, dataWords, ptrWords int) error {
	if at+wordSize > len(b.buf) || target < 0 {
		return ErrCapacityExceeded
	}
	offsetWords := (target - at - wordSize) / wordSize
	binary.LittleEndian.PutUint64(b.buf[at:at+wordSize], encodeStructWord(offsetWords, dataWords, ptrWords))
	return nil
}

// WriteListPtr writes a list pointer at byte offset at, pointing to a
// list region already allocated at byte offset target.
func (b *Builder) WriteListPtr(at, target int, elemTag byte, count int) error {
	if at+wordSize > len(b.buf) || target < 0 {
		return ErrCapacityExceeded
	}
	offsetWords := (target - at - wordSize) / wordSize
	binary.LittleEndian.PutUint64(b.buf[at:at+wordSize], encodeListWord(offsetWords, elemTag, count))
	return nil
}

// WriteText allocates room for s plus a trailing NUL, copies it, and
// writes a byte-list pointer at at. An empty string writes a null
// pointer (all zero) without allocating.
func (b *Builder) WriteText(at int, s string) error {
	if s == "" {
		return b.writeNullPtr(at)
	}
	n := len(s) + 1
	words := (n + wordSize - 1) / wordSize
	target, err := b.Alloc(words)
	if err != nil {
		return err
	}
	copy(b.buf[target:target+len(s)], s)
	b.buf[target+len(s)] = 0
	return b.WriteListPtr(at, target, ElemTagByte, n)
}

// WriteData allocates room for data, copies it, and writes a byte-list
// pointer at at. Empty/nil data writes a null pointer without
// allocating.
func (b *Builder) WriteData(at int, data []byte) error {
	if len(data) == 0 {
		return b.writeNullPtr(at)
	}
	n := len(data)
	words := (n + wordSize - 1) / wordSize
	target, err := b.Alloc(words)
	if err != nil {
		return err
	}
	copy(b.buf[target:target+n], data)
	return b.WriteListPtr(at, target, ElemTagByte, n)
}

func (b *Builder) writeNullPtr(at int) error {
	if at+wordSize > len(b.buf) {
		return ErrCapacityExceeded
	}
	for i := at; i < at+wordSize; i++ {
		b.buf[i] = 0
	}
	return nil
}

// AllocStruct allocates a struct's data+pointer sections (dataWords+
// ptrWords words) and returns its byte offset.
func (b *Builder) AllocStruct(dataWords, ptrWords int) (int, error) {
	return b.Alloc(dataWords + ptrWords)
}

// AllocCompositeList allocates a composite list of n elements, each
// shaped as (dataWords, ptrWords), and writes the leading tag word. It
// returns the tag word's offset (the list pointer's target) and the
// offset of the first element.
func (b *Builder) AllocCompositeList(n, dataWords, ptrWords int) (tagOffset int, elemBase int, err error) {
	stride := dataWords + ptrWords
	totalWords := 1 + n*stride
	tagOffset, err = b.Alloc(totalWords)
	if err != nil {
		return 0, 0, err
	}
	binary.LittleEndian.PutUint64(b.buf[tagOffset:tagOffset+wordSize], encodeStructWord(n, dataWords, ptrWords))
	return tagOffset, tagOffset + wordSize, nil
}

// WriteU8 writes a byte into a struct's data section.
func (b *Builder) WriteU8(dataBase, byteOff int, v uint8) {
	b.buf[dataBase+byteOff] = v
}

// WriteU16 writes a little-endian uint16 into a struct's data section.
func (b *Builder) WriteU16(dataBase, byteOff int, v uint16) {
	binary.LittleEndian.PutUint16(b.buf[dataBase+byteOff:], v)
}

// WriteU32 writes a little-endian uint32 into a struct's data section.
func (b *Builder) WriteU32(dataBase, byteOff int, v uint32) {
	binary.LittleEndian.PutUint32(b.buf[dataBase+byteOff:], v)
}

// WriteU64 writes a little-endian uint64 into a struct's data section.
func (b *Builder) WriteU64(dataBase, byteOff int, v uint64) {
	binary.LittleEndian.PutUint64(b.buf[dataBase+byteOff:], v)
}

// WriteI64 writes a little-endian int64 into a struct's data section.
func (b *Builder) WriteI64(dataBase, byteOff int, v int64) {
	b.WriteU64(dataBase, byteOff, uint64(v))
}

// WriteBool sets or clears a single bit within a struct's data section.
func (b *Builder) WriteBool(dataBase, byteOff, bit int, v bool) {
	idx := dataBase + byteOff
	if v {
		b.buf[idx] |= 1 << uint(bit)
	} else {
		b.buf[idx] &^= 1 << uint(bit)
	}
}

// Finalize emits the 8-byte single-segment framing header (a zero word
// followed by the segment's word count) followed by the populated
// working region, rounded up to a word boundary. It returns the complete
// framed message.
func (b *Builder) Finalize() []byte {
	segWords := (b.cursor + wordSize - 1) / wordSize
	out := make([]byte, 8+segWords*wordSize)
	binary.LittleEndian.PutUint32(out[4:8], uint32(segWords))
	copy(out[8:], b.buf[:b.cursor])
	return out
}
