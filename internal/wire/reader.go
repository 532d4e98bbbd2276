package wire

import "encoding/binary"

// Reader decodes a single-segment message previously produced by
// Finalize. All offsets it accepts (at) are byte offsets within the
// segment, not within the original framed blob.
type Reader struct {
	seg []byte
}

// ReadMessage validates the 8-byte framing header of b (rejecting
// anything shorter, any segment count other than the single-segment
// indicator, and any segment that doesn't fit) and returns a Reader over
// the enclosed segment.
func ReadMessage(b []byte) (*Reader, error) {
	if len(b) < 8 {
		return nil, ErrTruncated
	}
	if binary.LittleEndian.Uint32(b[0:4]) != 0 {
		return nil, ErrMultiSegment
	}
	segWords := binary.LittleEndian.Uint32(b[4:8])
	segLen := int(segWords) * wordSize
	if 8+segLen > len(b) {
		return nil, ErrOutOfBounds
	}
	return &Reader{seg: b[8 : 8+segLen]}, nil
}

// WireMessageSize returns the number of bytes consumed by the first
// complete message in b, or 0 if b is incomplete or malformed. It is
// used to frame a stream of concatenated messages without decoding them.
func WireMessageSize(b []byte) int {
	if len(b) < 8 {
		return 0
	}
	if binary.LittleEndian.Uint32(b[0:4]) != 0 {
		return 0
	}
	segWords := binary.LittleEndian.Uint32(b[4:8])
	total := 8 + int(segWords)*wordSize
	if total > len(b) {
		return 0
	}
	return total
}

func signExtend30(v uint32) int {
	if v&(1<<29) != 0 {
		return int(v) - (1 << 30)
	}
	return int(v)
}

// ReadStructPtr reads a struct pointer at byte offset at and returns the
// byte offset of the struct it targets along with its data/pointer
// section sizes in words.
func (r *Reader) ReadStructPtr(at int) (target, dataWords, ptrWords int, err error) {
	if at < 0 || at+wordSize > len(r.seg) {
		return 0, 0, 0, ErrOutOfBounds
	}
	word := binary.LittleEndian.Uint64(r.seg[at : at+wordSize])
	if word == 0 {
		return 0, 0, 0, ErrNullPointer
	}
	if word&0x3 != 0 {
		return 0, 0, 0, ErrWrongKind
	}
	offset := signExtend30(uint32((word >> 2) & 0x3FFFFFFF))
	dataWords = int((word >> 32) & 0xFFFF)
	ptrWords = int((word >> 48) & 0xFFFF)
	target = at + wordSize + offset*wordSize
	if target < 0 || target+(dataWords+ptrWords)*wordSize > len(r.seg) {
		return 0, 0, 0, ErrOutOfBounds
	}
	return target, dataWords, ptrWords, nil
}

// ReadListPtr reads a list pointer at byte offset at and returns the byte
// offset of the list region, its element-size tag, and its count field
// (element count for non-composite lists, total words including the tag
// word for composite lists).
func (r *Reader) ReadListPtr(at int) (target int, elemTag byte, count int, err error) {
	if at < 0 || at+wordSize > len(r.seg) {
		return 0, 0, 0, ErrOutOfBounds
	}
	word := binary.LittleEndian.Uint64(r.seg[at : at+wordSize])
	if word == 0 {
		return 0, 0, 0, ErrNullPointer
	}
	if word&0x3 != 1 {
		return 0, 0, 0, ErrWrongKind
	}
	offset := signExtend30(uint32((word >> 2) & 0x3FFFFFFF))
	elemTag = byte((word >> 32) & 0x7)
	count = int((word >> 35) & 0x1FFFFFFF)
	target = at + wordSize + offset*wordSize
	if target < 0 {
		return 0, 0, 0, ErrOutOfBounds
	}
	var regionBytes int
	if elemTag == ElemTagComposite {
		regionBytes = count * wordSize
	} else {
		regionBytes = count
	}
	if target+regionBytes > len(r.seg) {
		return 0, 0, 0, ErrOutOfBounds
	}
	return target, elemTag, count, nil
}

// ReadText reads a text field: a byte-element list pointer whose count
// includes a trailing NUL. A null pointer decodes as the empty string, as
// does a zero-count list.
func (r *Reader) ReadText(at int) (string, error) {
	target, elemTag, count, err := r.ReadListPtr(at)
	if err == ErrNullPointer {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if elemTag != ElemTagByte {
		return "", ErrWrongKind
	}
	if count == 0 {
		return "", nil
	}
	return string(r.seg[target : target+count-1]), nil
}

// ReadData reads a data field: a byte-element list pointer with no NUL
// trim. A null pointer decodes as an empty (nil) slice.
func (r *Reader) ReadData(at int) ([]byte, error) {
	target, elemTag, count, err := r.ReadListPtr(at)
	if err == ErrNullPointer {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if elemTag != ElemTagByte {
		return nil, ErrWrongKind
	}
	if count == 0 {
		return nil, nil
	}
	return r.seg[target : target+count], nil
}

// CompositeListElements reads a composite list pointer at at and returns
// the byte offset of the first element, the element stride in words,
// and the element count. A null pointer yields zero elements.
func (r *Reader) CompositeListElements(at int) (elemBase, strideWords, n int, err error) {
	target, elemTag, _, err := r.ReadListPtr(at)
	if err == ErrNullPointer {
		return 0, 0, 0, nil
	}
	if err != nil {
		return 0, 0, 0, err
	}
	if elemTag != ElemTagComposite {
		return 0, 0, 0, ErrWrongKind
	}
	if target+wordSize > len(r.seg) {
		return 0, 0, 0, ErrOutOfBounds
	}
	tag := binary.LittleEndian.Uint64(r.seg[target : target+wordSize])
	n = signExtend30(uint32((tag >> 2) & 0x3FFFFFFF))
	dataWords := int((tag >> 32) & 0xFFFF)
	ptrWords := int((tag >> 48) & 0xFFFF)
	strideWords = dataWords + ptrWords
	elemBase = target + wordSize
	if n < 0 || elemBase+n*strideWords*wordSize > len(r.seg) {
		return 0, 0, 0, ErrOutOfBounds
	}
	return elemBase, strideWords, n, nil
}

// ReadU8 reads one byte from a struct's data section, or 0 if out of
// range.
func (r *Reader) ReadU8(dataBase, byteOff int) uint8 {
	idx := dataBase + byteOff
	if idx < 0 || idx+1 > len(r.seg) {
		return 0
	}
	return r.seg[idx]
}

// ReadU16 reads a little-endian uint16 from a struct's data section, or 0
// if out of range.
func (r *Reader) ReadU16(dataBase, byteOff int) uint16 {
	idx := dataBase + byteOff
	if idx < 0 || idx+2 > len(r.seg) {
		return 0
	}
	return binary.LittleEndian.Uint16(r.seg[idx:])
}

// ReadU32 reads a little-endian uint32 from a struct's data section, or 0
// if out of range.
func (r *Reader) ReadU32(dataBase, byteOff int) uint32 {
	idx := dataBase + byteOff
	if idx < 0 || idx+4 > len(r.seg) {
		return 0
	}
	return binary.LittleEndian.Uint32(r.seg[idx:])
}

// ReadU64 reads a little-endian uint64 from a struct's data section, or 0
// if out of range.
func (r *Reader) ReadU64(dataBase, byteOff int) uint64 {
	idx := dataBase + byteOff
	if idx < 0 || idx+8 > len(r.seg) {
		return 0
	}
	return binary.LittleEndian.Uint64(r.seg[idx:])
}

// ReadI64 reads a little-endian int64 from a struct's data section, or 0
// if out of range.
func (r *Reader) ReadI64(dataBase, byteOff int) int64 {
	return int64(r.ReadU64(dataBase, byteOff))
}

// ReadBool reads a single bit from a struct's data section, or false if
// out of range.
func (r *Reader) ReadBool(dataBase, byteOff, bit int) bool {
	b := r.ReadU8(dataBase, byteOff)
	return (b>>uint(bit))&1 == 1
}

// Len returns the segment length in bytes.
func (r *Reader) Len() int { return len(r.seg) }
