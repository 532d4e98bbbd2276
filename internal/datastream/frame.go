package datastream

import (
	"github.com/edgewire/tunnelclient/internal/wire"
)

// metadataStride is the word count of each (key, val) composite-list
// element: 0 data words, 2 pointer words.
const metadataStride = 2

// ParseRequest validates the 8-byte preamble and decodes the codec
// payload that follows it into a Request.
func ParseRequest(buf []byte) (*Request, error) {
	if len(buf) < preambleLen {
		return nil, ErrBadFraming
	}
	if !hasPreamble(buf) {
		return nil, ErrBadFraming
	}

	r, err := wire.ReadMessage(buf[preambleLen:])
	if err != nil {
		return nil, err
	}

	root, dw, _, err := r.ReadStructPtr(0)
	if err != nil {
		return nil, err
	}
	ptrBase := root + dw*8

	req := &Request{
		Type: RequestType(r.ReadU16(root, 0)),
	}
	req.Dest, err = r.ReadText(ptrBase)
	if err != nil {
		return nil, err
	}
	req.Metadata, err = readMetadataList(r, ptrBase+8)
	if err != nil {
		return nil, err
	}
	return req, nil
}

func readMetadataList(r *wire.Reader, listPtr int) ([]MetadataEntry, error) {
	base, stride, n, err := r.CompositeListElements(listPtr)
	if err != nil {
		if err == wire.ErrNullPointer {
			return nil, nil
		}
		return nil, err
	}
	entries := make([]MetadataEntry, 0, n)
	for i := 0; i < n; i++ {
		eb := base + i*stride*8
		key, err := r.ReadText(eb)
		if err != nil {
			return nil, err
		}
		val, err := r.ReadText(eb + 8)
		if err != nil {
			return nil, err
		}
		entries = append(entries, MetadataEntry{Key: key, Val: val})
	}
	return entries, nil
}

// BuildResponse frames resp as the literal preamble followed by a codec
// message whose root struct has 0 data words and 2 pointers: the error
// text (null when empty) and the metadata composite list.
func BuildResponse(resp *Response) ([]byte, error) {
	size := 256 + len(resp.Error)*2
	for _, e := range resp.Metadata {
		size += 32 + len(e.Key) + len(e.Val)
	}
	b := wire.NewBuilder(make([]byte, size))

	rootPtr, err := b.Alloc(1)
	if err != nil {
		return nil, err
	}
	root, err := b.AllocStruct(0, 2)
	if err != nil {
		return nil, err
	}
	if err := b.WriteText(root, resp.Error); err != nil {
		return nil, err
	}
	if err := writeMetadataList(b, root+8, resp.Metadata); err != nil {
		return nil, err
	}
	if err := b.WriteStructPtr(rootPtr, root, 0, 2); err != nil {
		return nil, err
	}

	payload := b.Finalize()
	out := make([]byte, 0, preambleLen+len(payload))
	out = append(out, signature[:]...)
	out = append(out, version[:]...)
	out = append(out, payload...)
	return out, nil
}

func writeMetadataList(b *wire.Builder, atPtr int, entries []MetadataEntry) error {
	if len(entries) == 0 {
		return nil // null pointer: zero at atPtr, b already zero-filled
	}
	tagOff, elemBase, err := b.AllocCompositeList(len(entries), 0, metadataStride)
	if err != nil {
		return err
	}
	for i, e := range entries {
		eb := elemBase + i*metadataStride*8
		if err := b.WriteText(eb, e.Key); err != nil {
			return err
		}
		if err := b.WriteText(eb+8, e.Val); err != nil {
			return err
		}
	}
	totalWords := 1 + len(entries)*metadataStride
	return b.WriteListPtr(atPtr, tagOff, wire.ElemTagComposite, totalWords)
}

// BuildHTTPMetadata shapes an origin response's status and headers into
// the metadata list a ConnectResponse carries. HttpStatus is always
// first and always emitted; the list is truncated to max entries in
// total, HttpStatus included, dropping the trailing headers.
func BuildHTTPMetadata(status int, headers []MetadataEntry, max int) []MetadataEntry {
	if max <= 0 {
		max = DefaultMaxMetadataEntries
	}
	out := make([]MetadataEntry, 0, max)
	out = append(out, MetadataEntry{Key: "HttpStatus", Val: itoa(status)})
	for _, h := range headers {
		if len(out) >= max {
			break
		}
		out = append(out, MetadataEntry{Key: "HttpHeader:" + h.Key, Val: h.Val})
	}
	return out
}

func hasPreamble(buf []byte) bool {
	for i, c := range signature {
		if buf[i] != c {
			return false
		}
	}
	return buf[6] == version[0] && buf[7] == version[1]
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits [20]byte
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		digits[i] = '-'
	}
	return string(digits[i:])
}
