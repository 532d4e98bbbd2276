package wire

import "errors"

// Decode/encode failures surfaced by the codec. Callers switch on these
// with errors.Is; they never carry additional payload beyond a message,
// matching the flat error taxonomy of spec.md §7.
var (
	ErrCapacityExceeded = errors.New("wire: capacity exceeded")
	ErrNullPointer      = errors.New("wire: null pointer")
	ErrWrongKind        = errors.New("wire: wrong pointer kind")
	ErrOutOfBounds      = errors.New("wire: pointer target out of bounds")
	ErrMultiSegment     = errors.New("wire: multi-segment messages are not supported")
	ErrTruncated        = errors.New("wire: input shorter than framing header")
)
