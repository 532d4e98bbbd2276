package datastream

import "errors"

// ErrBadFraming is returned when a buffer's 8-byte preamble does not
// match the data-stream signature and version (spec.md §4.C, §6).
var ErrBadFraming = errors.New("datastream: bad framing preamble")
