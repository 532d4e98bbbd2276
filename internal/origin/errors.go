package origin

import "errors"

// ErrBodyTooLarge is returned when a response body (by Content-Length or
// by streaming until close) would exceed Config.MaxBodyBytes.
var ErrBodyTooLarge = errors.New("origin: response body exceeds configured cap")
