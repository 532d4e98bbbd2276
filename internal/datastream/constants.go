package datastream

// Signature and version are the literal 8-byte preamble prefixing every
// framed data-stream message (spec.md §6). The RPC-stream signature is a
// distinct, reserved constant that this client's control stream does not
// use — its messages are bare framed codec messages with no preamble.
var (
	signature = [6]byte{0x0A, 0x36, 0xCD, 0x12, 0xA1, 0x3E}
	version   = [2]byte{0x30, 0x31} // "01"
)

const preambleLen = len(signature) + len(version)

// DefaultMaxMetadataEntries bounds how many metadata entries in total
// (the HttpStatus entry included) BuildHTTPMetadata emits before
// truncating.
const DefaultMaxMetadataEntries = 32
