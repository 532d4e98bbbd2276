// Package rpc implements the control-stream half of the tunnel protocol:
// building the Bootstrap+Call registration request pair (with the Call
// pipelined against the as-yet-unresolved Bootstrap answer) and decoding
// the server's Return reply. It exercises only the minimum of the
// capability-RPC envelope this one registration call needs — general
// schema compilation and concurrent in-flight calls are out of scope
// (spec.md §1).
package rpc

// Message envelope discriminants.
const (
	MessageBootstrap uint16 = 8
	MessageCall       uint16 = 2
	MessageReturn     uint16 = 3
)

// Return union discriminants.
const (
	ReturnResults   uint16 = 0
	ReturnException uint16 = 1
	ReturnCanceled  uint16 = 2
)

// MessageTarget union discriminants.
const (
	TargetImportedCap    uint16 = 0
	TargetPromisedAnswer uint16 = 1
)

// ConnectionResponse union discriminants.
const (
	ConnResponseError   uint16 = 0
	ConnResponseSuccess uint16 = 1
)

// Call.sendResultsTo discriminants.
const (
	SendResultsToCaller uint16 = 0
)

// InterfaceID is the 64-bit RPC interface identifier this client calls
// into to register a tunnel connection.
const InterfaceID uint64 = 0xf71695ec7fe85497

// MethodIDRegister is the method identifier for registration on
// InterfaceID.
const MethodIDRegister uint32 = 0

// BootstrapQuestionID and CallQuestionID are the two fixed question IDs
// used by the registration exchange — there is never more than one
// in-flight registration call, so these never need to vary.
const (
	BootstrapQuestionID uint32 = 0
	CallQuestionID      uint32 = 1
)
