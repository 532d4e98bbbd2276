package rpc

import (
	"encoding/hex"
	"errors"

	"github.com/edgewire/tunnelclient/internal/wire"
)

// ErrProtocol is returned when a message decodes structurally but its
// discriminants don't form a valid Return-for-registration reply (e.g.
// the envelope isn't a Return, or a union carries an unrecognized
// discriminant). Per spec.md §7 this is connection-fatal.
var ErrProtocol = errors.New("rpc: protocol error")

// ErrOtherAnswer is returned when a message decodes as a well-formed
// Return, but for a question other than the registration call (e.g. a
// server heartbeat). The control-stream consumption loop skips these
// rather than treating them as a protocol error (spec.md §4.B
// "Concurrency note").
var ErrOtherAnswer = errors.New("rpc: return for a different question")

// DecodeResponse parses a single framed Return message and extracts the
// registration outcome.
func DecodeResponse(b []byte) (RegistrationResult, error) {
	var result RegistrationResult

	r, err := wire.ReadMessage(b)
	if err != nil {
		return result, err
	}

	msg, msgDW, _, err := r.ReadStructPtr(0)
	if err != nil {
		return result, err
	}
	disc := r.ReadU16(msg, 0)
	if disc != MessageReturn {
		return result, ErrProtocol
	}

	retPtrSlot := msg + msgDW*8
	ret, retDW, _, err := r.ReadStructPtr(retPtrSlot)
	if err != nil {
		return result, err
	}
	if answerID := r.ReadU32(ret, 0); answerID != CallQuestionID {
		return result, ErrOtherAnswer
	}
	// Return.answerId occupies data bytes 0-3; the union discriminant
	// selecting results/exception/canceled follows at byte 6, not 4.
	retDisc := r.ReadU16(ret, 6)
	ptr0 := ret + retDW*8

	switch retDisc {
	case ReturnException:
		reason, err := r.ReadText(ptr0)
		if err != nil {
			return result, err
		}
		result.Error = reason
		result.ShouldRetry = true
		return result, nil

	case ReturnCanceled:
		result.Error = "registration canceled"
		return result, nil

	case ReturnResults:
		return decodeResults(r, ptr0, result)

	default:
		return result, ErrProtocol
	}
}

func decodeResults(r *wire.Reader, payloadPtrSlot int, result RegistrationResult) (RegistrationResult, error) {
	payload, payloadDW, _, err := r.ReadStructPtr(payloadPtrSlot)
	if err != nil {
		return result, err
	}
	contentSlot := payload + payloadDW*8

	wrapper, wrapperDW, _, err := r.ReadStructPtr(contentSlot)
	if err != nil {
		return result, err
	}
	connRespSlot := wrapper + wrapperDW*8

	connResp, connRespDW, _, err := r.ReadStructPtr(connRespSlot)
	if err != nil {
		return result, err
	}
	// ConnectionResponse's union discriminant is its first data word
	// (byte 0), not byte 2; pointer[0] selects a distinct ConnectionError
	// or ConnectionDetails struct rather than carrying the fields itself.
	crDisc := r.ReadU16(connResp, 0)
	crPtr0Slot := connResp + connRespDW*8

	switch crDisc {
	case ConnResponseError:
		connErr, connErrDW, _, err := r.ReadStructPtr(crPtr0Slot)
		if err != nil {
			return result, err
		}
		result.RetryAfterNs = r.ReadI64(connErr, 0)
		result.ShouldRetry = r.ReadBool(connErr, 8, 0)
		errPtr0 := connErr + connErrDW*8
		errText, err := r.ReadText(errPtr0)
		if err != nil {
			return result, err
		}
		result.Error = errText
		return result, nil

	case ConnResponseSuccess:
		details, detailsDW, _, err := r.ReadStructPtr(crPtr0Slot)
		if err != nil {
			return result, err
		}
		result.TunnelIsRemote = r.ReadBool(details, 0, 0)
		detailsPtr0 := details + detailsDW*8
		uuidBytes, err := r.ReadData(detailsPtr0)
		if err != nil {
			return result, err
		}
		location, err := r.ReadText(detailsPtr0 + 8)
		if err != nil {
			return result, err
		}
		result.Success = true
		result.UUID = formatUUID(uuidBytes)
		result.Location = location
		return result, nil

	default:
		return result, ErrProtocol
	}
}

// formatUUID renders 16 raw bytes as the canonical hyphenated hex form.
// Anything other than exactly 16 bytes is returned hex-encoded without
// hyphens, since the wire format offers no other way to signal a
// malformed UUID field.
func formatUUID(b []byte) string {
	if len(b) != 16 {
		return hex.EncodeToString(b)
	}
	buf := make([]byte, 36)
	hex.Encode(buf[0:8], b[0:4])
	buf[8] = '-'
	hex.Encode(buf[9:13], b[4:6])
	buf[13] = '-'
	hex.Encode(buf[14:18], b[6:8])
	buf[18] = '-'
	hex.Encode(buf[19:23], b[8:10])
	buf[23] = '-'
	hex.Encode(buf[24:36], b[10:16])
	return string(buf)
}
