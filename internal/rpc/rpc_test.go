package rpc

import (
	"testing"

	"github.com/edgewire/tunnelclient/internal/wire"
)

func TestEncodeRegisterShape(t *testing.T) {
	blob, err := EncodeRegister(RegistrationParams{
		AccountTag:   "acct",
		TunnelSecret: []byte("secret"),
	})
	if err != nil {
		t.Fatal(err)
	}

	n1 := wire.WireMessageSize(blob)
	if n1 == 0 {
		t.Fatalf("first message did not frame")
	}
	r1, err := wire.ReadMessage(blob[:n1])
	if err != nil {
		t.Fatal(err)
	}
	msg1, dw1, _, err := r1.ReadStructPtr(0)
	if err != nil {
		t.Fatal(err)
	}
	if got := r1.ReadU16(msg1, 0); got != MessageBootstrap {
		t.Fatalf("message 1 discriminant = %d, want bootstrap", got)
	}
	bootstrap, _, _, err := r1.ReadStructPtr(msg1 + dw1*8)
	if err != nil {
		t.Fatal(err)
	}
	if got := r1.ReadU32(bootstrap, 0); got != BootstrapQuestionID {
		t.Fatalf("bootstrap questionId = %d", got)
	}

	rest := blob[n1:]
	n2 := wire.WireMessageSize(rest)
	if n2 == 0 || n2 != len(rest) {
		t.Fatalf("second message framing: n2=%d len=%d", n2, len(rest))
	}
	r2, err := wire.ReadMessage(rest)
	if err != nil {
		t.Fatal(err)
	}
	msg2, dw2, _, err := r2.ReadStructPtr(0)
	if err != nil {
		t.Fatal(err)
	}
	if got := r2.ReadU16(msg2, 0); got != MessageCall {
		t.Fatalf("message 2 discriminant = %d, want call", got)
	}
	call, callDW, _, err := r2.ReadStructPtr(msg2 + dw2*8)
	if err != nil {
		t.Fatal(err)
	}
	if got := r2.ReadU32(call, 0); got != CallQuestionID {
		t.Fatalf("call questionId = %d", got)
	}
	if got := r2.ReadU64(call, 8); got != InterfaceID {
		t.Fatalf("call interfaceId = %x", got)
	}
	if got := r2.ReadU32(call, 4); got != MethodIDRegister {
		t.Fatalf("call methodId = %d", got)
	}
	_ = callDW
}

// synthReturn builds a Return message shaped like a server reply, for
// testing DecodeResponse independent of EncodeRegister.
func synthReturn(t *testing.T, build func(b *wire.Builder) (retDataWords, retPtrWords int, writeRetFields func(ret, retPtrSlot int))) []byte {
	t.Helper()
	b := wire.NewBuilder(make([]byte, 1024))
	rootPtr, _ := b.Alloc(1)
	msg, _ := b.AllocStruct(1, 1)
	b.WriteU16(msg, 0, MessageReturn)

	dw, pw, writeFields := build(b)
	ret, _ := b.AllocStruct(dw, pw)
	b.WriteU32(ret, 0, CallQuestionID)
	writeFields(ret, ret+dw*8)

	b.WriteStructPtr(msg+8, ret, dw, pw)
	b.WriteStructPtr(rootPtr, msg, 1, 1)
	return b.Finalize()
}

func TestDecodeResponseSuccess(t *testing.T) {
	uuidBytes := []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}

	blob := synthReturn(t, func(b *wire.Builder) (int, int, func(int, int)) {
		return 1, 1, func(ret, ptrSlot int) {
			// Return.answerId occupies data bytes 0-3 (set by synthReturn);
			// the results/exception/canceled discriminant is at byte 6.
			b.WriteU16(ret, 6, ReturnResults)

			payload, _ := b.AllocStruct(0, 1)
			wrapper, _ := b.AllocStruct(0, 1)
			// ConnectionResponse: discriminant at byte 0, pointer[0]
			// selects a distinct ConnectionDetails struct.
			connResp, _ := b.AllocStruct(1, 1)
			b.WriteU16(connResp, 0, ConnResponseSuccess)

			details, _ := b.AllocStruct(1, 2)
			b.WriteBool(details, 0, 0, true)
			b.WriteData(details+1*8, uuidBytes)
			b.WriteText(details+1*8+8, "SJC")

			b.WriteStructPtr(connResp+1*8, details, 1, 2)
			b.WriteStructPtr(wrapper, connResp, 1, 1)
			b.WriteStructPtr(payload, wrapper, 0, 1)
			b.WriteStructPtr(ptrSlot, payload, 0, 1)
		}
	})

	result, err := DecodeResponse(blob)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatal("expected success")
	}
	if result.UUID != "00112233-4455-6677-8899-aabbccddeeff" {
		t.Fatalf("uuid = %s", result.UUID)
	}
	if result.Location != "SJC" {
		t.Fatalf("location = %s", result.Location)
	}
}

func TestDecodeResponseRegistrationError(t *testing.T) {
	blob := synthReturn(t, func(b *wire.Builder) (int, int, func(int, int)) {
		return 1, 1, func(ret, ptrSlot int) {
			b.WriteU16(ret, 6, ReturnResults)

			payload, _ := b.AllocStruct(0, 1)
			wrapper, _ := b.AllocStruct(0, 1)
			connResp, _ := b.AllocStruct(1, 1)
			b.WriteU16(connResp, 0, ConnResponseError)

			// ConnectionError: retryAfterNs (int64) at byte 0, shouldRetry
			// at byte 8 bit 0, pointer[0] = cause text.
			connErr, _ := b.AllocStruct(2, 1)
			b.WriteI64(connErr, 0, 30_000_000_000)
			b.WriteBool(connErr, 8, 0, true)
			b.WriteText(connErr+2*8, "quota exceeded")

			b.WriteStructPtr(connResp+1*8, connErr, 2, 1)
			b.WriteStructPtr(wrapper, connResp, 1, 1)
			b.WriteStructPtr(payload, wrapper, 0, 1)
			b.WriteStructPtr(ptrSlot, payload, 0, 1)
		}
	})

	result, err := DecodeResponse(blob)
	if err != nil {
		t.Fatal(err)
	}
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Error != "quota exceeded" {
		t.Fatalf("error = %s", result.Error)
	}
	if !result.ShouldRetry {
		t.Fatal("expected should_retry")
	}
	if result.RetryAfterNs != 30_000_000_000 {
		t.Fatalf("retry_after_ns = %d", result.RetryAfterNs)
	}
}

func TestDecodeResponseException(t *testing.T) {
	blob := synthReturn(t, func(b *wire.Builder) (int, int, func(int, int)) {
		return 1, 1, func(ret, ptrSlot int) {
			b.WriteU16(ret, 6, ReturnException)
			b.WriteText(ptrSlot, "unauthorized")
		}
	})

	result, err := DecodeResponse(blob)
	if err != nil {
		t.Fatal(err)
	}
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Error != "unauthorized" {
		t.Fatalf("error = %s", result.Error)
	}
	if !result.ShouldRetry {
		t.Fatal("expected should_retry")
	}
}
