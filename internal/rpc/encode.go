package rpc

import "github.com/edgewire/tunnelclient/internal/wire"

const (
	bootstrapBufCap = 64
	callBufCap      = 4096
)

// encodeBootstrap builds a Message{discriminant=bootstrap} envelope
// wrapping a Bootstrap{questionId}.
func encodeBootstrap(questionID uint32) ([]byte, error) {
	b := wire.NewBuilder(make([]byte, bootstrapBufCap))

	rootPtr, err := b.Alloc(1)
	if err != nil {
		return nil, err
	}
	msg, err := b.AllocStruct(1, 1)
	if err != nil {
		return nil, err
	}
	b.WriteU16(msg, 0, MessageBootstrap)

	bootstrap, err := b.AllocStruct(1, 0)
	if err != nil {
		return nil, err
	}
	b.WriteU32(bootstrap, 0, questionID)

	if err := b.WriteStructPtr(msg+8, bootstrap, 1, 0); err != nil {
		return nil, err
	}
	if err := b.WriteStructPtr(rootPtr, msg, 1, 1); err != nil {
		return nil, err
	}

	return b.Finalize(), nil
}

// EncodeRegister builds the two-message registration request: a
// Bootstrap with questionId=0, followed by a Call with questionId=1
// addressed to the Bootstrap's not-yet-resolved answer (capability
// pipelining, spec.md §4.B). It returns the two framed messages
// concatenated, ready to be queued on the control stream, or a
// CapacityExceeded error if p's fields don't fit the working buffer.
func EncodeRegister(p RegistrationParams) ([]byte, error) {
	bootstrap, err := encodeBootstrap(BootstrapQuestionID)
	if err != nil {
		return nil, err
	}
	call, err := encodeCall(p)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(bootstrap)+len(call))
	out = append(out, bootstrap...)
	out = append(out, call...)
	return out, nil
}

func encodeCall(p RegistrationParams) ([]byte, error) {
	b := wire.NewBuilder(make([]byte, callBufCap))
	var err error
	chk := func(e error) bool {
		if e != nil && err == nil {
			err = e
		}
		return err == nil
	}

	rootPtr, e := b.Alloc(1)
	chk(e)
	msg, e := b.AllocStruct(1, 1)
	chk(e)
	if err != nil {
		return nil, err
	}
	b.WriteU16(msg, 0, MessageCall)

	call, e := b.AllocStruct(3, 3)
	if !chk(e) {
		return nil, err
	}
	b.WriteU32(call, 0, CallQuestionID)
	b.WriteU32(call, 4, MethodIDRegister)
	b.WriteU64(call, 8, InterfaceID)
	b.WriteU16(call, 16, SendResultsToCaller)
	callPtrs := call + 3*8

	// target: promisedAnswer referring back to the Bootstrap question.
	target, e := b.AllocStruct(1, 0)
	if !chk(e) {
		return nil, err
	}
	b.WriteU16(target, 0, TargetPromisedAnswer)
	b.WriteU32(target, 4, BootstrapQuestionID)
	chk(b.WriteStructPtr(callPtrs, target, 1, 0))

	// params: Payload{content -> RegistrationParams}
	payload, e := b.AllocStruct(0, 1)
	chk(e)
	params, e := b.AllocStruct(1, 3)
	if !chk(e) {
		return nil, err
	}
	b.WriteU8(params, 0, p.ConnIndex)
	paramPtrs := params + 8

	auth, e := b.AllocStruct(0, 2)
	if !chk(e) {
		return nil, err
	}
	chk(b.WriteText(auth, p.AccountTag))
	chk(b.WriteData(auth+8, p.TunnelSecret))
	chk(b.WriteStructPtr(paramPtrs, auth, 0, 2))

	chk(b.WriteData(paramPtrs+8, p.TunnelID[:]))

	opts, e := b.AllocStruct(1, 2)
	if !chk(e) {
		return nil, err
	}
	b.WriteBool(opts, 0, 0, p.Options.ReplaceExisting)
	b.WriteU8(opts, 1, p.Options.CompressionQuality)
	b.WriteU8(opts, 2, p.Options.PrevAttempts)
	optsPtrs := opts + 8

	client, e := b.AllocStruct(0, 4)
	if !chk(e) {
		return nil, err
	}
	chk(b.WriteData(client, p.Options.Client.ClientID[:]))
	chk(b.WriteData(client+8, nil)) // features: not used by this client
	chk(b.WriteText(client+16, p.Options.Client.Version))
	chk(b.WriteText(client+24, p.Options.Client.Arch))
	chk(b.WriteStructPtr(optsPtrs, client, 0, 4))
	chk(b.WriteData(optsPtrs+8, nil))

	chk(b.WriteStructPtr(paramPtrs+16, opts, 1, 2))

	chk(b.WriteStructPtr(payload, params, 1, 3))
	chk(b.WriteStructPtr(callPtrs+8, payload, 0, 1))
	chk(b.WriteData(callPtrs+16, nil)) // third pointer is null

	chk(b.WriteStructPtr(msg+8, call, 3, 3))
	chk(b.WriteStructPtr(rootPtr, msg, 1, 1))

	if err != nil {
		return nil, err
	}
	return b.Finalize(), nil
}
