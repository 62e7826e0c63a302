package pkcs11

import (
	"testing"

	"github.com/miekg/pkcs11"

	"github.com/rpkica/signer/internal/test"
	"github.com/rpkica/signer/signer"
)

// Exercising GenerateRSAKey/Sign/DestroyKey against a real Cryptoki
// token requires a loaded driver library (e.g. SoftHSM2); this file
// does not load one. It covers the backend's pure logic: error classification and locator
// encoding, which is where most of the driver-quirk handling in spec
// §4.3 actually lives.

func TestIsSessionLostClassifiesTransientErrors(t *testing.T) {
	transient := []pkcs11.Error{
		pkcs11.CKR_SESSION_CLOSED,
		pkcs11.CKR_SESSION_HANDLE_INVALID,
		pkcs11.CKR_DEVICE_ERROR,
		pkcs11.CKR_DEVICE_REMOVED,
	}
	for _, e := range transient {
		test.AssertTrue(t, isSessionLost(e), e.Error()+" should be session-lost")
	}
	test.AssertTrue(t, !isSessionLost(pkcs11.CKR_PIN_INCORRECT), "auth failure is not session-lost")
}

func TestIsTerminalClassifiesNonRetryableErrors(t *testing.T) {
	terminal := []pkcs11.Error{
		pkcs11.CKR_MECHANISM_INVALID,
		pkcs11.CKR_ATTRIBUTE_VALUE_INVALID,
		pkcs11.CKR_PIN_INCORRECT,
	}
	for _, e := range terminal {
		test.AssertTrue(t, isTerminal(e), e.Error()+" should be terminal")
	}
	test.AssertTrue(t, !isTerminal(pkcs11.CKR_SESSION_CLOSED), "session-lost is not terminal")
}

func TestLocatorRoundTripsThroughHex(t *testing.T) {
	want := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c}
	loc := signer.Locator(hexEncode(want))

	got, err := idBytesFromLocator(loc)
	test.AssertNotError(t, err, "idBytesFromLocator")
	test.AssertDeepEquals(t, got, want, "round-tripped CKA_ID bytes")
}

func TestMalformedLocatorIsRejected(t *testing.T) {
	_, err := idBytesFromLocator(signer.Locator("not-hex!!"))
	test.AssertError(t, err, "malformed locator should fail to decode")
}

func TestResolveSlotByNumericID(t *testing.T) {
	// resolveSlot's numeric-id branch never touches the driver, so it is
	// directly testable without a loaded Cryptoki module.
	slots := []uint{1, 2, 0x12a9f8f7}
	slot, err := resolveSlot(nil, slots, "0x12a9f8f7")
	test.AssertNotError(t, err, "resolveSlot hex")
	test.AssertEquals(t, slot, uint(0x12a9f8f7), "resolved slot")

	slot, err = resolveSlot(nil, slots, "2")
	test.AssertNotError(t, err, "resolveSlot decimal")
	test.AssertEquals(t, slot, uint(2), "resolved slot")

	_, err = resolveSlot(nil, slots, "999")
	test.AssertError(t, err, "nonexistent numeric slot should fail")
}

func hexEncode(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0x0f]
	}
	return string(out)
}
