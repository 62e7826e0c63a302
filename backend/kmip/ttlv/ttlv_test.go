package ttlv

import (
	"bytes"
	"testing"

	"github.com/rpkica/signer/internal/test"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	item := Structure(TagRequestMessage,
		Structure(TagRequestHeader,
			Structure(TagProtocolVersion,
				Integer(TagProtocolVersionMajor, 1),
				Integer(TagProtocolVersionMinor, 2),
			),
			Integer(TagBatchCount, 1),
		),
		Structure(TagBatchItem,
			Enum(TagOperation, 1),
			Structure(TagRequestPayload,
				Text(TagUsername, "rpki-ca"),
				Bytes(TagData, []byte{0xDE, 0xAD, 0xBE, 0xEF}),
			),
		),
	)

	encoded, err := Marshal(item)
	test.AssertNotError(t, err, "Marshal")

	decoded, err := Unmarshal(bytes.NewReader(encoded))
	test.AssertNotError(t, err, "Unmarshal")

	test.AssertEquals(t, decoded.Tag, TagRequestMessage, "top-level tag")
	hdr, ok := decoded.Find(TagRequestHeader)
	test.AssertTrue(t, ok, "request header present")
	pv, ok := hdr.Find(TagProtocolVersion)
	test.AssertTrue(t, ok, "protocol version present")
	major, ok := pv.Find(TagProtocolVersionMajor)
	test.AssertTrue(t, ok, "protocol version major present")
	test.AssertEquals(t, major.Int32(), int32(1), "protocol version major")

	batchItem, ok := decoded.Find(TagBatchItem)
	test.AssertTrue(t, ok, "batch item present")
	payload, ok := batchItem.Find(TagRequestPayload)
	test.AssertTrue(t, ok, "request payload present")
	user, ok := payload.Find(TagUsername)
	test.AssertTrue(t, ok, "username present")
	test.AssertEquals(t, user.String(), "rpki-ca", "username round-trip")
	data, ok := payload.Find(TagData)
	test.AssertTrue(t, ok, "data present")
	test.AssertDeepEquals(t, data.Bytes(), []byte{0xDE, 0xAD, 0xBE, 0xEF}, "data round-trip")
}

func TestPaddingToEightByteBoundary(t *testing.T) {
	item := Text(TagUsername, "abc") // 3-byte body, must pad to 8
	encoded, err := Marshal(item)
	test.AssertNotError(t, err, "Marshal")
	test.AssertEquals(t, len(encoded), 8+8, "header plus padded body")

	decoded, err := Unmarshal(bytes.NewReader(encoded))
	test.AssertNotError(t, err, "Unmarshal")
	test.AssertEquals(t, decoded.String(), "abc", "text round-trip ignores padding")
}
