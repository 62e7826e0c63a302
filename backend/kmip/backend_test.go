package kmip

import (
	"context"
	"net"
	"testing"
	"time"

	"golang.org/x/net/nettest"

	"github.com/rpkica/signer/backend/kmip/ttlv"
	signererrors "github.com/rpkica/signer/errors"
	"github.com/rpkica/signer/internal/test"
	"github.com/rpkica/signer/signer"
)

func testParams() signer.KmipParams {
	return signer.KmipParams{
		Host:                  "localhost",
		Port:                  5696,
		ConnectTimeoutSeconds: 5,
		ReadTimeoutSeconds:    5,
		WriteTimeoutSeconds:   5,
		MaxResponseBytes:      1 << 16,
	}
}

// fakeServer answers exactly one TTLV request over conn with the given
// canned response, then closes.
func fakeServer(t *testing.T, conn net.Conn, respond func(req ttlv.Item) ttlv.Item) {
	t.Helper()
	go func() {
		defer conn.Close()
		req, err := ttlv.Unmarshal(conn)
		if err != nil {
			return
		}
		resp := respond(req)
		encoded, err := ttlv.Marshal(resp)
		if err != nil {
			return
		}
		conn.Write(encoded)
	}()
}

func successResponse(uniqueID string) ttlv.Item {
	return ttlv.Structure(ttlv.TagResponseMessage,
		ttlv.Structure(ttlv.TagBatchItem,
			ttlv.Enum(ttlv.TagResultStatus, resultStatusSuccess),
			ttlv.Structure(ttlv.TagResponsePayload,
				ttlv.Text(ttlv.TagUniqueIdentifier, uniqueID),
			),
		),
	)
}

func failureResponse(reason int32, msg string) ttlv.Item {
	return ttlv.Structure(ttlv.TagResponseMessage,
		ttlv.Structure(ttlv.TagBatchItem,
			ttlv.Enum(ttlv.TagResultStatus, 1),
			ttlv.Enum(ttlv.TagResultReason, reason),
			ttlv.Text(ttlv.TagResultMessage, msg),
		),
	)
}

func TestDiscoverVersionsSucceedsOnSuccessStatus(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	fakeServer(t, server, func(req ttlv.Item) ttlv.Item {
		return successResponse("")
	})

	err := discoverVersions(context.Background(), client, testParams())
	test.AssertNotError(t, err, "discoverVersions")
}

func TestDestroyObjectToleratesItemNotFound(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	fakeServer(t, server, func(req ttlv.Item) ttlv.Item {
		return failureResponse(reasonItemNotFound, "no such object")
	})

	err := destroyObject(context.Background(), client, testParams(), "missing-id")
	test.AssertNotError(t, err, "destroyObject should tolerate Item_Not_Found")
}

func TestDestroyObjectSurfacesOtherFailures(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	fakeServer(t, server, func(req ttlv.Item) ttlv.Item {
		return failureResponse(reasonPermissionDenied, "nope")
	})

	err := destroyObject(context.Background(), client, testParams(), "some-id")
	test.AssertError(t, err, "destroyObject should surface non-Item_Not_Found failures")
	test.AssertErrorIs(t, err, signererrors.ErrAuthFailed)
}

func TestCreateKeyPairParsesBothIdentifiers(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	fakeServer(t, server, func(req ttlv.Item) ttlv.Item {
		return ttlv.Structure(ttlv.TagResponseMessage,
			ttlv.Structure(ttlv.TagBatchItem,
				ttlv.Enum(ttlv.TagResultStatus, resultStatusSuccess),
				ttlv.Structure(ttlv.TagResponsePayload,
					ttlv.Text(ttlv.TagPrivateKeyUniqueIdentifier, "priv-1"),
					ttlv.Text(ttlv.TagPublicKeyUniqueIdentifier, "pub-1"),
				),
			),
		)
	})

	loc, err := createKeyPair(context.Background(), client, testParams(), 2048)
	test.AssertNotError(t, err, "createKeyPair")

	privID, pubID, err := decodeLocator(loc)
	test.AssertNotError(t, err, "decodeLocator")
	test.AssertEquals(t, privID, "priv-1", "private key id")
	test.AssertEquals(t, pubID, "pub-1", "public key id")
}

func TestRoundTripRejectsOversizedResponse(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	fakeServer(t, server, func(req ttlv.Item) ttlv.Item {
		return ttlv.Structure(ttlv.TagResponseMessage,
			ttlv.Bytes(ttlv.TagData, make([]byte, 256)),
		)
	})

	params := testParams()
	params.MaxResponseBytes = 16

	_, err := roundTrip(context.Background(), client, params, ttlv.Structure(ttlv.TagRequestMessage))
	test.AssertError(t, err, "oversized response should be rejected")
	test.AssertErrorIs(t, err, signererrors.ErrProtocolError)
}

func TestBuildTLSConfigInsecure(t *testing.T) {
	cfg, err := buildTLSConfig(signer.KmipParams{Host: "kms.internal", Insecure: true})
	test.AssertNotError(t, err, "buildTLSConfig")
	test.AssertTrue(t, cfg.InsecureSkipVerify, "insecure should disable verification")
	test.AssertEquals(t, cfg.ServerName, "kms.internal", "server name")
}

// TestRawTCPRoundTrip exercises the TTLV codec over an actual TCP
// socket pair (rather than net.Pipe's synchronous in-memory conn), the
// way a real KMIP session behaves under partial reads.
func TestRawTCPRoundTrip(t *testing.T) {
	ln, err := nettest.NewLocalListener("tcp")
	test.AssertNotError(t, err, "nettest.NewLocalListener")
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		fakeServer(t, conn, func(req ttlv.Item) ttlv.Item {
			return successResponse("raw-tcp-ok")
		})
	}()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
	test.AssertNotError(t, err, "dial")
	defer conn.Close()

	resp, err := roundTrip(context.Background(), conn, testParams(), ttlv.Structure(ttlv.TagRequestMessage))
	test.AssertNotError(t, err, "roundTrip")
	item, err := firstBatchItem(resp)
	test.AssertNotError(t, err, "firstBatchItem")
	payload, ok := item.Find(ttlv.TagResponsePayload)
	test.AssertTrue(t, ok, "response payload present")
	id, ok := payload.Find(ttlv.TagUniqueIdentifier)
	test.AssertTrue(t, ok, "unique identifier present")
	test.AssertEquals(t, id.String(), "raw-tcp-ok", "unique identifier value")
}

func queryResponse(ops []int32, objTypes []int32) ttlv.Item {
	var items []ttlv.Item
	items = append(items, ttlv.Enum(ttlv.TagResultStatus, resultStatusSuccess))
	var payloadItems []ttlv.Item
	for _, op := range ops {
		payloadItems = append(payloadItems, ttlv.Enum(ttlv.TagOperation, op))
	}
	for _, ot := range objTypes {
		payloadItems = append(payloadItems, ttlv.Enum(ttlv.TagObjectType, ot))
	}
	items = append(items, ttlv.Structure(ttlv.TagResponsePayload, payloadItems...))
	return ttlv.Structure(ttlv.TagResponseMessage, ttlv.Structure(ttlv.TagBatchItem, items...))
}

func TestQueryServerCapabilitiesFullySupported(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	fakeServer(t, server, func(req ttlv.Item) ttlv.Item {
		return queryResponse(
			[]int32{opCreateKeyPair, opSign, opDestroy},
			[]int32{objectTypePublicKey, objectTypePrivateKey},
		)
	})

	caps, err := queryServerCapabilities(context.Background(), client, testParams())
	test.AssertNotError(t, err, "queryServerCapabilities")
	test.AssertTrue(t, caps.CanGenerateRSA2048, "CanGenerateRSA2048")
	test.AssertTrue(t, caps.CanSignSHA256RSA, "CanSignSHA256RSA")
	test.AssertTrue(t, caps.CanDestroyKey, "CanDestroyKey")
	test.AssertTrue(t, !caps.SupportsRandom, "SupportsRandom should always be false")
}

// TestQueryServerCapabilitiesNoRSASupport covers spec scenario S6: a
// server whose Query response omits the key object types still reports
// CreateKeyPair as an operation it supports, but CanGenerateRSA2048
// must come back false since it can't actually mint an RSA key pair
// without both object types.
func TestQueryServerCapabilitiesNoRSASupport(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	fakeServer(t, server, func(req ttlv.Item) ttlv.Item {
		return queryResponse(
			[]int32{opCreateKeyPair, opSign, opDestroy},
			nil,
		)
	})

	caps, err := queryServerCapabilities(context.Background(), client, testParams())
	test.AssertNotError(t, err, "queryServerCapabilities")
	test.AssertTrue(t, !caps.CanGenerateRSA2048, "CanGenerateRSA2048 should be false without key object types")
	test.AssertTrue(t, caps.CanSignSHA256RSA, "CanSignSHA256RSA")
	test.AssertTrue(t, caps.CanDestroyKey, "CanDestroyKey")
}

func TestQueryServerCapabilitiesSurfacesFailure(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	fakeServer(t, server, func(req ttlv.Item) ttlv.Item {
		return failureResponse(reasonPermissionDenied, "Query not permitted")
	})

	_, err := queryServerCapabilities(context.Background(), client, testParams())
	test.AssertError(t, err, "queryServerCapabilities should surface a permission failure")
}
