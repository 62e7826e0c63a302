package kmip

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/rpkica/signer/backend/kmip/ttlv"
	signererrors "github.com/rpkica/signer/errors"
	"github.com/rpkica/signer/signer"
)

// KMIP v1.2 operation codes and enumerations this backend issues,
// reproduced from the published KMIP v1.2 protocol specification
// (§9.1.3.2.24's operation/enumeration tables), not from any vendor SDK.
const (
	opCreateKeyPair int32 = 0x02
	opGet int32 = 0x0A
	opDestroy int32 = 0x0B
	opQuery int32 = 0x18
	opSign int32 = 0x21
	opDiscoverVersions int32 = 0x1E

	resultStatusSuccess int32 = 0x00

	cryptoAlgRSA int32 = 0x04

	usageMaskSign int32 = 0x00000001
	usageMaskVerify int32 = 0x00000002

	credTypeUsernamePassword int32 = 0x01

	keyFormatX509 int32 = 0x05

	// QueryFunction enumeration: which categories of server information
	// a Query request asks for. This backend only ever asks for the two
	// needed to derive its capability flags.
	queryFunctionOperations int32 = 0x01
	queryFunctionObjects int32 = 0x02

	// ObjectType enumeration, the subset a capability query inspects.
	objectTypePublicKey int32 = 0x03
	objectTypePrivateKey int32 = 0x04

	// KMIP v1.2 ResultReason enumeration, the subset
	// this backend distinguishes between.
	reasonItemNotFound int32 = 0x01
	reasonAuthenticationNotSuccessful int32 = 0x03
	reasonPermissionDenied int32 = 0x0C
)

// buildTLSConfig applies the configured trust and identity options:
// optional server trust anchor, optional mTLS client identity, and the
// test-only insecure escape hatch.
func buildTLSConfig(params signer.KmipParams) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName: params.Host,
		InsecureSkipVerify: params.Insecure,
		MinVersion: tls.VersionTLS12,
	}

	if params.ServerCACertPath != "" {
		pem, err := os.ReadFile(params.ServerCACertPath)
		if err != nil {
			return nil, fmt.Errorf("reading server_ca_cert_path: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from server_ca_cert_path")
		}
		cfg.RootCAs = pool
	}
	if params.ServerCertPath != "" {
		pem, err := os.ReadFile(params.ServerCertPath)
		if err != nil {
			return nil, fmt.Errorf("reading server_cert_path: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from server_cert_path")
		}
		cfg.RootCAs = pool
	}
	if params.ClientCertPath != "" {
		cert, err := tls.LoadX509KeyPair(params.ClientCertPath, params.ClientCertPrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// credential builds the optional application-layer credential structure
//.
func credential(params signer.KmipParams) []ttlv.Item {
	if params.Username == "" {
		return nil
	}
	return []ttlv.Item{
		ttlv.Structure(ttlv.TagCredential,
			ttlv.Enum(ttlv.TagCredentialType, credTypeUsernamePassword),
			ttlv.Structure(ttlv.TagCredentialValue,
				ttlv.Text(ttlv.TagUsername, params.Username),
				ttlv.Text(ttlv.TagPassword, params.Password),
			),
		),
	}
}

func requestHeader(params signer.KmipParams, batchCount int32) ttlv.Item {
	children := []ttlv.Item{
		ttlv.Structure(ttlv.TagProtocolVersion,
			ttlv.Integer(ttlv.TagProtocolVersionMajor, 1),
			ttlv.Integer(ttlv.TagProtocolVersionMinor, 2),
		),
	}
	children = append(children, credential(params)...)
	children = append(children, ttlv.Integer(ttlv.TagBatchCount, batchCount))
	return ttlv.Structure(ttlv.TagRequestHeader, children...)
}

// roundTrip writes req over nc (honoring write/read timeouts) and
// returns the decoded response, enforcing the response-size cap:
// responses larger than max_response_bytes are rejected with a
// ProtocolError, on which withConn discards the connection.
func roundTrip(ctx context.Context, nc net.Conn, params signer.KmipParams, req ttlv.Item) (ttlv.Item, error) {
	if err := ctx.Err(); err != nil {
		return ttlv.Item{}, err
	}
	encoded, err := ttlv.Marshal(req)
	if err != nil {
		return ttlv.Item{}, fmt.Errorf("encoding KMIP request: %w", err)
	}

	if err := nc.SetWriteDeadline(time.Now().Add(time.Duration(params.WriteTimeoutSeconds) * time.Second)); err != nil {
		return ttlv.Item{}, err
	}
	if _, err := nc.Write(encoded); err != nil {
		return ttlv.Item{}, err
	}

	if err := nc.SetReadDeadline(time.Now().Add(time.Duration(params.ReadTimeoutSeconds) * time.Second)); err != nil {
		return ttlv.Item{}, err
	}

	return readResponse(nc, params.MaxResponseBytes)
}

// readResponse reads one TTLV item's 8-byte header to learn its total
// size before reading the body, so an oversized response is rejected
// without buffering it in full.
func readResponse(nc net.Conn, maxBytes int) (ttlv.Item, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(nc, header); err != nil {
		return ttlv.Item{}, fmt.Errorf("reading KMIP response header: %w", err)
	}
	length := int(binary.BigEndian.Uint32(header[4:8]))
	padded := length
	if padded%8 != 0 {
		padded += 8 - padded%8
	}
	if 8+padded > maxBytes {
		return ttlv.Item{}, signererrors.New(signererrors.ProtocolError, "", "KMIP response exceeded max_response_bytes")
	}

	body := make([]byte, padded)
	if padded > 0 {
		if _, err := io.ReadFull(nc, body); err != nil {
			return ttlv.Item{}, fmt.Errorf("reading KMIP response body: %w", err)
		}
	}

	resp, err := ttlv.Unmarshal(bytes.NewReader(append(header, body...)))
	if err != nil {
		return ttlv.Item{}, fmt.Errorf("decoding KMIP response: %w", err)
	}
	return resp, nil
}

// firstBatchItem extracts the single batch item this backend always
// expects (it never pipelines multiple operations per request) and
// checks its result status, surfacing a ProtocolError or an
// operation-specific error on failure.
func firstBatchItem(resp ttlv.Item) (ttlv.Item, error) {
	item, ok := resp.Find(ttlv.TagBatchItem)
	if !ok {
		return ttlv.Item{}, signererrors.New(signererrors.ProtocolError, "", "KMIP response has no batch item")
	}
	status, ok := item.Find(ttlv.TagResultStatus)
	if !ok {
		return ttlv.Item{}, signererrors.New(signererrors.ProtocolError, "", "KMIP response has no result status")
	}
	if status.Int32() != resultStatusSuccess {
		msg := ""
		if m, ok := item.Find(ttlv.TagResultMessage); ok {
			msg = m.String()
		}
		return ttlv.Item{}, classifyKMIPFailure(item, msg)
	}
	return item, nil
}

// classifyKMIPFailure maps a non-success result status/reason onto this
// module's error kinds: credential rejection is permanent,
// a missing object is KeyNotFound, and everything else is a retryable
// SignerUnavailable.
func classifyKMIPFailure(item ttlv.Item, msg string) error {
	reason, _ := item.Find(ttlv.TagResultReason)
	switch reason.Int32() {
	case reasonAuthenticationNotSuccessful, reasonPermissionDenied:
		return signererrors.New(signererrors.AuthFailed, "", msg)
	case reasonItemNotFound:
		return signererrors.New(signererrors.KeyNotFound, "", msg)
	default:
		return signererrors.New(signererrors.SignerUnavailable, "", msg)
	}
}

// isKeyNotFound reports whether err is this package's KeyNotFound kind,
// used by destroyObject to make Destroy idempotent per the Backend
// contract.
func isKeyNotFound(err error) bool {
	t, ok := signererrors.TypeOf(err)
	return ok && t == signererrors.KeyNotFound
}

// discoverVersions issues a zero-cost DiscoverVersions request, used as
// the health check for a checked-out connection that has sat idle past
// half its max idle time.
func discoverVersions(ctx context.Context, nc net.Conn, params signer.KmipParams) error {
	req := ttlv.Structure(ttlv.TagRequestMessage,
		requestHeader(params, 1),
		ttlv.Structure(ttlv.TagBatchItem,
			ttlv.Enum(ttlv.TagOperation, opDiscoverVersions),
			ttlv.Structure(ttlv.TagRequestPayload),
		),
	)
	resp, err := roundTrip(ctx, nc, params, req)
	if err != nil {
		return err
	}
	_, err = firstBatchItem(resp)
	return err
}

// queryServerCapabilities issues a Query request for the server's
// supported operations and object types, and derives this backend's
// capability flags from the actual response rather than assuming a
// fixed set: CanGenerateRSA2048 requires CreateKeyPair plus both the
// PublicKey and PrivateKey object types, CanSignSHA256RSA requires
// Sign, and CanDestroyKey requires Destroy. SupportsRandom is always
// false: RNG Retrieve is not part of this backend's modeled operation
// set, so there is no query result that could make it true.
func queryServerCapabilities(ctx context.Context, nc net.Conn, params signer.KmipParams) (signer.Capabilities, error) {
	req := ttlv.Structure(ttlv.TagRequestMessage,
		requestHeader(params, 1),
		ttlv.Structure(ttlv.TagBatchItem,
			ttlv.Enum(ttlv.TagOperation, opQuery),
			ttlv.Structure(ttlv.TagRequestPayload,
				ttlv.Enum(ttlv.TagQueryFunction, queryFunctionOperations),
				ttlv.Enum(ttlv.TagQueryFunction, queryFunctionObjects),
			),
		),
	)
	resp, err := roundTrip(ctx, nc, params, req)
	if err != nil {
		return signer.Capabilities{}, err
	}
	batchItem, err := firstBatchItem(resp)
	if err != nil {
		return signer.Capabilities{}, err
	}
	payload, ok := batchItem.Find(ttlv.TagResponsePayload)
	if !ok {
		return signer.Capabilities{}, signererrors.New(signererrors.ProtocolError, "", "Query response has no payload")
	}

	ops := map[int32]bool{}
	for _, item := range payload.FindAll(ttlv.TagOperation) {
		ops[item.Int32()] = true
	}
	objTypes := map[int32]bool{}
	for _, item := range payload.FindAll(ttlv.TagObjectType) {
		objTypes[item.Int32()] = true
	}

	return signer.Capabilities{
		CanGenerateRSA2048: ops[opCreateKeyPair] && objTypes[objectTypePublicKey] && objTypes[objectTypePrivateKey],
		CanSignSHA256RSA: ops[opSign],
		CanDestroyKey: ops[opDestroy],
		SupportsRandom: false,
		MaxRSABits: 4096,
	}, nil
}

// attribute wraps a single KMIP Attribute (name/value pair) the way
// CreateKeyPair's template attributes require.
func attribute(name string, value ttlv.Item) ttlv.Item {
	return ttlv.Structure(ttlv.TagAttribute,
		ttlv.Text(ttlv.TagAttributeName, name),
		ttlv.Structure(ttlv.TagAttributeValue, value),
	)
}

// createKeyPair issues CreateKeyPair for an RSA key of the given bit
// size and returns a locator encoding both object identifiers (the KMIP
// Unique Identifier of each half) KMIP hands back, since Sign/Get/Destroy
// each need one or the other.
func createKeyPair(ctx context.Context, nc net.Conn, params signer.KmipParams, bits int) (signer.Locator, error) {
	commonAttrs := ttlv.Structure(ttlv.TagCommonTemplateAttribute,
		attribute("Cryptographic Algorithm", ttlv.Enum(ttlv.TagCryptographicAlgorithm, cryptoAlgRSA)),
		attribute("Cryptographic Length", ttlv.Integer(ttlv.TagCryptographicLength, int32(bits))),
	)
	privateAttrs := ttlv.Structure(ttlv.TagPrivateKeyTemplateAttribute,
		attribute("Cryptographic Usage Mask", ttlv.Integer(ttlv.TagCryptographicUsageMask, usageMaskSign)),
	)
	publicAttrs := ttlv.Structure(ttlv.TagPublicKeyTemplateAttribute,
		attribute("Cryptographic Usage Mask", ttlv.Integer(ttlv.TagCryptographicUsageMask, usageMaskVerify)),
	)

	req := ttlv.Structure(ttlv.TagRequestMessage,
		requestHeader(params, 1),
		ttlv.Structure(ttlv.TagBatchItem,
			ttlv.Enum(ttlv.TagOperation, opCreateKeyPair),
			ttlv.Structure(ttlv.TagRequestPayload, commonAttrs, privateAttrs, publicAttrs),
		),
	)

	resp, err := roundTrip(ctx, nc, params, req)
	if err != nil {
		return "", err
	}
	batchItem, err := firstBatchItem(resp)
	if err != nil {
		return "", err
	}
	payload, ok := batchItem.Find(ttlv.TagResponsePayload)
	if !ok {
		return "", signererrors.New(signererrors.ProtocolError, "", "CreateKeyPair response has no payload")
	}
	privID, ok := payload.Find(ttlv.TagPrivateKeyUniqueIdentifier)
	if !ok {
		return "", signererrors.New(signererrors.ProtocolError, "", "CreateKeyPair response missing private key identifier")
	}
	pubID, ok := payload.Find(ttlv.TagPublicKeyUniqueIdentifier)
	if !ok {
		return "", signererrors.New(signererrors.ProtocolError, "", "CreateKeyPair response missing public key identifier")
	}
	return encodeLocator(privID.String(), pubID.String()), nil
}

// encodeLocator/decodeLocator pack the private and public Unique
// Identifiers KMIP assigns a key pair into this backend's opaque
// Locator, since the two are independent object ids with no derivable
// relationship.
func encodeLocator(privID, pubID string) signer.Locator {
	return signer.Locator(privID + "\x1f" + pubID)
}

func decodeLocator(loc signer.Locator) (privID, pubID string, err error) {
	s := string(loc)
	for i := 0; i < len(s); i++ {
		if s[i] == 0x1f {
			return s[:i], s[i+1:], nil
		}
	}
	return "", "", signererrors.New(signererrors.KeyNotFound, "", "malformed KMIP locator")
}

// getPublicKey retrieves the public key object at pubID in X.509
// (PKIX DER) format.
func getPublicKey(ctx context.Context, nc net.Conn, params signer.KmipParams, pubID string) ([]byte, error) {
	req := ttlv.Structure(ttlv.TagRequestMessage,
		requestHeader(params, 1),
		ttlv.Structure(ttlv.TagBatchItem,
			ttlv.Enum(ttlv.TagOperation, opGet),
			ttlv.Structure(ttlv.TagRequestPayload,
				ttlv.Text(ttlv.TagUniqueIdentifier, pubID),
				ttlv.Enum(ttlv.TagKeyFormatType, keyFormatX509),
			),
		),
	)
	resp, err := roundTrip(ctx, nc, params, req)
	if err != nil {
		return nil, err
	}
	batchItem, err := firstBatchItem(resp)
	if err != nil {
		return nil, err
	}
	payload, ok := batchItem.Find(ttlv.TagResponsePayload)
	if !ok {
		return nil, signererrors.New(signererrors.ProtocolError, "", "Get response has no payload")
	}
	data, ok := payload.Find(ttlv.TagData)
	if !ok {
		return nil, signererrors.New(signererrors.ProtocolError, "", "Get response missing key material")
	}
	return data.Bytes(), nil
}

// signDigest issues Sign against the already-hashed digest using the
// private key at privID.
func signDigest(ctx context.Context, nc net.Conn, params signer.KmipParams, privID string, digest []byte) ([]byte, error) {
	req := ttlv.Structure(ttlv.TagRequestMessage,
		requestHeader(params, 1),
		ttlv.Structure(ttlv.TagBatchItem,
			ttlv.Enum(ttlv.TagOperation, opSign),
			ttlv.Structure(ttlv.TagRequestPayload,
				ttlv.Text(ttlv.TagUniqueIdentifier, privID),
				ttlv.Structure(ttlv.TagCryptographicParameters,
					ttlv.Enum(ttlv.TagCryptographicAlgorithm, cryptoAlgRSA),
				),
				ttlv.Bytes(ttlv.TagDigestedData, digest),
			),
		),
	)
	resp, err := roundTrip(ctx, nc, params, req)
	if err != nil {
		return nil, err
	}
	batchItem, err := firstBatchItem(resp)
	if err != nil {
		return nil, err
	}
	payload, ok := batchItem.Find(ttlv.TagResponsePayload)
	if !ok {
		return nil, signererrors.New(signererrors.ProtocolError, "", "Sign response has no payload")
	}
	sig, ok := payload.Find(ttlv.TagSignatureData)
	if !ok {
		return nil, signererrors.New(signererrors.ProtocolError, "", "Sign response missing signature data")
	}
	return sig.Bytes(), nil
}

// destroyObject issues Destroy for a single Unique Identifier, treating
// Item_Not_Found as success.
func destroyObject(ctx context.Context, nc net.Conn, params signer.KmipParams, id string) error {
	req := ttlv.Structure(ttlv.TagRequestMessage,
		requestHeader(params, 1),
		ttlv.Structure(ttlv.TagBatchItem,
			ttlv.Enum(ttlv.TagOperation, opDestroy),
			ttlv.Structure(ttlv.TagRequestPayload,
				ttlv.Text(ttlv.TagUniqueIdentifier, id),
			),
		),
	)
	resp, err := roundTrip(ctx, nc, params, req)
	if err != nil {
		return err
	}
	_, err = firstBatchItem(resp)
	if err != nil && isKeyNotFound(err) {
		return nil
	}
	return err
}
