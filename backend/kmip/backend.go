package kmip

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"net"

	"github.com/jmhodges/clock"

	signererrors "github.com/rpkica/signer/errors"
	"github.com/rpkica/signer/log"
	"github.com/rpkica/signer/retry"
	"github.com/rpkica/signer/signer"
)

// Backend is the KMIP signer backend. One Backend owns one connection
// pool against one configured server.
type Backend struct {
	name string
	params signer.KmipParams
	pool *pool
	policy retry.Policy
	log log.Logger
}

// New dials nothing eagerly; the pool opens connections lazily on first
// checkout.
func New(name string, params signer.KmipParams, logger log.Logger) (*Backend, error) {
	dial, err := dialTLS(params)
	if err != nil {
		return nil, signererrors.Wrap(signererrors.ConfigInvalid, name, "building KMIP TLS config", err)
	}
	p := newPool(params, logger, clock.New(), dial)
	return &Backend{
		name: name,
		params: params,
		pool: p,
		policy: retry.NewPolicy(params.RetrySeconds, params.BackoffMultiplier, params.MaxRetrySeconds, nil),
		log: logger,
	}, nil
}

func (b *Backend) Kind() signer.Kind { return signer.KindKmip }

// withConn checks out a connection, runs fn, and checks the connection
// back in afterwards, all under the backend's retry policy. Only a
// ProtocolError or an unclassified (transport) error discards the
// connection; other failures return it to the pool. The health check
// issues DiscoverVersions on
// connections that have sat idle past half their max idle time.
func (b *Backend) withConn(ctx context.Context, fn func(net.Conn) error) error {
	return b.policy.Do(ctx, func() error {
		c, err := b.pool.checkout(ctx, func(nc net.Conn) error {
			return discoverVersions(ctx, nc, b.params)
		})
		if err != nil {
			return err
		}

		opErr := fn(c.nc)
		if opErr == nil {
			b.pool.checkin(c)
			return nil
		}

		if isProtocolError(opErr) {
			b.pool.discard(c)
			return opErr
		}
		if kind, ok := signererrors.TypeOf(opErr); ok && kind == signererrors.AuthFailed {
			b.pool.checkin(c)
			return retry.Permanent(opErr)
		}
		b.pool.checkin(c)
		return opErr
	})
}

func isProtocolError(err error) bool {
	kind, ok := signererrors.TypeOf(err)
	if ok {
		return kind == signererrors.ProtocolError
	}
	// An unclassified error at this layer is a transport fault (a
	// network read/write error, not a KMIP-level rejection); the
	// connection that produced it cannot be trusted for reuse.
	return true
}

// GenerateRSAKey issues CreateKeyPair and returns this backend's
// composite locator.
func (b *Backend) GenerateRSAKey(ctx context.Context, bits int) (signer.Locator, error) {
	if bits <= 0 {
		bits = signer.DefaultRSABits
	}
	var loc signer.Locator
	err := b.withConn(ctx, func(nc net.Conn) error {
		l, err := createKeyPair(ctx, nc, b.params, bits)
		if err != nil {
			return err
		}
		loc = l
		return nil
	})
	if err != nil {
		return "", wrapOpErr(err, b.name, "generating RSA key pair")
	}
	return loc, nil
}

// PublicKeyInfo retrieves the public key object in X.509 (PKIX DER)
// format and parses it back into an rsa.PublicKey.
func (b *Backend) PublicKeyInfo(ctx context.Context, loc signer.Locator) (signer.PublicKeyInfo, error) {
	_, pubID, err := decodeLocator(loc)
	if err != nil {
		return signer.PublicKeyInfo{}, signererrors.Wrap(signererrors.KeyCorrupt, b.name, "decoding locator", err)
	}

	var der []byte
	err = b.withConn(ctx, func(nc net.Conn) error {
		d, err := getPublicKey(ctx, nc, b.params, pubID)
		if err != nil {
			return err
		}
		der = d
		return nil
	})
	if err != nil {
		return signer.PublicKeyInfo{}, wrapOpErr(err, b.name, "reading public key")
	}

	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return signer.PublicKeyInfo{}, signererrors.Wrap(signererrors.KeyCorrupt, b.name, "parsing public key", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return signer.PublicKeyInfo{}, signererrors.New(signererrors.KeyCorrupt, b.name, "KMIP server returned a non-RSA public key")
	}
	return signer.PublicKeyInfo{Algorithm: "RSA", BitSize: rsaPub.N.BitLen(), Public: rsaPub, DER: der}, nil
}

// Sign signs an already-hashed digest with the private key half of loc.
func (b *Backend) Sign(ctx context.Context, loc signer.Locator, digest []byte, algo signer.SignAlgorithm) ([]byte, error) {
	if algo != signer.SignAlgRSASHA256 {
		return nil, signererrors.Newf(signererrors.CapabilityMissing, b.name, "unsupported algorithm %q", algo)
	}
	if len(digest) != sha256.Size {
		return nil, signererrors.New(signererrors.KeyCorrupt, b.name, "digest is not a SHA-256 hash")
	}
	privID, _, err := decodeLocator(loc)
	if err != nil {
		return nil, signererrors.Wrap(signererrors.KeyCorrupt, b.name, "decoding locator", err)
	}

	var sig []byte
	err = b.withConn(ctx, func(nc net.Conn) error {
		s, err := signDigest(ctx, nc, b.params, privID, digest)
		if err != nil {
			return err
		}
		sig = s
		return nil
	})
	if err != nil {
		return nil, wrapOpErr(err, b.name, "signing")
	}
	return sig, nil
}

// DestroyKey destroys both the private and public key objects. Each
// half is destroyed independently and a missing half does not abort
// destruction of the other.
func (b *Backend) DestroyKey(ctx context.Context, loc signer.Locator) error {
	privID, pubID, err := decodeLocator(loc)
	if err != nil {
		return signererrors.Wrap(signererrors.KeyCorrupt, b.name, "decoding locator", err)
	}

	err = b.withConn(ctx, func(nc net.Conn) error {
		if err := destroyObject(ctx, nc, b.params, privID); err != nil {
			return err
		}
		return destroyObject(ctx, nc, b.params, pubID)
	})
	if err != nil {
		return wrapOpErr(err, b.name, "destroying key")
	}
	return nil
}

// Random is not part of the KMIP v1.2 baseline operation set this
// backend implements; servers that support RNG Retrieve would need a
// vendor extension this module does not model. ProbeCapabilities always
// reports SupportsRandom=false for KMIP, so callers should never reach
// here in practice.
func (b *Backend) Random(ctx context.Context, n int) ([]byte, error) {
	return nil, signererrors.New(signererrors.CapabilityMissing, b.name, "KMIP backend does not support Random")
}

// ProbeCapabilities issues a Query request and derives the reported
// capability flags from its response: a server whose Query claims no
// CreateKeyPair/key-object support comes back with CanGenerateRSA2048
// false, and so on. A failed query is still surfaced as an error unless
// params.Force is set, in which case a fixed optimistic capability set
// is reported anyway and the caller decides whether to use the signer.
func (b *Backend) ProbeCapabilities(ctx context.Context) (signer.Capabilities, error) {
	var caps signer.Capabilities
	err := b.withConn(ctx, func(nc net.Conn) error {
		c, err := queryServerCapabilities(ctx, nc, b.params)
		if err != nil {
			return err
		}
		caps = c
		return nil
	})
	if err != nil {
		if !b.params.Force {
			return signer.Capabilities{}, wrapOpErr(err, b.name, "probing KMIP capabilities")
		}
		b.log.Warningf("kmip: signer %q: capability query failed but force=true, reporting capabilities anyway: %s", b.name, err)
		return signer.Capabilities{
			CanGenerateRSA2048: true,
			CanSignSHA256RSA: true,
			CanDestroyKey: true,
			SupportsRandom: false,
			MaxRSABits: 4096,
		}, nil
	}
	return caps, nil
}

// Close closes every pooled connection.
func (b *Backend) Close() error {
	b.pool.closeAll()
	return nil
}

func wrapOpErr(err error, name, msg string) error {
	if _, ok := signererrors.TypeOf(err); ok {
		return err
	}
	return signererrors.Wrap(signererrors.SignerUnavailable, name, msg, err)
}

var _ signer.Backend = (*Backend)(nil)
