// Package pkcs11 implements the PKCS#11 Backend: dynamic
// driver load, session/slot management, login, object lifecycle, and
// retries against a PKCS#11 v2.20 Cryptoki token.
//
// Built directly on github.com/miekg/pkcs11 rather than a higher-level
// crypto.Signer-only wrapper library, since this backend needs the full
// object lifecycle -- create, search-by-CKA_ID, destroy -- not just
// signing against a pre-existing key (see DESIGN.md for the rationale).
package pkcs11

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/miekg/pkcs11"

	signererrors "github.com/rpkica/signer/errors"
	"github.com/rpkica/signer/log"
	"github.com/rpkica/signer/retry"
	"github.com/rpkica/signer/signer"
)

// Backend is the PKCS#11 signer backend. One Backend owns one session
// pool against one resolved slot; its underlying driver handle may be
// shared with other Backends configured against the same lib_path (see
// driver.go).
type Backend struct {
	name string
	libPath string
	ctx *pkcs11.Ctx
	slot uint
	pool *sessionPool
	policy retry.Policy
	log log.Logger
}

// New loads the driver at params.LibPath (or reuses the process-wide
// handle already loaded for it), resolves the configured slot by
// numeric id or label, and returns a ready Backend. The returned
// Backend does not yet hold any sessions; they are opened lazily on
// first use.
func New(name string, params signer.Pkcs11Params, logger log.Logger) (*Backend, error) {
	ctx, err := acquireDriver(params.LibPath)
	if err != nil {
		return nil, signererrors.Wrap(signererrors.SignerUnavailable, name, "loading PKCS#11 driver", err)
	}

	slots, err := ctx.GetSlotList(true)
	if err != nil {
		releaseDriver(params.LibPath)
		return nil, signererrors.Wrap(signererrors.SignerUnavailable, name, "listing PKCS#11 slots", err)
	}

	slot, err := resolveSlot(ctx, slots, params.Slot)
	if err != nil {
		releaseDriver(params.LibPath)
		return nil, signererrors.Wrap(signererrors.ConfigInvalid, name, "resolving PKCS#11 slot", err)
	}

	pool := newSessionPool(ctx, slot, params.Login, params.UserPIN)

	return &Backend{
		name: name,
		libPath: params.LibPath,
		ctx: ctx,
		slot: slot,
		pool: pool,
		policy: retry.NewPolicy(params.RetrySeconds, params.BackoffMultiplier, params.MaxRetrySeconds, nil),
		log: logger,
	}, nil
}

// resolveSlot interprets spec in the order §4.3 describes: a numeric id
// (decimal or 0x-prefixed hex) first, and only if that parse fails, a
// label match against every slot's token label, failing with
// SlotNotFound if none match exactly.
func resolveSlot(ctx *pkcs11.Ctx, slots []uint, spec string) (uint, error) {
	if n, err := strconv.ParseUint(strings.TrimPrefix(spec, "0x"), hexOrDecBase(spec), 64); err == nil {
		for _, s := range slots {
			if uint64(s) == n {
				return s, nil
			}
		}
		return 0, fmt.Errorf("no slot with id %d present", n)
	}

	for _, s := range slots {
		info, err := ctx.GetTokenInfo(s)
		if err != nil {
			continue
		}
		if strings.TrimRight(info.Label, "\x00 ") == spec {
			return s, nil
		}
	}
	return 0, signererrors.New(signererrors.ConfigInvalid, "", fmt.Sprintf("no slot labeled %q found (SlotNotFound)", spec))
}

func hexOrDecBase(spec string) int {
	if strings.HasPrefix(spec, "0x") || strings.HasPrefix(spec, "0X") {
		return 16
	}
	return 10
}

func (b *Backend) Kind() signer.Kind { return signer.KindPkcs11 }

// withSession checks out a session, runs fn, and checks the session
// back in on success or discards it if fn reports the session was lost.
// All fallible PKCS#11 calls go through the retry policy.
func (b *Backend) withSession(ctx context.Context, fn func(pkcs11.SessionHandle) error) error {
	return b.policy.Do(ctx, func() error {
		sh, err := b.pool.checkout(ctx)
		if err != nil {
			return err
		}

		opErr := fn(sh)
		if opErr == nil {
			b.pool.checkin(sh)
			return nil
		}

		if isSessionLost(opErr) {
			b.pool.discard(sh)
			// Re-login/reopen happens transparently on the next
			// checkout; this error is transient, so allow retry.
			return opErr
		}
		b.pool.checkin(sh)

		if isTerminal(opErr) {
			return retry.Permanent(classifyTerminal(opErr, b.name))
		}
		return opErr
	})
}

func classifyTerminal(err error, name string) error {
	if pErr, ok := err.(pkcs11.Error); ok {
		switch pErr {
		case pkcs11.CKR_PIN_INCORRECT, pkcs11.CKR_PIN_INVALID, pkcs11.CKR_PIN_LOCKED, pkcs11.CKR_USER_NOT_LOGGED_IN:
			return signererrors.Wrap(signererrors.AuthFailed, name, "authentication failed", err)
		}
	}
	return signererrors.Wrap(signererrors.CapabilityMissing, name, "terminal PKCS#11 error", err)
}

// rsaPublicTemplate and rsaPrivateTemplate build token-resident object
// templates keyed by a shared random CKA_ID that doubles as this key's
// Locator; only the private template sets CKA_PRIVATE=true.
func rsaPublicTemplate(id []byte, bits int) []*pkcs11.Attribute {
	return []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS_BITS, bits),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, []byte{0x01, 0x00, 0x01}),
		pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
	}
}

func rsaPrivateTemplate(id []byte) []*pkcs11.Attribute {
	return []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, false),
	}
}

// GenerateRSAKey creates a token-resident RSA key pair under a fresh
// random 128-bit CKA_ID and returns that id as the Locator.
func (b *Backend) GenerateRSAKey(ctx context.Context, bits int) (signer.Locator, error) {
	if bits <= 0 {
		bits = signer.DefaultRSABits
	}
	idBytes := uuid.New() // 128 bits of randomness, reused as CKA_ID
	id := idBytes[:]

	err := b.withSession(ctx, func(sh pkcs11.SessionHandle) error {
		_, _, err := b.ctx.GenerateKeyPair(sh,
			[]*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_KEY_PAIR_GEN, nil)},
			rsaPublicTemplate(id, bits),
			rsaPrivateTemplate(id),
		)
		return err
	})
	if err != nil {
		return "", wrapOpErr(err, b.name, "generating RSA key pair")
	}
	return signer.Locator(fmt.Sprintf("%x", id)), nil
}

// findObjectByID searches for exactly one object of class matching id
// within an already-checked-out session.
func (b *Backend) findObjectByID(sh pkcs11.SessionHandle, class uint, id []byte) (pkcs11.ObjectHandle, error) {
	tmpl := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
	}
	if err := b.ctx.FindObjectsInit(sh, tmpl); err != nil {
		return 0, err
	}
	defer b.ctx.FindObjectsFinal(sh)

	handles, _, err := b.ctx.FindObjects(sh, 2)
	if err != nil {
		return 0, err
	}
	if len(handles) == 0 {
		return 0, signererrors.New(signererrors.KeyNotFound, b.name, "no object with that CKA_ID")
	}
	if len(handles) != 1 {
		return 0, signererrors.New(signererrors.KeyCorrupt, b.name, "multiple objects share a CKA_ID")
	}
	return handles[0], nil
}

func idBytesFromLocator(loc signer.Locator) ([]byte, error) {
	id, err := hex.DecodeString(string(loc))
	if err != nil || len(id) == 0 {
		return nil, fmt.Errorf("malformed CKA_ID locator %q: %w", loc, err)
	}
	return id, nil
}

// PublicKeyInfo reads the CKA_MODULUS/CKA_PUBLIC_EXPONENT attributes of
// the public key object sharing loc's CKA_ID and reconstructs an
// rsa.PublicKey.
func (b *Backend) PublicKeyInfo(ctx context.Context, loc signer.Locator) (signer.PublicKeyInfo, error) {
	id, err := idBytesFromLocator(loc)
	if err != nil {
		return signer.PublicKeyInfo{}, signererrors.Wrap(signererrors.KeyCorrupt, b.name, "decoding locator", err)
	}

	var pub rsa.PublicKey
	pub.N = big.NewInt(0)
	err = b.withSession(ctx, func(sh pkcs11.SessionHandle) error {
		obj, err := b.findObjectByID(sh, pkcs11.CKO_PUBLIC_KEY, id)
		if err != nil {
			return err
		}
		attrs, err := b.ctx.GetAttributeValue(sh, obj, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
			pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, nil),
		})
		if err != nil {
			return err
		}
		for _, a := range attrs {
			switch a.Type {
			case pkcs11.CKA_MODULUS:
				pub.N.SetBytes(a.Value)
			case pkcs11.CKA_PUBLIC_EXPONENT:
				pub.E = int(new(big.Int).SetBytes(a.Value).Int64())
			}
		}
		return nil
	})
	if err != nil {
		return signer.PublicKeyInfo{}, wrapOpErr(err, b.name, "reading public key")
	}

	der, err := x509.MarshalPKIXPublicKey(&pub)
	if err != nil {
		return signer.PublicKeyInfo{}, signererrors.Wrap(signererrors.KeyCorrupt, b.name, "marshaling public key", err)
	}
	return signer.PublicKeyInfo{Algorithm: "RSA", BitSize: pub.N.BitLen(), Public: &pub, DER: der}, nil
}

// pkcs1Sha256Prefix is the DER prefix for a SHA-256 DigestInfo, prepended
// to the raw hash for CKM_RSA_PKCS per PKCS#1 v1.5.
var pkcs1Sha256Prefix = []byte{0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20}

func (b *Backend) Sign(ctx context.Context, loc signer.Locator, digest []byte, algo signer.SignAlgorithm) ([]byte, error) {
	if algo != signer.SignAlgRSASHA256 {
		return nil, signererrors.Newf(signererrors.CapabilityMissing, b.name, "unsupported algorithm %q", algo)
	}
	if len(digest) != sha256.Size {
		return nil, signererrors.New(signererrors.KeyCorrupt, b.name, "digest is not a SHA-256 hash")
	}
	id, err := idBytesFromLocator(loc)
	if err != nil {
		return nil, signererrors.Wrap(signererrors.KeyCorrupt, b.name, "decoding locator", err)
	}

	toSign := append(append([]byte{}, pkcs1Sha256Prefix...), digest...)

	var sig []byte
	err = b.withSession(ctx, func(sh pkcs11.SessionHandle) error {
		obj, err := b.findObjectByID(sh, pkcs11.CKO_PRIVATE_KEY, id)
		if err != nil {
			return err
		}
		if err := b.ctx.SignInit(sh, []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)}, obj); err != nil {
			return err
		}
		s, err := b.ctx.Sign(sh, toSign)
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

// DestroyKey removes both the private and public key objects sharing
// loc's CKA_ID. Idempotent: a missing object is not an error.
func (b *Backend) DestroyKey(ctx context.Context, loc signer.Locator) error {
	id, err := idBytesFromLocator(loc)
	if err != nil {
		return signererrors.Wrap(signererrors.KeyCorrupt, b.name, "decoding locator", err)
	}

	err = b.withSession(ctx, func(sh pkcs11.SessionHandle) error {
		for _, class := range []uint{pkcs11.CKO_PRIVATE_KEY, pkcs11.CKO_PUBLIC_KEY} {
			obj, err := b.findObjectByID(sh, class, id)
			if err != nil {
				if kind, ok := signererrors.TypeOf(err); ok && kind == signererrors.KeyNotFound {
					continue
				}
				return err
			}
			if err := b.ctx.DestroyObject(sh, obj); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrapOpErr(err, b.name, "destroying key")
	}
	return nil
}

// Random draws bytes from the token's on-board RNG via C_GenerateRandom.
// It does not check the CKF_RNG flag itself; ProbeCapabilities reports
// that flag as SupportsRandom.
func (b *Backend) Random(ctx context.Context, n int) ([]byte, error) {
	var buf []byte
	err := b.withSession(ctx, func(sh pkcs11.SessionHandle) error {
		b2, err := b.ctx.GenerateRandom(sh, n)
		if err != nil {
			return err
		}
		buf = b2
		return nil
	})
	if err != nil {
		return nil, wrapOpErr(err, b.name, "reading random bytes")
	}
	return buf, nil
}

// ProbeCapabilities queries the token's flags to determine which
// primitives it supports. PKCS#11 tokens do not have a single capability
// query call, so this is inferred from mechanism list and token flags,
// the same inference other HSM-facing code in the pack performs.
func (b *Backend) ProbeCapabilities(ctx context.Context) (signer.Capabilities, error) {
	caps := signer.Capabilities{}

	err := b.withSession(ctx, func(sh pkcs11.SessionHandle) error {
		info, err := b.ctx.GetTokenInfo(b.slot)
		if err != nil {
			return err
		}
		caps.SupportsRandom = info.Flags&pkcs11.CKF_RNG != 0

		mechs, err := b.ctx.GetMechanismList(b.slot)
		if err != nil {
			return err
		}
		maxBits := 0
		for _, m := range mechs {
			if m.Mechanism == pkcs11.CKM_RSA_PKCS_KEY_PAIR_GEN {
				info, err := b.ctx.GetMechanismInfo(b.slot, []*pkcs11.Mechanism{pkcs11.NewMechanism(m.Mechanism, nil)})
				if err == nil && int(info.MaxKeySize) > maxBits {
					maxBits = int(info.MaxKeySize)
				}
				caps.CanGenerateRSA2048 = true
			}
			if m.Mechanism == pkcs11.CKM_RSA_PKCS {
				caps.CanSignSHA256RSA = true
			}
		}
		caps.CanDestroyKey = true
		caps.SupportsModifyAttribute = true
		if maxBits == 0 {
			maxBits = signer.DefaultRSABits
		}
		caps.MaxRSABits = maxBits
		return nil
	})
	if err != nil {
		return signer.Capabilities{}, wrapOpErr(err, b.name, "probing capabilities")
	}
	return caps, nil
}

// Close closes every pooled session and releases this Backend's
// reference on the shared driver handle, finalizing it if this was the
// last reference.
func (b *Backend) Close() error {
	b.pool.closeAll()
	return releaseDriver(b.libPath)
}

func wrapOpErr(err error, name, msg string) error {
	if _, ok := signererrors.TypeOf(err); ok {
		return err // already classified (e.g. by classifyTerminal or findObjectByID)
	}
	return signererrors.Wrap(signererrors.SignerUnavailable, name, msg, err)
}

var _ signer.Backend = (*Backend)(nil)
