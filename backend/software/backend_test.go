package software

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	signererrors "github.com/rpkica/signer/errors"
	"github.com/rpkica/signer/internal/test"
	"github.com/rpkica/signer/log"
	"github.com/rpkica/signer/signer"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	dir := t.TempDir()
	b, err := New(filepath.Join(dir, "keys"), log.NewMock())
	test.AssertNotError(t, err, "New")
	return b
}

func TestSignatureVerifiesAgainstPublicKey(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	loc, err := b.GenerateRSAKey(ctx, signer.DefaultRSABits)
	test.AssertNotError(t, err, "GenerateRSAKey")

	digest := sha256.Sum256([]byte("rpki object bytes"))
	sig, err := b.Sign(ctx, loc, digest[:], signer.SignAlgRSASHA256)
	test.AssertNotError(t, err, "Sign")

	info, err := b.PublicKeyInfo(ctx, loc)
	test.AssertNotError(t, err, "PublicKeyInfo")
	pub := info.Public.(*rsa.PublicKey)

	err = rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig)
	test.AssertNotError(t, err, "signature must verify")
}

func TestDestroyKeyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	loc, err := b.GenerateRSAKey(ctx, signer.DefaultRSABits)
	test.AssertNotError(t, err, "GenerateRSAKey")

	test.AssertNotError(t, b.DestroyKey(ctx, loc), "first destroy")
	test.AssertNotError(t, b.DestroyKey(ctx, loc), "second destroy")

	_, err = b.PublicKeyInfo(ctx, loc)
	test.AssertErrorIs(t, err, signererrors.ErrKeyNotFound, "destroyed key should be KeyNotFound")
}

func TestCorruptKeyFileSurfacesKeyCorrupt(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	err := os.WriteFile(filepath.Join(b.dir, "broken.key"), []byte("not a pem file"), 0o600)
	test.AssertNotError(t, err, "writing garbage key file")

	_, err = b.PublicKeyInfo(ctx, "broken.key")
	test.AssertErrorIs(t, err, signererrors.ErrKeyCorrupt, "corrupt key file should be KeyCorrupt")
}

func TestRandomReturnsRequestedLength(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	buf, err := b.Random(ctx, 32)
	test.AssertNotError(t, err, "Random")
	test.AssertEquals(t, len(buf), 32, "random byte count")
}
