// Package software implements the Software Backend: on-host
// RSA key generation, SHA-256 RSA signing, and random byte generation,
// with keys persisted one-file-per-key under a configured directory.
//
// Built directly against stdlib crypto/x509 and crypto/rsa types,
// rather than a higher-level signing library.
package software

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	signererrors "github.com/rpkica/signer/errors"
	"github.com/rpkica/signer/log"
	"github.com/rpkica/signer/signer"
)

const (
	pemKeyBlockType = "RSA PRIVATE KEY"
	// lruCacheSize bounds the in-memory decoded-key cache.
	lruCacheSize = 64
)

// Backend is the Software signer backend. One Backend instance exists
// per configured signer; its in-memory key cache is scoped to that
// instance, satisfying "MUST NOT cache across configuration reload"
// since a reload constructs a fresh Backend.
type Backend struct {
	dir string
	log log.Logger

	mu sync.Mutex
	cache map[signer.Locator]*rsa.PrivateKey
	order []signer.Locator // LRU eviction order, most-recently-used at the end
}

// New constructs a Software backend rooted at dir, creating it with
// restrictive permissions if absent.
func New(dir string, logger log.Logger) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, signererrors.Wrap(signererrors.SignerUnavailable, "", "creating software key directory", err)
	}
	return &Backend{
		dir: dir,
		log: logger,
		cache: make(map[signer.Locator]*rsa.PrivateKey),
	}, nil
}

func (b *Backend) Kind() signer.Kind { return signer.KindSoftware }

// GenerateRSAKey creates a new RSA key pair and atomically persists it
// (write temp file + rename) under a freshly generated locator
// filename.
func (b *Backend) GenerateRSAKey(ctx context.Context, bits int) (signer.Locator, error) {
	if bits <= 0 {
		bits = signer.DefaultRSABits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return "", signererrors.Wrap(signererrors.SignerUnavailable, "", "generating RSA key", err)
	}

	loc := signer.Locator(uuid.NewString() + ".key")
	if err := b.writeKeyAtomic(loc, key); err != nil {
		return "", err
	}
	return loc, nil
}

// writeKeyAtomic encodes key as PKCS#1 DER inside a PEM block, writes it
// to a temp file in the same directory, and renames it into place so a
// crash mid-write never leaves a partial key file visible under the
// final locator name.
func (b *Backend) writeKeyAtomic(loc signer.Locator, key *rsa.PrivateKey) error {
	der := x509.MarshalPKCS1PrivateKey(key)
	block := &pem.Block{Type: pemKeyBlockType, Bytes: der}

	finalPath := filepath.Join(b.dir, string(loc))
	tmp, err := os.CreateTemp(b.dir, ".tmp-key-*")
	if err != nil {
		return signererrors.Wrap(signererrors.SignerUnavailable, "", "creating temp key file", err)
	}
	tmpPath := tmp.Name()

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return signererrors.Wrap(signererrors.SignerUnavailable, "", "chmod temp key file", err)
	}
	if err := pem.Encode(tmp, block); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return signererrors.Wrap(signererrors.SignerUnavailable, "", "writing key file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return signererrors.Wrap(signererrors.SignerUnavailable, "", "syncing key file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return signererrors.Wrap(signererrors.SignerUnavailable, "", "closing key file", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return signererrors.Wrap(signererrors.SignerUnavailable, "", "renaming key file into place", err)
	}

	b.cachePut(loc, key)
	return nil
}

func (b *Backend) loadKey(loc signer.Locator) (*rsa.PrivateKey, error) {
	if key, ok := b.cacheGet(loc); ok {
		return key, nil
	}

	path := filepath.Join(b.dir, string(loc))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, signererrors.New(signererrors.KeyNotFound, "", string(loc))
		}
		return nil, signererrors.Wrap(signererrors.SignerUnavailable, "", "reading key file", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, signererrors.New(signererrors.KeyCorrupt, "", string(loc))
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, signererrors.Wrap(signererrors.KeyCorrupt, "", string(loc), err)
	}

	b.cachePut(loc, key)
	return key, nil
}

func (b *Backend) cacheGet(loc signer.Locator) (*rsa.PrivateKey, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key, ok := b.cache[loc]
	if ok {
		b.touchLocked(loc)
	}
	return key, ok
}

func (b *Backend) cachePut(loc signer.Locator, key *rsa.PrivateKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.cache[loc]; !ok && len(b.cache) >= lruCacheSize {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.cache, oldest)
	}
	b.cache[loc] = key
	b.touchLocked(loc)
}

// touchLocked moves loc to the most-recently-used end of the eviction
// order. Caller must hold b.mu.
func (b *Backend) touchLocked(loc signer.Locator) {
	for i, l := range b.order {
		if l == loc {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	b.order = append(b.order, loc)
}

func (b *Backend) cacheEvict(loc signer.Locator) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cache, loc)
	for i, l := range b.order {
		if l == loc {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

func (b *Backend) PublicKeyInfo(ctx context.Context, loc signer.Locator) (signer.PublicKeyInfo, error) {
	key, err := b.loadKey(loc)
	if err != nil {
		return signer.PublicKeyInfo{}, err
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return signer.PublicKeyInfo{}, signererrors.Wrap(signererrors.KeyCorrupt, "", "marshaling public key", err)
	}
	return signer.PublicKeyInfo{
		Algorithm: "RSA",
		BitSize: key.N.BitLen(),
		Public: &key.PublicKey,
		DER: der,
	}, nil
}

// Sign loads the key at loc and signs digest, which must already be a
// SHA-256 hash for the only algorithm this module supports.
func (b *Backend) Sign(ctx context.Context, loc signer.Locator, digest []byte, algo signer.SignAlgorithm) ([]byte, error) {
	if algo != signer.SignAlgRSASHA256 {
		return nil, signererrors.Newf(signererrors.CapabilityMissing, "", "unsupported algorithm %q", algo)
	}
	if len(digest) != sha256.Size {
		return nil, signererrors.New(signererrors.KeyCorrupt, "", "digest is not a SHA-256 hash")
	}

	key, err := b.loadKey(loc)
	if err != nil {
		return nil, err
	}

	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest)
	if err != nil {
		return nil, signererrors.Wrap(signererrors.SignerUnavailable, "", "signing", err)
	}
	return sig, nil
}

// DestroyKey unlinks the key file at loc. Idempotent.
func (b *Backend) DestroyKey(ctx context.Context, loc signer.Locator) error {
	path := filepath.Join(b.dir, string(loc))
	err := os.Remove(path)
	b.cacheEvict(loc)
	if err != nil && !os.IsNotExist(err) {
		return signererrors.Wrap(signererrors.SignerUnavailable, "", "destroying key file", err)
	}
	return nil
}

// Random returns n cryptographically strong bytes from the OS CSPRNG.
func (b *Backend) Random(ctx context.Context, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, signererrors.Wrap(signererrors.SignerUnavailable, "", "reading random bytes", err)
	}
	return buf, nil
}

// ProbeCapabilities reports the fixed capability set of the Software
// backend: it always supports RSA-2048 generation, SHA-256 RSA signing,
// key destruction, and randomness, since these are stdlib operations
// with no vendor-specific under-reporting to accommodate.
func (b *Backend) ProbeCapabilities(ctx context.Context) (signer.Capabilities, error) {
	return signer.Capabilities{
		CanGenerateRSA2048: true,
		CanSignSHA256RSA: true,
		CanDestroyKey: true,
		SupportsRandom: true,
		SupportsModifyAttribute: false,
		MaxRSABits: 4096,
	}, nil
}

// Close releases the in-memory key cache. The Software backend holds no
// other process-wide resources.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache = make(map[signer.Locator]*rsa.PrivateKey)
	b.order = nil
	return nil
}

var _ signer.Backend = (*Backend)(nil)
