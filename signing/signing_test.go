package signing

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	softwarebackend "github.com/rpkica/signer/backend/software"
	"github.com/rpkica/signer/binding"
	signererrors "github.com/rpkica/signer/errors"
	"github.com/rpkica/signer/log"
	"github.com/rpkica/signer/probe"
	"github.com/rpkica/signer/router"
	"github.com/rpkica/signer/signer"
)

// harness wires one real Software-backed signer instance end to end:
// Probe Engine, Router, Binding Store, and the API under test, as a
// single default Software signer would be configured in production.
type harness struct {
	api *API
	binds *binding.Store
	inst *signer.Instance
}

func newHarness(t *testing.T, name string) *harness {
	t.Helper()
	dir := t.TempDir()
	logger := log.NewMock()

	backend, err := softwarebackend.New(filepath.Join(dir, "keys"), logger)
	if err != nil {
		t.Fatalf("software.New: %s", err)
	}
	spec := signer.Spec{Name: name, Type: signer.KindSoftware, Software: &signer.SoftwareParams{KeysPath: filepath.Join(dir, "keys")}}
	inst := signer.NewInstance(spec, backend)

	identities, err := probe.OpenIdentityStore(filepath.Join(dir, "identities.json"))
	if err != nil {
		t.Fatalf("OpenIdentityStore: %s", err)
	}
	engine := probe.NewEngine([]*signer.Instance{inst}, identities, logger, clock.NewFake(), func(*signer.Instance) time.Duration { return 0 })
	engine.ProbeAllAtStartup(context.Background())
	if !inst.IsReady() {
		t.Fatalf("instance did not become ready after startup probe: %+v", inst.State())
	}

	r := router.New([]*signer.Instance{inst}, name, name, name, engine, logger)

	binds, err := binding.Open(filepath.Join(dir, "bindings.log"), logger)
	if err != nil {
		t.Fatalf("binding.Open: %s", err)
	}
	t.Cleanup(func() { binds.Close() })

	metrics := NewMetrics(prometheus.NewRegistry())
	api := New(r, binds, metrics, logger)
	return &harness{api: api, binds: binds, inst: inst}
}

func TestCreateSignDestroyRoundTrip(t *testing.T) {
	h := newHarness(t, "default")
	ctx := context.Background()

	logicalKeyID, err := h.api.CreateKey(ctx)
	if err != nil {
		t.Fatalf("CreateKey: %s", err)
	}
	if logicalKeyID == "" {
		t.Fatal("CreateKey returned empty id")
	}

	data := []byte("sign me")
	sig, err := h.api.Sign(ctx, logicalKeyID, data, signer.SignAlgRSASHA256)
	if err != nil {
		t.Fatalf("Sign: %s", err)
	}
	if len(sig) == 0 {
		t.Fatal("Sign returned empty signature")
	}

	if err := h.api.DestroyKey(ctx, logicalKeyID); err != nil {
		t.Fatalf("DestroyKey: %s", err)
	}

	// idempotent: destroying again is a no-op, not an error.
	if err := h.api.DestroyKey(ctx, logicalKeyID); err != nil {
		t.Fatalf("second DestroyKey should be idempotent, got: %s", err)
	}

	// the key is gone: signing against it now fails NotBound.
	if _, err := h.api.Sign(ctx, logicalKeyID, data, signer.SignAlgRSASHA256); err == nil {
		t.Fatal("expected Sign against a destroyed key to fail")
	} else if kind, ok := signererrors.TypeOf(err); !ok || kind != signererrors.NotBound {
		t.Fatalf("expected NotBound, got %v", err)
	}
}

func TestSignOneOffNeverBinds(t *testing.T) {
	h := newHarness(t, "default")
	ctx := context.Background()

	result, err := h.api.SignOneOff(ctx, []byte("ephemeral"), signer.SignAlgRSASHA256)
	if err != nil {
		t.Fatalf("SignOneOff: %s", err)
	}
	if len(result.Signature) == 0 {
		t.Fatal("SignOneOff returned empty signature")
	}
	if result.PublicKey.Public == nil {
		t.Fatal("SignOneOff returned no public key info")
	}
	if result.DestroyWarning != nil {
		t.Fatalf("unexpected destroy warning: %s", result.DestroyWarning)
	}
}

func TestRandomServedByDefaultSigner(t *testing.T) {
	h := newHarness(t, "default")
	ctx := context.Background()

	b, err := h.api.Random(ctx, 32)
	if err != nil {
		t.Fatalf("Random: %s", err)
	}
	if len(b) != 32 {
		t.Fatalf("expected 32 random bytes, got %d", len(b))
	}
}

func TestSignUnknownKeyFails(t *testing.T) {
	h := newHarness(t, "default")
	ctx := context.Background()

	if _, err := h.api.Sign(ctx, "does-not-exist", []byte("x"), signer.SignAlgRSASHA256); err == nil {
		t.Fatal("expected Sign against an unbound id to fail")
	} else if kind, ok := signererrors.TypeOf(err); !ok || kind != signererrors.NotBound {
		t.Fatalf("expected NotBound, got %v", err)
	}
}

func TestDestroyKeyUnknownIsIdempotent(t *testing.T) {
	h := newHarness(t, "default")
	if err := h.api.DestroyKey(context.Background(), "never-bound"); err != nil {
		t.Fatalf("DestroyKey on an unbound id should be a no-op, got: %s", err)
	}
}

// noRSABackend wraps a real Software backend but reports no RSA
// support from ProbeCapabilities, so requireCapability's gating in
// CreateKey/Sign/DestroyKey can be exercised without a live backend
// that genuinely lacks the capability.
type noRSABackend struct {
	*softwarebackend.Backend
}

func (b noRSABackend) ProbeCapabilities(ctx context.Context) (signer.Capabilities, error) {
	return signer.Capabilities{SupportsRandom: true}, nil
}

// newNoRSAHarness drives requireCapability's gating path; Force itself
// is a KmipParams field and is not exercised by these tests.
func newNoRSAHarness(t *testing.T, name string) *harness {
	t.Helper()
	dir := t.TempDir()
	logger := log.NewMock()

	backend, err := softwarebackend.New(filepath.Join(dir, "keys"), logger)
	if err != nil {
		t.Fatalf("software.New: %s", err)
	}
	spec := signer.Spec{Name: name, Type: signer.KindSoftware, Software: &signer.SoftwareParams{KeysPath: filepath.Join(dir, "keys")}}
	inst := signer.NewInstance(spec, noRSABackend{backend})

	identities, err := probe.OpenIdentityStore(filepath.Join(dir, "identities.json"))
	if err != nil {
		t.Fatalf("OpenIdentityStore: %s", err)
	}
	engine := probe.NewEngine([]*signer.Instance{inst}, identities, logger, clock.NewFake(), func(*signer.Instance) time.Duration { return 0 })
	engine.ProbeAllAtStartup(context.Background())
	if !inst.IsReady() {
		t.Fatalf("instance did not become ready after startup probe: %+v", inst.State())
	}

	r := router.New([]*signer.Instance{inst}, name, name, name, engine, logger)

	binds, err := binding.Open(filepath.Join(dir, "bindings.log"), logger)
	if err != nil {
		t.Fatalf("binding.Open: %s", err)
	}
	t.Cleanup(func() { binds.Close() })

	metrics := NewMetrics(prometheus.NewRegistry())
	api := New(r, binds, metrics, logger)
	return &harness{api: api, binds: binds, inst: inst}
}

func TestCreateKeyRejectsWhenCapabilityMissing(t *testing.T) {
	h := newNoRSAHarness(t, "default")
	ctx := context.Background()

	_, err := h.api.CreateKey(ctx)
	if err == nil {
		t.Fatal("expected CreateKey to fail when the signer reports no RSA-2048 support")
	}
	if kind, ok := signererrors.TypeOf(err); !ok || kind != signererrors.CapabilityMissing {
		t.Fatalf("expected CapabilityMissing, got %v", err)
	}
}

func TestSignRejectsUnsupportedAlgorithm(t *testing.T) {
	h := newHarness(t, "default")
	ctx := context.Background()

	logicalKeyID, err := h.api.CreateKey(ctx)
	if err != nil {
		t.Fatalf("CreateKey: %s", err)
	}
	if _, err := h.api.Sign(ctx, logicalKeyID, []byte("x"), signer.SignAlgorithm("ecdsa-sha256")); err == nil {
		t.Fatal("expected Sign with an unsupported algorithm to fail")
	} else if kind, ok := signererrors.TypeOf(err); !ok || kind != signererrors.CapabilityMissing {
		t.Fatalf("expected CapabilityMissing, got %v", err)
	}
}
