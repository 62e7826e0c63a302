// Package probe implements the Probe & Capability Engine:
// the startup and on-demand connectivity/capability check that moves a
// signer Instance from Probing to Ready or Unusable, discovers (or
// persists) its identity key, and rate-limits re-probing.
//
// errgroup.Group fans startup probes out across every configured
// instance without letting one instance's failure cancel the others,
// and singleflight.Group collapses concurrent on-demand probes of the
// same instance into one attempt.
package probe

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"time"

	"github.com/jmhodges/clock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	signererrors "github.com/rpkica/signer/errors"
	"github.com/rpkica/signer/log"
	"github.com/rpkica/signer/signer"
)

// testPayload is the fixed, well-known payload the probe signs and
// verifies. Its content is arbitrary; only that
// every probe uses the same bytes matters.
var testPayload = []byte("rpki-ca signer probe self-test")

// Engine drives probing for a fixed set of configured instances.
type Engine struct {
	instances []*signer.Instance
	identities *IdentityStore
	log log.Logger
	clk clock.Clock
	minInterval func(*signer.Instance) time.Duration

	sf singleflight.Group
}

// NewEngine builds an Engine over instances, persisting discovered
// identity keys to identities. minInterval returns the configured
// signer_probe_retry_seconds for a given instance, since each signer
// can override the top-level default.
func NewEngine(instances []*signer.Instance, identities *IdentityStore, logger log.Logger, clk clock.Clock, minInterval func(*signer.Instance) time.Duration) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{instances: instances, identities: identities, log: logger, clk: clk, minInterval: minInterval}
}

// ProbeAllAtStartup attempts one probe of every instance concurrently.
// Individual failures are logged and leave that instance Unusable; they
// never cause this method to return an error or block the others.
func (e *Engine) ProbeAllAtStartup(ctx context.Context) {
	var g errgroup.Group
	for _, inst := range e.instances {
		inst := inst
		g.Go(func() error {
			if err := e.probeIfDue(ctx, inst); err != nil {
				e.log.Warningf("probe: signer %q: startup probe failed: %s", inst.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait() // every Go func above always returns nil
}

// EnsureReady probes inst if it is not already Ready and a probe is due
// (or forces a fresh attempt if it has never been attempted), then
// reports whether it is Ready. Concurrent callers for the same instance
// share one in-flight probe via singleflight.
func (e *Engine) EnsureReady(ctx context.Context, inst *signer.Instance) error {
	if inst.IsReady() {
		return nil
	}
	_, err, _ := e.sf.Do(inst.Name(), func() (interface{}, error) {
		return nil, e.probeIfDue(ctx, inst)
	})
	if err != nil {
		return err
	}
	if !inst.IsReady() {
		state := inst.State()
		return signererrors.Newf(signererrors.SignerNotReady, inst.Name(), "signer is %s: %s", state.State, state.Reason)
	}
	return nil
}

// probeIfDue enforces the per-instance rate limit and runs probeOnce if the window
// has elapsed.
func (e *Engine) probeIfDue(ctx context.Context, inst *signer.Instance) error {
	if !inst.TryBeginProbe(e.clk.Now(), e.minInterval(inst)) {
		return nil
	}
	return e.probeOnce(ctx, inst)
}

// probeOnce generates a throwaway RSA key, signs a fixed payload with it,
// verifies the signature against the returned public key, resolves this
// backend's identity, and moves inst to Ready or Unusable accordingly.
func (e *Engine) probeOnce(ctx context.Context, inst *signer.Instance) error {
	backend := inst.Backend()

	caps, err := backend.ProbeCapabilities(ctx)
	if err != nil {
		inst.SetUnusable(err.Error())
		return err
	}

	loc, err := backend.GenerateRSAKey(ctx, signer.DefaultRSABits)
	if err != nil {
		inst.SetUnusable(err.Error())
		return err
	}

	digest := sha256.Sum256(testPayload)
	sig, err := backend.Sign(ctx, loc, digest[:], signer.SignAlgRSASHA256)
	if err != nil {
		e.bestEffortDestroy(inst, loc)
		inst.SetUnusable(err.Error())
		return err
	}

	pubInfo, err := backend.PublicKeyInfo(ctx, loc)
	if err != nil {
		e.bestEffortDestroy(inst, loc)
		inst.SetUnusable(err.Error())
		return err
	}
	rsaPub, ok := pubInfo.Public.(*rsa.PublicKey)
	if !ok {
		e.bestEffortDestroy(inst, loc)
		inst.SetUnusable("probe key is not RSA")
		return signererrors.New(signererrors.KeyCorrupt, inst.Name(), "probe key is not RSA")
	}
	if err := rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, digest[:], sig); err != nil {
		e.bestEffortDestroy(inst, loc)
		inst.SetUnusable("probe signature failed to verify")
		return signererrors.Wrap(signererrors.KeyCorrupt, inst.Name(), "probe signature failed to verify", err)
	}

	identityID, err := e.resolveIdentity(ctx, inst, backend, loc)
	if err != nil {
		e.bestEffortDestroy(inst, loc)
		inst.SetUnusable(err.Error())
		return err
	}

	inst.SetReady(identityID, caps)
	e.log.AuditObject("probe_ready", map[string]interface{}{
		"signer": inst.Name(),
		"identity_key_id": identityID,
	})
	return nil
}

// resolveIdentity reuses a previously
// recorded identity key for this backend's fingerprint if it still
// resolves, otherwise adopt the just-verified probe key as the new
// identity and record it.
func (e *Engine) resolveIdentity(ctx context.Context, inst *signer.Instance, backend signer.Backend, probeKeyLoc signer.Locator) (signer.Locator, error) {
	fingerprint := inst.Spec().BackendFingerprint()

	if existing, ok := e.identities.Lookup(fingerprint); ok {
		if _, err := backend.PublicKeyInfo(ctx, existing); err == nil {
			e.bestEffortDestroy(inst, probeKeyLoc)
			return existing, nil
		}
		e.log.Warningf("probe: signer %q: recorded identity key %q no longer resolves, adopting a new one", inst.Name(), existing)
	}

	if err := e.identities.Record(fingerprint, probeKeyLoc); err != nil {
		return "", signererrors.Wrap(signererrors.SignerUnavailable, inst.Name(), "persisting identity key", err)
	}
	return probeKeyLoc, nil
}

func (e *Engine) bestEffortDestroy(inst *signer.Instance, loc signer.Locator) {
	if err := inst.Backend().DestroyKey(context.Background(), loc); err != nil {
		e.log.Warningf("probe: signer %q: failed to clean up probe key %q: %s", inst.Name(), loc, err)
	}
}
