// Package signing implements the Public Signing API: the
// surface CA callers use, wiring the Binding Store, Probe Engine, and
// Signer Router into five operations, each instrumented with a
// consistent metrics-plus-tracing-span shape.
package signing

import (
	"context"
	"crypto/sha256"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rpkica/signer/binding"
	signererrors "github.com/rpkica/signer/errors"
	"github.com/rpkica/signer/log"
	"github.com/rpkica/signer/router"
	"github.com/rpkica/signer/signer"
)

// API is the Public Signing API. Safe for concurrent use by
// many callers.
type API struct {
	router *router.Router
	binds *binding.Store
	metrics *apiMetrics
	tracer trace.Tracer
	log log.Logger
}

// New builds the Public Signing API over an already-wired Router and
// Binding Store.
func New(r *router.Router, binds *binding.Store, metrics *apiMetrics, logger log.Logger) *API {
	return &API{
		router: r,
		binds: binds,
		metrics: metrics,
		tracer: otel.GetTracerProvider().Tracer("github.com/rpkica/signer/signing"),
		log: logger,
	}
}

// CreateKey generates a 2048-bit RSA key on the default signer, records
// its binding, and returns the new logical key id.
func (a *API) CreateKey(ctx context.Context) (string, error) {
	ctx, span := a.tracer.Start(ctx, "signing.CreateKey")
	defer span.End()

	dispatch, err := a.router.ForNewKey(ctx)
	if err != nil {
		a.fail(span, "create_key", "", err)
		return "", err
	}
	inst := dispatch.Instance
	if err := requireCapability(inst, inst.State().Capabilities.CanGenerateRSA2048, "RSA key generation"); err != nil {
		a.fail(span, "create_key", inst.Name(), err)
		return "", err
	}
	a.metrics.noteOperation("create_key", inst.Name())

	loc, err := inst.Backend().GenerateRSAKey(ctx, signer.DefaultRSABits)
	if err != nil {
		a.fail(span, "create_key", inst.Name(), err)
		return "", err
	}

	logicalKeyID := uuid.NewString()
	identityID := inst.State().IdentityKeyID
	if err := a.binds.Bind(logicalKeyID, identityID, loc); err != nil {
		// The key now exists in the backend with no binding; best-effort
		// clean it up so create_key's failure doesn't leak a key.
		if destroyErr := inst.Backend().DestroyKey(ctx, loc); destroyErr != nil {
			a.log.Warningf("create_key: signer %q: failed to clean up unbound key %q after bind failure: %s", inst.Name(), loc, destroyErr)
		}
		a.fail(span, "create_key", inst.Name(), err)
		return "", err
	}

	span.SetAttributes(attribute.String("logicalKeyID", logicalKeyID), attribute.String("signer", inst.Name()))
	return logicalKeyID, nil
}

// Sign signs data using the key bound to logicalKeyID on its owning
// signer.
func (a *API) Sign(ctx context.Context, logicalKeyID string, data []byte, algo signer.SignAlgorithm) ([]byte, error) {
	ctx, span := a.tracer.Start(ctx, "signing.Sign", trace.WithAttributes(attribute.String("logicalKeyID", logicalKeyID)))
	defer span.End()

	rec, err := a.binds.Lookup(logicalKeyID)
	if err != nil {
		a.fail(span, "sign", "", err)
		return nil, err
	}

	dispatch, err := a.router.ForExistingKey(ctx, rec.OwningSignerIdentityKey)
	if err != nil {
		a.fail(span, "sign", "", err)
		return nil, err
	}
	inst := dispatch.Instance
	if err := requireCapability(inst, inst.State().Capabilities.CanSignSHA256RSA, "RSA-SHA256 signing"); err != nil {
		a.fail(span, "sign", inst.Name(), err)
		return nil, err
	}
	a.metrics.noteOperation("sign", inst.Name())

	digest, err := digestFor(algo, data)
	if err != nil {
		a.fail(span, "sign", inst.Name(), err)
		return nil, err
	}

	sig, err := inst.Backend().Sign(ctx, rec.BackendLocator, digest, algo)
	if err != nil {
		a.fail(span, "sign", inst.Name(), err)
		return nil, err
	}
	return sig, nil
}

// DestroyKey removes the key bound to logicalKeyID from its owning
// signer and unbinds it. Idempotent.
func (a *API) DestroyKey(ctx context.Context, logicalKeyID string) error {
	ctx, span := a.tracer.Start(ctx, "signing.DestroyKey", trace.WithAttributes(attribute.String("logicalKeyID", logicalKeyID)))
	defer span.End()

	rec, err := a.binds.Lookup(logicalKeyID)
	if err != nil {
		if kind, ok := signererrors.TypeOf(err); ok && kind == signererrors.NotBound {
			return nil // already gone: idempotent
		}
		a.fail(span, "destroy_key", "", err)
		return err
	}

	dispatch, err := a.router.ForExistingKey(ctx, rec.OwningSignerIdentityKey)
	if err != nil {
		a.fail(span, "destroy_key", "", err)
		return err
	}
	inst := dispatch.Instance
	if err := requireCapability(inst, inst.State().Capabilities.CanDestroyKey, "key destruction"); err != nil {
		a.fail(span, "destroy_key", inst.Name(), err)
		return err
	}
	a.metrics.noteOperation("destroy_key", inst.Name())

	if err := inst.Backend().DestroyKey(ctx, rec.BackendLocator); err != nil {
		a.fail(span, "destroy_key", inst.Name(), err)
		return err
	}
	if _, err := a.binds.Unbind(logicalKeyID); err != nil {
		if kind, ok := signererrors.TypeOf(err); !ok || kind != signererrors.NotBound {
			a.fail(span, "destroy_key", inst.Name(), err)
			return err
		}
	}
	return nil
}

// OneOffResult is sign_one_off's return value.
type OneOffResult struct {
	Signature []byte
	PublicKey signer.PublicKeyInfo
	// DestroyWarning is set when the ephemeral key signed successfully
	// but could not be destroyed afterward; the signature is still
	// valid and returned.
	DestroyWarning error
}

// SignOneOff generates an ephemeral key on the one-off signer, signs
// data with it, and destroys it, returning the signature and public key
// material. No binding is ever recorded for this key (spec
// §8 property 3).
func (a *API) SignOneOff(ctx context.Context, data []byte, algo signer.SignAlgorithm) (OneOffResult, error) {
	ctx, span := a.tracer.Start(ctx, "signing.SignOneOff")
	defer span.End()

	dispatch, err := a.router.ForOneOff(ctx)
	if err != nil {
		a.fail(span, "sign_one_off", "", err)
		return OneOffResult{}, err
	}
	inst := dispatch.Instance
	if err := requireCapability(inst, inst.State().Capabilities.CanGenerateRSA2048, "RSA key generation"); err != nil {
		a.fail(span, "sign_one_off", inst.Name(), err)
		return OneOffResult{}, err
	}
	if err := requireCapability(inst, inst.State().Capabilities.CanSignSHA256RSA, "RSA-SHA256 signing"); err != nil {
		a.fail(span, "sign_one_off", inst.Name(), err)
		return OneOffResult{}, err
	}
	a.metrics.noteOperation("sign_one_off", inst.Name())
	backend := inst.Backend()

	loc, err := backend.GenerateRSAKey(ctx, signer.DefaultRSABits)
	if err != nil {
		a.fail(span, "sign_one_off", inst.Name(), err)
		return OneOffResult{}, err
	}

	// Cancellation after this point must still attempt to clean up the
	// generated key, so cleanup below uses
	// a background context, never ctx.
	digest, err := digestFor(algo, data)
	if err != nil {
		a.bestEffortDestroyOneOff(inst, loc)
		a.fail(span, "sign_one_off", inst.Name(), err)
		return OneOffResult{}, err
	}

	sig, err := backend.Sign(ctx, loc, digest, algo)
	if err != nil {
		a.bestEffortDestroyOneOff(inst, loc)
		a.fail(span, "sign_one_off", inst.Name(), err)
		return OneOffResult{}, err
	}

	pubInfo, err := backend.PublicKeyInfo(ctx, loc)
	if err != nil {
		a.bestEffortDestroyOneOff(inst, loc)
		a.fail(span, "sign_one_off", inst.Name(), err)
		return OneOffResult{}, err
	}

	result := OneOffResult{Signature: sig, PublicKey: pubInfo}
	if destroyErr := backend.DestroyKey(context.Background(), loc); destroyErr != nil {
		a.metrics.oneOffDestroyFailures.Inc()
		a.log.Warningf("sign_one_off: signer %q: failed to destroy ephemeral key %q: %s", inst.Name(), loc, destroyErr)
		result.DestroyWarning = destroyErr
	}
	return result, nil
}

func (a *API) bestEffortDestroyOneOff(inst *signer.Instance, loc signer.Locator) {
	if err := inst.Backend().DestroyKey(context.Background(), loc); err != nil {
		a.log.Warningf("sign_one_off: signer %q: failed to clean up ephemeral key %q after failure: %s", inst.Name(), loc, err)
	}
}

// Random returns n cryptographically strong bytes from the default
// signer if it supports randomness, else from the dedicated Software
// random-fallback signer (never the one-off signer, unless that
// happens to be Software too; see router.Router.ForRandom).
func (a *API) Random(ctx context.Context, n int) ([]byte, error) {
	ctx, span := a.tracer.Start(ctx, "signing.Random")
	defer span.End()

	dispatch, err := a.router.ForRandom(ctx)
	if err != nil {
		a.fail(span, "random", "", err)
		return nil, err
	}
	inst := dispatch.Instance
	a.metrics.noteOperation("random", inst.Name())

	if def, err := a.router.Default(); err == nil && def.Name() != inst.Name() {
		a.log.AuditErrf("random: default signer %q does not support randomness, falling back to %q", def.Name(), inst.Name())
	}

	b, err := inst.Backend().Random(ctx, n)
	if err != nil {
		a.fail(span, "random", inst.Name(), err)
		return nil, err
	}
	return b, nil
}

// digestFor hashes data for algo. Only rsa-sha256 is defined today
//, matching the single SignAlgorithm the data
// model defines.
func digestFor(algo signer.SignAlgorithm, data []byte) ([]byte, error) {
	if algo != signer.SignAlgRSASHA256 {
		return nil, signererrors.Newf(signererrors.CapabilityMissing, "", "unsupported algorithm %q", algo)
	}
	h := sha256.Sum256(data)
	return h[:], nil
}

// requireCapability fails with CapabilityMissing unless inst's last
// probed Capabilities report support for op, or inst's Spec requests
// that capability under-reporting be ignored (Force).
func requireCapability(inst *signer.Instance, supported bool, op string) error {
	if supported || inst.Spec().Force() {
		return nil
	}
	return signererrors.Newf(signererrors.CapabilityMissing, inst.Name(), "signer does not support %s", op)
}

func (a *API) fail(span trace.Span, operation, signerName string, err error) {
	a.metrics.noteError(operation, err)
	span.SetStatus(codes.Error, err.Error())
	if signerName != "" {
		a.log.Errf("%s: signer %q: %s", operation, signerName, err)
	} else {
		a.log.Errf("%s: %s", operation, err)
	}
}
