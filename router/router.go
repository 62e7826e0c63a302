// Package router implements the Signer Router: resolving a
// default signer, a one-off signer, and the owning signer of an
// existing logical key, and enforcing that ownership is absolute (a
// bound key is never redirected to a different signer, even if its
// original owner becomes unavailable).
package router

import (
	"context"

	signererrors "github.com/rpkica/signer/errors"
	"github.com/rpkica/signer/log"
	"github.com/rpkica/signer/signer"
)

// Ready is the subset of the Probe Engine the Router depends on, so
// tests can substitute a fake without standing up a real Engine.
type Ready interface {
	EnsureReady(ctx context.Context, inst *signer.Instance) error
}

// Router dispatches each signing operation to the right Instance by
// name, falling back to the configured default, one-off, or
// random-fallback signer.
type Router struct {
	instances []*signer.Instance
	defaultName string
	oneOffName string
	randomFallbackName string
	probes Ready
	log log.Logger
}

// New builds a Router. defaultName, oneOffName, and randomFallbackName
// must each name an instance present in instances; that invariant is
// established by the caller that resolves the Software instance random(n)
// falls back to (see signing.Build), which may or may not be the same
// instance as oneOffName.
func New(instances []*signer.Instance, defaultName, oneOffName, randomFallbackName string, probes Ready, logger log.Logger) *Router {
	return &Router{instances: instances, defaultName: defaultName, oneOffName: oneOffName, randomFallbackName: randomFallbackName, probes: probes, log: logger}
}

func (r *Router) byName(name string) (*signer.Instance, bool) {
	for _, inst := range r.instances {
		if inst.Name() == name {
			return inst, true
		}
	}
	return nil, false
}

// byIdentity finds the instance whose current identity key matches
// identityID. This is what makes ownership survive a rename: bindings
// key off identity, never off the configured name, so a renamed signer is still found here as long as its
// probe has re-established the same identity.
func (r *Router) byIdentity(identityID signer.Locator) (*signer.Instance, bool) {
	for _, inst := range r.instances {
		if inst.State().IdentityKeyID == identityID {
			return inst, true
		}
	}
	return nil, false
}

// Default returns the default signer instance for new long-term keys
//.
func (r *Router) Default() (*signer.Instance, error) {
	inst, ok := r.byName(r.defaultName)
	if !ok {
		return nil, signererrors.Newf(signererrors.ConfigInvalid, r.defaultName, "default signer %q is not configured", r.defaultName)
	}
	return inst, nil
}

// OneOff returns the one-off signer instance. Auto-synthesis
// of that fallback Software backend happens before a Router is built (see
// signing.Build), so by the time a Router exists, oneOffName always names
// a real instance.
func (r *Router) OneOff() (*signer.Instance, error) {
	inst, ok := r.byName(r.oneOffName)
	if !ok {
		return nil, signererrors.Newf(signererrors.ConfigInvalid, r.oneOffName, "one-off signer %q is not configured", r.oneOffName)
	}
	return inst, nil
}

// RandomFallback returns the Software signer instance random(n) falls
// back to when the default signer does not support randomness. This is
// always a Software instance, independent of the configured one-off
// signer (see signing.Build).
func (r *Router) RandomFallback() (*signer.Instance, error) {
	inst, ok := r.byName(r.randomFallbackName)
	if !ok {
		return nil, signererrors.Newf(signererrors.ConfigInvalid, r.randomFallbackName, "random-fallback signer %q is not configured", r.randomFallbackName)
	}
	return inst, nil
}

// Owner finds the instance that owns identityID, readying it if
// necessary. A bound key whose owning signer cannot be identified (it
// was removed from config, or its probe has not yet succeeded under
// its new name) fails with SignerNotReady -- it is never redirected to
// a different signer.
func (r *Router) Owner(ctx context.Context, identityID signer.Locator) (*signer.Instance, error) {
	inst, ok := r.byIdentity(identityID)
	if !ok {
		// The identity might belong to an instance that has not probed
		// since startup (e.g. it was Unusable and is only now becoming
		// reachable); give every not-yet-Ready instance one more chance
		// before concluding ownership is truly gone.
		for _, candidate := range r.instances {
			if candidate.IsReady() {
				continue
			}
			if err := r.probes.EnsureReady(ctx, candidate); err == nil && candidate.State().IdentityKeyID == identityID {
				return candidate, nil
			}
		}
		return nil, signererrors.New(signererrors.SignerNotReady, "", "no configured signer currently owns this key's identity")
	}
	if err := r.probes.EnsureReady(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// Dispatch is the result of resolving where an operation should run: the
// chosen Instance, ready to use.
type Dispatch struct {
	Instance *signer.Instance
}

// ForNewKey resolves the default signer for create_key, ensuring it is
// Ready or failing with SignerNotReady.
func (r *Router) ForNewKey(ctx context.Context) (Dispatch, error) {
	inst, err := r.Default()
	if err != nil {
		return Dispatch{}, err
	}
	if err := r.probes.EnsureReady(ctx, inst); err != nil {
		return Dispatch{}, err
	}
	return Dispatch{Instance: inst}, nil
}

// ForOneOff resolves the one-off signer for sign_one_off, ensuring it is
// Ready.
func (r *Router) ForOneOff(ctx context.Context) (Dispatch, error) {
	inst, err := r.OneOff()
	if err != nil {
		return Dispatch{}, err
	}
	if err := r.probes.EnsureReady(ctx, inst); err != nil {
		return Dispatch{}, err
	}
	return Dispatch{Instance: inst}, nil
}

// ForExistingKey resolves the owning signer of a bound key for sign and
// destroy_key.
func (r *Router) ForExistingKey(ctx context.Context, identityID signer.Locator) (Dispatch, error) {
	inst, err := r.Owner(ctx, identityID)
	if err != nil {
		return Dispatch{}, err
	}
	return Dispatch{Instance: inst}, nil
}

// ForRandom resolves the source of randomness for random(n): the
// default signer if it reports SupportsRandom, else the Software
// random-fallback signer specifically, never an arbitrary one-off
// signer of another kind.
func (r *Router) ForRandom(ctx context.Context) (Dispatch, error) {
	def, err := r.Default()
	if err != nil {
		return Dispatch{}, err
	}
	if err := r.probes.EnsureReady(ctx, def); err == nil && def.State().Capabilities.SupportsRandom {
		return Dispatch{Instance: def}, nil
	}
	inst, err := r.RandomFallback()
	if err != nil {
		return Dispatch{}, err
	}
	if err := r.probes.EnsureReady(ctx, inst); err != nil {
		return Dispatch{}, err
	}
	return Dispatch{Instance: inst}, nil
}
