package signing

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rpkica/signer/backend/kmip"
	"github.com/rpkica/signer/backend/pkcs11"
	"github.com/rpkica/signer/backend/software"
	"github.com/rpkica/signer/binding"
	"github.com/rpkica/signer/log"
	"github.com/rpkica/signer/probe"
	"github.com/rpkica/signer/router"
	"github.com/rpkica/signer/signer"
)

// autoOneOffSignerName names the Software signer synthesized when a
// signer.Config sets no one_off_signer.
const autoOneOffSignerName = "auto-one-off"

// autoRandomFallbackName names the dedicated Software signer
// synthesized to back random(n) when the configured one-off signer is
// not itself a Software signer.
const autoRandomFallbackName = "auto-random-fallback"

// StateDir groups the on-disk paths this package's persistent state
// lives under.
type StateDir struct {
	Bindings string
	Identities string
	OneOffKeys string
	// RandomFallbackKeys roots the dedicated Software signer random(n)
	// falls back to when the one-off signer is of another kind. Unused
	// when the one-off signer is already Software, since that instance
	// is reused instead.
	RandomFallbackKeys string
}

// Build constructs every configured signer's Backend, wires the Probe
// Engine, Router, and Binding Store, and returns a ready-to-use API. cfg
// must already have passed signer.Config.Validate. clk may be nil (uses
// the real clock). The caller is responsible for calling
// engine.ProbeAllAtStartup(ctx) once, after Build returns, before
// serving traffic.
func Build(cfg *signer.Config, dirs StateDir, logger log.Logger, stats prometheus.Registerer, clk clock.Clock) (*API, *probe.Engine, error) {
	if clk == nil {
		clk = clock.New()
	}

	specs := append([]signer.Spec(nil), cfg.Signers...)
	oneOffName := cfg.OneOffSigner
	if oneOffName == "" {
		oneOffName = autoOneOffSignerName
		specs = append(specs, signer.Spec{
			Name: oneOffName,
			Type: signer.KindSoftware,
			ProbeRetrySeconds: cfg.SignerProbeRetrySecs,
			Software: &signer.SoftwareParams{KeysPath: dirs.OneOffKeys},
		})
	}

	// random(n) must fall back to a Software signer specifically, not
	// to whatever kind the one-off signer happens to be. Reuse the
	// one-off instance when it is already Software; otherwise
	// synthesize a dedicated one.
	randomFallbackName := autoRandomFallbackName
	oneOffIsSoftware := false
	for _, s := range specs {
		if s.Name == oneOffName && s.Type == signer.KindSoftware {
			oneOffIsSoftware = true
			break
		}
	}
	if oneOffIsSoftware {
		randomFallbackName = oneOffName
	} else {
		randomFallbackKeys := dirs.RandomFallbackKeys
		if randomFallbackKeys == "" {
			// Callers built before this fallback existed won't have set
			// it; derive a sibling of OneOffKeys rather than failing.
			randomFallbackKeys = filepath.Join(filepath.Dir(dirs.OneOffKeys), "random-fallback-keys")
		}
		specs = append(specs, signer.Spec{
			Name: randomFallbackName,
			Type: signer.KindSoftware,
			ProbeRetrySeconds: cfg.SignerProbeRetrySecs,
			Software: &signer.SoftwareParams{KeysPath: randomFallbackKeys},
		})
	}

	instances := make([]*signer.Instance, 0, len(specs))
	for _, spec := range specs {
		backend, err := buildBackend(spec, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("signer %q: %w", spec.Name, err)
		}
		instances = append(instances, signer.NewInstance(spec, backend))
	}

	identities, err := probe.OpenIdentityStore(dirs.Identities)
	if err != nil {
		return nil, nil, fmt.Errorf("opening identity store: %w", err)
	}
	engine := probe.NewEngine(instances, identities, logger, clk, func(inst *signer.Instance) time.Duration {
		return time.Duration(inst.Spec().ProbeRetrySeconds) * time.Second
	})

	r := router.New(instances, cfg.DefaultSigner, oneOffName, randomFallbackName, engine, logger)

	binds, err := binding.Open(dirs.Bindings, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening binding store: %w", err)
	}

	metrics := NewMetrics(stats)
	api := New(r, binds, metrics, logger)
	return api, engine, nil
}

func buildBackend(spec signer.Spec, logger log.Logger) (signer.Backend, error) {
	switch spec.Type {
	case signer.KindSoftware:
		dir := ""
		if spec.Software != nil {
			dir = spec.Software.KeysPath
		}
		return software.New(dir, logger)
	case signer.KindPkcs11:
		var params signer.Pkcs11Params
		if spec.Pkcs11 != nil {
			params = *spec.Pkcs11
		}
		return pkcs11.New(spec.Name, params, logger)
	case signer.KindKmip:
		var params signer.KmipParams
		if spec.Kmip != nil {
			params = *spec.Kmip
		}
		return kmip.New(spec.Name, params, logger)
	default:
		return nil, fmt.Errorf("unknown signer type %q", spec.Type)
	}
}
