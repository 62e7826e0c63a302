// Package signer defines the data model shared by every backend, probe,
// router, and the public API: signer configuration, runtime instance
// state, capability sets, and the Backend contract each concrete signer
// kind (software, PKCS#11, KMIP) implements. It deliberately carries no
// backend-specific logic; see the backend/* packages for that.
package signer

import (
	"context"
	"crypto"
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Kind identifies which concrete backend a Spec configures.
type Kind string

const (
	KindSoftware Kind = "OpenSSL"
	KindPkcs11 Kind = "PKCS#11"
	KindKmip Kind = "KMIP"
)

// SignAlgorithm names a signing algorithm supported by this module. Only
// one is defined today; the type exists so the Backend contract and the
// public API aren't hard-coded to a string literal.
type SignAlgorithm string

const SignAlgRSASHA256 SignAlgorithm = "rsa-sha256"

// Locator is a backend-specific handle sufficient to retrieve, sign with,
// or destroy a key within that backend: a filename for Software, a
// hex-encoded CKA_ID for PKCS#11, and for KMIP the private and public
// Unique Identifiers of the key pair packed together. Opaque to
// everything outside the owning backend.
type Locator string

// Capabilities is the capability set a Ready signer instance reports,
// consumed only by the Router.
type Capabilities struct {
	CanGenerateRSA2048 bool
	CanSignSHA256RSA bool
	CanDestroyKey bool
	SupportsRandom bool
	SupportsModifyAttribute bool
	MaxRSABits int
}

// PublicKeyInfo carries a generated key's public half back to callers
// that need to inspect it (sign_one_off's return value, §4.7).
type PublicKeyInfo struct {
	Algorithm string
	BitSize int
	Public crypto.PublicKey
	// DER is the PKIX DER encoding of Public, cached so callers don't
	// need to re-marshal it.
	DER []byte
}

// Backend is the uniform contract every concrete signer kind implements.
// All methods may block for as long as the backend's own configured
// timeouts allow; none impose an additional timeout of their own (spec
// §5: "the Router does not impose its own timeout beyond what the
// backend enforces").
type Backend interface {
	// Kind reports which concrete backend this is, for error attribution
	// and metrics labeling.
	Kind() Kind

	// GenerateRSAKey creates a new RSA key pair of the given bit size in
	// the backend and returns its Locator. Used for create_key, one-off
	// key generation, and identity-key creation during probing.
	GenerateRSAKey(ctx context.Context, bits int) (Locator, error)

	// PublicKeyInfo returns the public half of the key at loc.
	PublicKeyInfo(ctx context.Context, loc Locator) (PublicKeyInfo, error)

	// Sign produces a signature over digest (already hashed by the
	// caller for the given algo) using the key at loc.
	Sign(ctx context.Context, loc Locator, digest []byte, algo SignAlgorithm) ([]byte, error)

	// DestroyKey removes the key at loc from the backend. Idempotent:
	// destroying an already-absent key is success, not KeyNotFound.
	DestroyKey(ctx context.Context, loc Locator) error

	// Random returns n cryptographically strong bytes, if the backend
	// supports it (Capabilities.SupportsRandom). Callers that need a
	// guaranteed source should consult Capabilities first.
	Random(ctx context.Context, n int) ([]byte, error)

	// ProbeCapabilities queries (or, for backends with no discovery
	// primitive, infers) the backend's capability set. Called by the
	// Probe Engine; never cached by the Backend itself.
	ProbeCapabilities(ctx context.Context) (Capabilities, error)

	// Close releases any backend-held resources (sessions, connections,
	// driver handles) at process shutdown.
	Close() error
}

// State is the lifecycle state of a signer instance.
type State int

const (
	StateProbing State = iota
	StateUnusable
	StateReady
)

func (s State) String() string {
	switch s {
	case StateProbing:
		return "Probing"
	case StateUnusable:
		return "Unusable"
	case StateReady:
		return "Ready"
	default:
		return "Unknown"
	}
}

// Spec is the immutable, per-process-lifetime configuration of one signer
//. Exactly one of SoftwareParams/Pkcs11Params/KmipParams is
// populated, per Kind.
type Spec struct {
	Name string `yaml:"name"`
	Type Kind `yaml:"type"`
	ProbeRetrySeconds int `yaml:"-"` // inherited from the top-level config default unless overridden
	Software *SoftwareParams `yaml:"-"`
	Pkcs11 *Pkcs11Params `yaml:"-"`
	Kmip *KmipParams `yaml:"-"`
}

// UnmarshalYAML decodes one signer entry: name and type are
// always present, and the backend-specific fields live as siblings of
// name/type in the same mapping rather than nested under a sub-key, so
// this decodes the whole node a second time into whichever Params type
// Type selects.
func (s *Spec) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Name string `yaml:"name"`
		Type Kind `yaml:"type"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	s.Name = raw.Name
	s.Type = raw.Type

	switch raw.Type {
	case KindSoftware:
		var p SoftwareParams
		if err := node.Decode(&p); err != nil {
			return err
		}
		s.Software = &p
	case KindPkcs11:
		var p Pkcs11Params
		if err := node.Decode(&p); err != nil {
			return err
		}
		if !hasMappingKey(node, "login") {
			p.Login = true
		}
		s.Pkcs11 = &p
	case KindKmip:
		var p KmipParams
		if err := node.Decode(&p); err != nil {
			return err
		}
		s.Kmip = &p
	}
	return nil
}

// hasMappingKey reports whether node (a YAML mapping) has key among its
// scalar keys, used to distinguish "absent" from "explicitly false" for
// fields (like pkcs11's login) whose default is true.
func hasMappingKey(node *yaml.Node, key string) bool {
	if node.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i < len(node.Content)-1; i += 2 {
		if node.Content[i].Value == key {
			return true
		}
	}
	return false
}

// Force reports whether this signer's backend-specific config requests
// that capability under-reporting be ignored. Only
// KMIP exposes this today; other kinds always report false.
func (s Spec) Force() bool {
	return s.Kmip != nil && s.Kmip.Force
}

// BackendFingerprint identifies the physical backend this Spec points
// at, independent of the configured Name, so the Probe Engine can
// recognize "the same backend reached under a different name" across a
// rename-and-restart without depending on
// any backend-reported serial number.
func (s Spec) BackendFingerprint() string {
	switch s.Type {
	case KindSoftware:
		path := ""
		if s.Software != nil {
			path = s.Software.KeysPath
		}
		return fmt.Sprintf("software:%s", path)
	case KindPkcs11:
		libPath, slot := "", ""
		if s.Pkcs11 != nil {
			libPath, slot = s.Pkcs11.LibPath, s.Pkcs11.Slot
		}
		return fmt.Sprintf("pkcs11:%s:%s", libPath, slot)
	case KindKmip:
		host, port := "", 0
		if s.Kmip != nil {
			host, port = s.Kmip.Host, s.Kmip.Port
		}
		return fmt.Sprintf("kmip:%s:%d", host, port)
	default:
		return fmt.Sprintf("%s:%s", s.Type, s.Name)
	}
}

// SoftwareParams configures a Software backend.
type SoftwareParams struct {
	KeysPath string `yaml:"keys_path"`
}

// Pkcs11Params configures a PKCS#11 backend.
type Pkcs11Params struct {
	LibPath string `yaml:"lib_path"`
	Slot string `yaml:"slot"` // numeric (dec/hex) id or label; resolved at startup
	UserPIN string `yaml:"user_pin"`
	Login bool `yaml:"login"`
	RetrySeconds int `yaml:"retry_seconds"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	MaxRetrySeconds int `yaml:"max_retry_seconds"`
}

// KmipParams configures a KMIP backend.
type KmipParams struct {
	Host string `yaml:"host"`
	Port int `yaml:"port"`
	Insecure bool `yaml:"insecure"`
	Force bool `yaml:"force"`
	ServerCertPath string `yaml:"server_cert_path"`
	ServerCACertPath string `yaml:"server_ca_cert_path"`
	ClientCertPath string `yaml:"client_cert_path"`
	ClientCertPrivateKeyPath string `yaml:"client_cert_private_key_path"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	RetrySeconds int `yaml:"retry_seconds"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	MaxRetrySeconds int `yaml:"max_retry_seconds"`
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
	ReadTimeoutSeconds int `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int `yaml:"write_timeout_seconds"`
	MaxUseSeconds int `yaml:"max_use_seconds"`
	MaxIdleSeconds int `yaml:"max_idle_seconds"`
	MaxConnections int `yaml:"max_connections"`
	MaxResponseBytes int `yaml:"max_response_bytes"`
}

// InstanceState is the runtime state of one signer instance.
type InstanceState struct {
	State State
	Reason string // populated when State == StateUnusable
	IdentityKeyID Locator
	Capabilities Capabilities
}

// Instance is a configured backend at runtime: its immutable Spec plus
// mutable InstanceState, guarded by a mutex since probes and operations
// race over it.
type Instance struct {
	mu sync.RWMutex
	spec Spec
	backend Backend
	state InstanceState

	// lastProbeAttempt rate-limits re-probing.
	lastProbeAttempt time.Time
}

// NewInstance wraps backend under the given immutable spec, starting in
// the Probing state.
func NewInstance(spec Spec, backend Backend) *Instance {
	return &Instance{
		spec: spec,
		backend: backend,
		state: InstanceState{State: StateProbing},
	}
}

// Name returns the instance's currently configured name. This can change
// across a rename-and-restart; nothing durable keys off it.
func (in *Instance) Name() string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.spec.Name
}

func (in *Instance) Spec() Spec {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.spec
}

func (in *Instance) Backend() Backend {
	return in.backend
}

// State returns a snapshot of the instance's current runtime state.
func (in *Instance) State() InstanceState {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.state
}

// IsReady reports whether the instance is currently usable for dispatch.
func (in *Instance) IsReady() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.state.State == StateReady
}

// SetReady transitions the instance to Ready with the given identity key
// and capability set. Called only by the Probe Engine.
func (in *Instance) SetReady(identityKeyID Locator, caps Capabilities) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.state = InstanceState{
		State: StateReady,
		IdentityKeyID: identityKeyID,
		Capabilities: caps,
	}
}

// SetUnusable transitions the instance to Unusable with reason. Called
// only by the Probe Engine.
func (in *Instance) SetUnusable(reason string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	// Preserve a prior identity key id and capabilities, if any: a
	// signer that was Ready and loses connectivity should not forget
	// its identity the moment it degrades, since the Probe Engine's
	// next successful probe will re-confirm (not re-derive) them.
	in.state.State = StateUnusable
	in.state.Reason = reason
}

// TryBeginProbe reports whether a probe attempt may start now given
// minInterval since the last attempt, and if so, marks the attempt as
// started at now. This bounds re-probing to at most one attempt per
// signer instance per signer_probe_retry_seconds window.
func (in *Instance) TryBeginProbe(now time.Time, minInterval time.Duration) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.lastProbeAttempt.IsZero() && now.Sub(in.lastProbeAttempt) < minInterval {
		return false
	}
	in.lastProbeAttempt = now
	return true
}

// Rename updates the instance's configured name in place, without
// touching its runtime state or identity. A rename-and-restart is a
// no-op for existing bindings since the Binding Store keys off
// IdentityKeyID, never off this name.
func (in *Instance) Rename(newName string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.spec.Name = newName
}
