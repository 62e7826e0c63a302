package signer

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Default values for signer configuration fields left unset by the
// caller.
const (
	DefaultProbeRetrySeconds = 30

	DefaultPkcs11RetrySeconds = 2
	DefaultPkcs11BackoffMultiplier = 1.5
	DefaultPkcs11MaxRetrySeconds = 30

	DefaultKmipPort = 5696
	DefaultKmipRetrySeconds = 2
	DefaultKmipBackoffMultiplier = 1.5
	DefaultKmipMaxRetrySeconds = 30
	DefaultKmipConnectTimeoutSeconds = 5
	DefaultKmipReadTimeoutSeconds = 5
	DefaultKmipWriteTimeoutSeconds = 5
	DefaultKmipMaxUseSeconds = 1800
	DefaultKmipMaxIdleSeconds = 600
	DefaultKmipMaxConnections = 5
	DefaultKmipMaxResponseBytes = 65536

	DefaultRSABits = 2048
)

// Config is the top-level configuration surface for the signer
// subsystem, consumed from a parent configuration document.
type Config struct {
	DefaultSigner string `yaml:"default_signer"`
	OneOffSigner string `yaml:"one_off_signer"`
	SignerProbeRetrySecs int `yaml:"signer_probe_retry_seconds"`
	Signers []Spec `yaml:"signers"`
}

// LoadConfig parses a YAML configuration document into a
// Config, applies defaults, and validates it.
func LoadConfig(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %s", errConfigInvalid, err)
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ApplyDefaults fills in every unset default. Call this once after
// unmarshaling, before Validate.
func (c *Config) ApplyDefaults() {
	if c.SignerProbeRetrySecs <= 0 {
		c.SignerProbeRetrySecs = DefaultProbeRetrySeconds
	}
	for i := range c.Signers {
		s := &c.Signers[i]
		if s.ProbeRetrySeconds <= 0 {
			s.ProbeRetrySeconds = c.SignerProbeRetrySecs
		}
		switch s.Type {
		case KindSoftware:
			if s.Software == nil {
				s.Software = &SoftwareParams{}
			}
		case KindPkcs11:
			if s.Pkcs11 == nil {
				s.Pkcs11 = &Pkcs11Params{}
			}
			p := s.Pkcs11
			if p.RetrySeconds <= 0 {
				p.RetrySeconds = DefaultPkcs11RetrySeconds
			}
			if p.BackoffMultiplier <= 0 {
				p.BackoffMultiplier = DefaultPkcs11BackoffMultiplier
			}
			if p.MaxRetrySeconds <= 0 {
				p.MaxRetrySeconds = DefaultPkcs11MaxRetrySeconds
			}
			// login's true-by-default is applied in Spec.UnmarshalYAML,
			// the only place that can tell "absent" from "explicitly
			// false" in the source document.
		case KindKmip:
			if s.Kmip == nil {
				s.Kmip = &KmipParams{}
			}
			k := s.Kmip
			if k.Port <= 0 {
				k.Port = DefaultKmipPort
			}
			if k.RetrySeconds <= 0 {
				k.RetrySeconds = DefaultKmipRetrySeconds
			}
			if k.BackoffMultiplier <= 0 {
				k.BackoffMultiplier = DefaultKmipBackoffMultiplier
			}
			if k.MaxRetrySeconds <= 0 {
				k.MaxRetrySeconds = DefaultKmipMaxRetrySeconds
			}
			if k.ConnectTimeoutSeconds <= 0 {
				k.ConnectTimeoutSeconds = DefaultKmipConnectTimeoutSeconds
			}
			if k.ReadTimeoutSeconds <= 0 {
				k.ReadTimeoutSeconds = DefaultKmipReadTimeoutSeconds
			}
			if k.WriteTimeoutSeconds <= 0 {
				k.WriteTimeoutSeconds = DefaultKmipWriteTimeoutSeconds
			}
			if k.MaxUseSeconds <= 0 {
				k.MaxUseSeconds = DefaultKmipMaxUseSeconds
			}
			if k.MaxIdleSeconds <= 0 {
				k.MaxIdleSeconds = DefaultKmipMaxIdleSeconds
			}
			if k.MaxConnections <= 0 {
				k.MaxConnections = DefaultKmipMaxConnections
			}
			if k.MaxResponseBytes <= 0 {
				k.MaxResponseBytes = DefaultKmipMaxResponseBytes
			}
		}
	}
}

// Validate enforces startup constraints: unique names, valid
// kind-specific params, and the default-signer rule. It does not touch
// the one-off-signer auto-synthesis (signing.Build does that, since it
// requires constructing a Backend, not just validating config).
func (c *Config) Validate() error {
	if len(c.Signers) == 0 {
		return fmt.Errorf("%w: no signers configured", errConfigInvalid)
	}

	seen := make(map[string]bool, len(c.Signers))
	for _, s := range c.Signers {
		if s.Name == "" {
			return fmt.Errorf("%w: signer with empty name", errConfigInvalid)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: duplicate signer name %q", errConfigInvalid, s.Name)
		}
		seen[s.Name] = true

		switch s.Type {
		case KindSoftware:
		case KindPkcs11:
			if s.Pkcs11 == nil || s.Pkcs11.LibPath == "" {
				return fmt.Errorf("%w: signer %q: lib_path is required for PKCS#11", errConfigInvalid, s.Name)
			}
			if s.Pkcs11.Slot == "" {
				return fmt.Errorf("%w: signer %q: slot is required for PKCS#11", errConfigInvalid, s.Name)
			}
		case KindKmip:
			if s.Kmip == nil || s.Kmip.Host == "" {
				return fmt.Errorf("%w: signer %q: host is required for KMIP", errConfigInvalid, s.Name)
			}
		default:
			return fmt.Errorf("%w: signer %q: unknown type %q", errConfigInvalid, s.Name, s.Type)
		}
	}

	if c.DefaultSigner == "" {
		if len(c.Signers) == 1 {
			c.DefaultSigner = c.Signers[0].Name
		} else {
			return fmt.Errorf("%w: default_signer must be set when more than one signer is configured", errConfigInvalid)
		}
	}
	if !seen[c.DefaultSigner] {
		return fmt.Errorf("%w: default_signer %q does not name a configured signer", errConfigInvalid, c.DefaultSigner)
	}
	if c.OneOffSigner != "" && !seen[c.OneOffSigner] {
		return fmt.Errorf("%w: one_off_signer %q does not name a configured signer", errConfigInvalid, c.OneOffSigner)
	}

	return nil
}

// errConfigInvalid is a local sentinel so Validate's errors wrap
// something callers can match on without importing this module's own
// errors package from within itself (config validation predates any
// Instance/backend construction, so it stays dependency-light).
var errConfigInvalid = fmt.Errorf("config invalid")

// ErrConfigInvalid exposes the sentinel for callers to errors.Is against.
var ErrConfigInvalid = errConfigInvalid
