package probe

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/rpkica/signer/signer"
)

// IdentityStore persists the mapping from a signer's BackendFingerprint
// to the identity_key_id the Probe Engine discovered (or created) for
// it, so a later process run recognizes the same physical backend even
// if its configured name changed. Grounded on the same atomic-rewrite discipline as
// binding.Store.Compact: low churn, so a single whole-file rewrite per
// update is simpler than an append log here.
type IdentityStore struct {
	path string

	mu sync.Mutex
	byFingerprint map[string]signer.Locator
}

// onDiskIdentity is the JSON shape written to disk.
type onDiskIdentity struct {
	ByFingerprint map[string]signer.Locator `json:"by_fingerprint"`
}

// OpenIdentityStore loads (or creates) the identity map at path.
func OpenIdentityStore(path string) (*IdentityStore, error) {
	s := &IdentityStore{path: path, byFingerprint: make(map[string]signer.Locator)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening identity store %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}

	var onDisk onDiskIdentity
	if err := json.Unmarshal(data, &onDisk); err != nil {
		return nil, fmt.Errorf("corrupt identity store %s: %w", path, err)
	}
	if onDisk.ByFingerprint != nil {
		s.byFingerprint = onDisk.ByFingerprint
	}
	return s, nil
}

// Lookup returns the identity key locator previously recorded for
// fingerprint, if any.
func (s *IdentityStore) Lookup(fingerprint string) (signer.Locator, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loc, ok := s.byFingerprint[fingerprint]
	return loc, ok
}

// Record associates fingerprint with identityKeyID, durably, replacing
// any prior association.
func (s *IdentityStore) Record(fingerprint string, identityKeyID signer.Locator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]signer.Locator, len(s.byFingerprint)+1)
	for k, v := range s.byFingerprint {
		next[k] = v
	}
	next[fingerprint] = identityKeyID

	data, err := json.Marshal(onDiskIdentity{ByFingerprint: next})
	if err != nil {
		return err
	}

	tmpPath := s.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("recording identity key: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}

	s.byFingerprint = next
	return nil
}
