// Package binding implements the Binding Store: the durable,
// atomically-updated mapping from logical key ids to the signer instance
// that owns them and that signer's backend-specific locator for the key.
//
// Storage is an append-only JSON-lines log plus an in-memory index built
// from it at startup. Each mutation is fsync'd before the caller sees success.
// A single writer mutex serializes mutations; readers consult the
// in-memory index without taking any lock beyond what Go's map access
// already requires, by always reading through an atomically-swapped
// snapshot.
package binding

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	signererrors "github.com/rpkica/signer/errors"
	"github.com/rpkica/signer/log"
	"github.com/rpkica/signer/signer"
)

// Record is one binding: a logical key id to its owning signer identity
// and backend locator.
type Record struct {
	LogicalKeyID string `json:"logical_key_id"`
	OwningSignerIdentityKey signer.Locator `json:"owning_signer_identity_key_id"`
	BackendLocator signer.Locator `json:"backend_locator"`
}

// entry is one line of the append-only log. Tombstone records an unbind.
type entry struct {
	Record Record `json:"record"`
	Tombstone bool `json:"tombstone,omitempty"`
}

// snapshot is the immutable in-memory index readers consult. Replaced
// wholesale (via atomic.Pointer) on every mutation so readers never
// observe a torn map.
type snapshot struct {
	byID map[string]Record
}

// Store is the Binding Store. Construct with Open.
type Store struct {
	log log.Logger
	path string

	writeMu sync.Mutex // serializes mutations and the log file itself
	file *os.File

	current atomic.Pointer[snapshot]
}

// Open loads (or creates) the binding log at path and returns a ready
// Store. The in-memory index is rebuilt by replaying every entry.
func Open(path string, logger log.Logger) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening binding store %s: %w", path, err)
	}

	s := &Store{log: logger, path: path, file: f}
	idx := make(map[string]Record)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("corrupt binding store %s: %w", path, err)
		}
		if e.Tombstone {
			delete(idx, e.Record.LogicalKeyID)
		} else {
			idx[e.Record.LogicalKeyID] = e.Record
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading binding store %s: %w", path, err)
	}

	s.current.Store(&snapshot{byID: idx})
	return s, nil
}

// Close releases the underlying file handle.
func (s *Store) Close() error {
	return s.file.Close()
}

// Bind records a new binding. Fails with AlreadyBound if logicalKeyID
// already has a record.
func (s *Store) Bind(logicalKeyID string, owningSignerIdentityKey, backendLocator signer.Locator) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snap := s.current.Load()
	if _, ok := snap.byID[logicalKeyID]; ok {
		return signererrors.New(signererrors.AlreadyBound, "", logicalKeyID)
	}

	rec := Record{
		LogicalKeyID: logicalKeyID,
		OwningSignerIdentityKey: owningSignerIdentityKey,
		BackendLocator: backendLocator,
	}
	if err := s.appendLocked(entry{Record: rec}); err != nil {
		return err
	}

	next := cloneSnapshot(snap)
	next.byID[logicalKeyID] = rec
	s.current.Store(next)
	s.log.AuditObject("bind", rec)
	return nil
}

// Lookup returns the binding record for logicalKeyID, or NotBound.
func (s *Store) Lookup(logicalKeyID string) (Record, error) {
	snap := s.current.Load()
	rec, ok := snap.byID[logicalKeyID]
	if !ok {
		return Record{}, signererrors.New(signererrors.NotBound, "", logicalKeyID)
	}
	return rec, nil
}

// Unbind removes the binding for logicalKeyID. Idempotent: the first
// call returns the prior record; a repeated call changes nothing and
// returns a NotBound error, which callers may treat as success.
func (s *Store) Unbind(logicalKeyID string) (Record, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snap := s.current.Load()
	rec, ok := snap.byID[logicalKeyID]
	if !ok {
		return Record{}, signererrors.New(signererrors.NotBound, "", logicalKeyID)
	}

	if err := s.appendLocked(entry{Record: rec, Tombstone: true}); err != nil {
		return Record{}, err
	}

	next := cloneSnapshot(snap)
	delete(next.byID, logicalKeyID)
	s.current.Store(next)
	s.log.AuditObject("unbind", rec)
	return rec, nil
}

// RebindAll repoints every binding currently owned by oldIdentity to
// newIdentity. This is an internal consistency-repair operation (spec
// §4.1: "normally absent") used only when an operator needs to manually
// merge two identity keys that turned out to be the same physical
// backend reached through different network paths; ordinary rename
// handling never needs it because bindings already key off
// identity, not name.
func (s *Store) RebindAll(oldIdentity, newIdentity signer.Locator) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snap := s.current.Load()
	next := cloneSnapshot(snap)
	n := 0
	for id, rec := range next.byID {
		if rec.OwningSignerIdentityKey != oldIdentity {
			continue
		}
		rec.OwningSignerIdentityKey = newIdentity
		if err := s.appendLocked(entry{Record: rec}); err != nil {
			return n, err
		}
		next.byID[id] = rec
		n++
	}
	s.current.Store(next)
	if n > 0 {
		s.log.AuditErrf("rebind_all: repointed %d bindings from identity %q to %q", n, oldIdentity, newIdentity)
	}
	return n, nil
}

// Compact rewrites the log to contain only the current snapshot's
// entries, discarding tombstones and superseded records. Never invoked
// implicitly mid-operation; callers should run it only between process
// restarts.
func (s *Store) Compact() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snap := s.current.Load()
	tmpPath := s.path + ".compact.tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("compacting binding store: %w", err)
	}

	w := bufio.NewWriter(tmp)
	for _, rec := range snap.byID {
		b, err := json.Marshal(entry{Record: rec})
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := w.Flush(); err != nil {
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

	if err := s.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	s.file = f
	return nil
}

// appendLocked writes one entry to the log and fsyncs before returning,
// so a crash right after a call returns never loses that mutation.
// Caller must hold writeMu.
func (s *Store) appendLocked(e entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := s.file.Write(b); err != nil {
		return fmt.Errorf("writing binding store entry: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("syncing binding store: %w", err)
	}
	return nil
}

func cloneSnapshot(s *snapshot) *snapshot {
	next := make(map[string]Record, len(s.byID)+1)
	for k, v := range s.byID {
		next[k] = v
	}
	return &snapshot{byID: next}
}
