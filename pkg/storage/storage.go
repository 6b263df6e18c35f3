// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package storage implements the secure storage façade every subsystem in
// this module reads and writes key material, ceremony state, and journal
// facts through. It is capability-gated: callers present a Capability set
// and the façade refuses operations the caller was not granted, rather than
// trusting call sites to behave.
package storage

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/luxfi/database"
)

// Capability is a bit in the set of operations a caller is permitted to
// perform against a given namespace.
type Capability uint8

const (
	// CapRead permits Retrieve and ListKeys.
	CapRead Capability = 1 << iota
	// CapWrite permits Store.
	CapWrite
	// CapDelete permits Delete.
	CapDelete
)

// CapFull grants every operation; used by the subsystem that owns a
// namespace outright (e.g. the threshold service over participant_shares).
const CapFull = CapRead | CapWrite | CapDelete

// Has reports whether the set c contains want.
func (c Capability) Has(want Capability) bool { return c&want == want }

var (
	// ErrNotFound is returned by Retrieve when the (namespace, baseKey,
	// subKey) triple has no stored value.
	ErrNotFound = errors.New("storage: key not found")
	// ErrCorrupt reports a stored value its reader cannot interpret, as
	// distinct from ErrNotFound. Facade itself never returns ErrCorrupt;
	// it is defined here so every subsystem reports corruption the same way.
	ErrCorrupt = errors.New("storage: stored value is corrupt")
	// ErrPermissionDenied is returned when the caller's Capability set does
	// not include the operation it attempted.
	ErrPermissionDenied = errors.New("storage: capability not granted")
)

// Key addresses a single stored value: a namespace (e.g. "participant_shares",
// "ceremony_state", "journal_facts"), a base key (usually an AuthorityID
// string), and a sub key (usually an Epoch or OrderTime string, or "" when
// the namespace has no sub-addressing).
type Key struct {
	Namespace string
	BaseKey   string
	SubKey    string
}

// encode renders a Key to the flat byte slice the underlying Database
// stores it under. Components are length-prefixed so that no namespace,
// base key, or sub key value can forge a different Key by embedding a
// separator.
func (k Key) encode() []byte {
	buf := make([]byte, 0, len(k.Namespace)+len(k.BaseKey)+len(k.SubKey)+24)
	buf = appendComponent(buf, k.Namespace)
	buf = appendComponent(buf, k.BaseKey)
	buf = appendComponent(buf, k.SubKey)
	return buf
}

func appendComponent(buf []byte, s string) []byte {
	var lenBytes [8]byte
	n := uint64(len(s))
	for i := 0; i < 8; i++ {
		lenBytes[i] = byte(n >> (56 - 8*i))
	}
	buf = append(buf, lenBytes[:]...)
	return append(buf, s...)
}

func (k Key) String() string {
	if k.SubKey == "" {
		return fmt.Sprintf("%s/%s", k.Namespace, k.BaseKey)
	}
	return fmt.Sprintf("%s/%s/%s", k.Namespace, k.BaseKey, k.SubKey)
}

// Facade is the capability-gated storage surface every subsystem depends on
// instead of a raw Database handle.
type Facade interface {
	// Store writes value at key. Requires CapWrite.
	Store(cap Capability, key Key, value []byte) error
	// Retrieve reads the value at key. Requires CapRead. Returns ErrNotFound
	// if no value has been stored there.
	Retrieve(cap Capability, key Key) ([]byte, error)
	// Delete removes the value at key, if any. Requires CapDelete.
	Delete(cap Capability, key Key) error
	// ListKeys returns the sorted sub keys stored under (namespace, baseKey).
	// Requires CapRead.
	ListKeys(cap Capability, namespace, baseKey string) ([]string, error)
}

// grant is the capability this façade instance was constructed with; every
// call site's requested capability is checked against it, not against a
// per-call argument supplied by the caller, so a subsystem handed a
// read-only façade cannot simply ask for CapWrite and get it.
type facade struct {
	grant Capability
	db    database.Database

	// mu guards listIndex, which the underlying Database interface has no
	// native support for (it is a flat key-value store with no prefix scan
	// in the subset of the interface this module depends on).
	mu        sync.RWMutex
	listIndex map[string]map[string]struct{} // namespace/baseKey -> subKey set
}

// NewFacade builds a Facade backed by db, granting the caller's future
// operations only the capabilities in grant.
func NewFacade(db database.Database, grant Capability) Facade {
	return &facade{
		grant:     grant,
		db:        db,
		listIndex: make(map[string]map[string]struct{}),
	}
}

// Scoped returns a Facade sharing the same backing store but restricted to
// a (possibly narrower) capability subset of f's own grant. Used to hand a
// read-only view of a namespace to a subsystem that must never write it.
func (f *facade) Scoped(grant Capability) Facade {
	return &facade{grant: f.grant & grant, db: f.db, listIndex: f.listIndex}
}

func (f *facade) require(cap Capability) error {
	if !f.grant.Has(cap) {
		return fmt.Errorf("%w: missing capability %#x", ErrPermissionDenied, cap)
	}
	return nil
}

func indexKey(namespace, baseKey string) string { return namespace + "\x00" + baseKey }

func (f *facade) Store(cap Capability, key Key, value []byte) error {
	if err := f.require(CapWrite); err != nil {
		return err
	}
	if err := f.db.Put(key.encode(), value); err != nil {
		return fmt.Errorf("storage: put %s: %w", key, err)
	}

	f.mu.Lock()
	ik := indexKey(key.Namespace, key.BaseKey)
	subs, ok := f.listIndex[ik]
	if !ok {
		subs = make(map[string]struct{})
		f.listIndex[ik] = subs
	}
	subs[key.SubKey] = struct{}{}
	f.mu.Unlock()
	return nil
}

func (f *facade) Retrieve(cap Capability, key Key) ([]byte, error) {
	if err := f.require(CapRead); err != nil {
		return nil, err
	}
	value, err := f.db.Get(key.encode())
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("storage: get %s: %w", key, err)
	}
	return value, nil
}

func (f *facade) Delete(cap Capability, key Key) error {
	if err := f.require(CapDelete); err != nil {
		return err
	}
	if err := f.db.Delete(key.encode()); err != nil {
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}

	f.mu.Lock()
	if subs, ok := f.listIndex[indexKey(key.Namespace, key.BaseKey)]; ok {
		delete(subs, key.SubKey)
	}
	f.mu.Unlock()
	return nil
}

func (f *facade) ListKeys(cap Capability, namespace, baseKey string) ([]string, error) {
	if err := f.require(CapRead); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	subs := f.listIndex[indexKey(namespace, baseKey)]
	out := make([]string, 0, len(subs))
	for k := range subs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// MemoryDatabase is a mutex-guarded, single-map in-memory Database used by
// the Testing and Simulation effect capability sets so tests never touch
// disk. It implements the subset of github.com/luxfi/database.Database this
// module exercises.
type MemoryDatabase struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryDatabase returns an empty in-memory database.
func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{data: make(map[string][]byte)}
}

func (m *MemoryDatabase) Has(key []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[string(key)]
	return ok, nil
}

func (m *MemoryDatabase) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, database.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryDatabase) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.data[string(key)] = v
	return nil
}

func (m *MemoryDatabase) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *MemoryDatabase) NewBatch() database.Batch { return newMemoryBatch(m) }

func (m *MemoryDatabase) Close() error { return nil }

type batchOp struct {
	key      []byte
	value    []byte
	isDelete bool
}

type memoryBatch struct {
	db   *MemoryDatabase
	ops  []batchOp
	size int
}

func newMemoryBatch(db *MemoryDatabase) *memoryBatch { return &memoryBatch{db: db} }

func (b *memoryBatch) Put(key, value []byte) error {
	k := append([]byte(nil), key...)
	v := append([]byte(nil), value...)
	b.ops = append(b.ops, batchOp{key: k, value: v})
	b.size += len(k) + len(v)
	return nil
}

func (b *memoryBatch) Delete(key []byte) error {
	k := append([]byte(nil), key...)
	b.ops = append(b.ops, batchOp{key: k, isDelete: true})
	b.size += len(k)
	return nil
}

func (b *memoryBatch) Size() int { return b.size }

func (b *memoryBatch) Write() error {
	for _, op := range b.ops {
		var err error
		if op.isDelete {
			err = b.db.Delete(op.key)
		} else {
			err = b.db.Put(op.key, op.value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *memoryBatch) Reset() {
	b.ops = b.ops[:0]
	b.size = 0
}

func (b *memoryBatch) Inner() database.Batch { return b }

func (b *memoryBatch) Replay(w database.KeyValueWriterDeleter) error {
	for _, op := range b.ops {
		var err error
		if op.isDelete {
			err = w.Delete(op.key)
		} else {
			err = w.Put(op.key, op.value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
