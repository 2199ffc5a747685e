// Package registry implements the Record Registry of spec §4.5: an
// ordered collection of application records, each backed by a storage
// unit, dispatched by a 32-bit key. It plays the coordinating role
// internal/engine.Engine plays in the teacher repo — it logs version
// mismatches, wraps errors with context, and guards its mutable state
// with a mutex for callers on a threaded host (spec
// §5: "an implementation running on a threaded host must wrap the
// registry in a mutex at the public API boundary").
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flashdb/durable/attributor"
	"github.com/flashdb/durable/counter"
	"github.com/flashdb/durable/nvm"
	"github.com/flashdb/durable/unit"
)

var (
	ErrRegistryFull    = errors.New("registry: full")
	ErrDuplicateKey    = errors.New("registry: duplicate key")
	ErrRecordTooLarge  = errors.New("registry: record size exceeds 127 bytes")
	ErrKeyNotFound     = errors.New("registry: key not found")
	ErrNotSetUp        = errors.New("registry: setup has not been called")
	ErrAlreadySetUp    = errors.New("registry: setup has already been called")
	ErrWrongBufferSize = errors.New("registry: buffer size does not match record size")
)

// versionSalt is the CRC salt used for the version-fingerprint unit.
// It is fixed independently of any application key so a colliding
// application salt can never be mistaken for the version record.
const versionSalt = 0xA5A5A5A5

// Spec describes one record before the registry has been set up: its
// application key, data size, optional rotation count (0 selects a
// Plain unit; any value in [2,65] selects a WearLevelled unit with
// that many rotations), its CRC salt, and its type-provided default
// value, used whenever the persisted value fails its CRC (spec §4.5
// "load").
type Spec struct {
	Key       uint32
	DataSize  uint8
	Rotations int
	Salt      uint32
	Default   []byte
}

func (s Spec) footprint() (uint16, error) {
	if s.Rotations == 0 {
		return uint16(s.DataSize) + 1, nil
	}
	width, err := counter.Width(s.Rotations)
	if err != nil {
		return 0, err
	}
	return uint16(width) + uint16(s.Rotations)*(uint16(s.DataSize)+1), nil
}

// Record is the capability set spec §4.5 requires of every registered
// record: size/key for layout and dispatch, and the load/commit hooks
// the registry and the async committer drive.
type Record interface {
	Key() uint32
	Size() uint8
	Load() error
	NeedsCommit() bool
	Commit() error

	// Buffer returns the record's in-memory working copy for direct
	// mutation. MarkDirty must be called after mutating it so the
	// async committer (spec §4.6) eventually persists the change.
	Buffer() []byte
	MarkDirty()
}

// valueRecord is the registry's concrete Record: a storage unit plus
// the in-memory working copy an application mutates directly (spec
// §3 "Record... value originates from NVM load, mutated by app,
// committed to NVM").
type valueRecord struct {
	spec        Spec
	unit        unit.Unit
	value       []byte
	dirty       bool
	versionMiss bool
}

func (r *valueRecord) Key() uint32 { return r.spec.Key }
func (r *valueRecord) Size() uint8 { return r.spec.DataSize }

// Load implements spec §4.5 "load per record": read through the unit;
// on CRC failure (or on an already-known version mismatch) invoke the
// default-value policy and commit it, per the error-handling policy
// in spec §7 ("CRC failures on load() are recovered by writing the
// type-provided default value").
func (r *valueRecord) Load() error {
	if !r.versionMiss {
		buf := make([]byte, r.spec.DataSize)
		ok, err := r.unit.Read(buf)
		if err != nil {
			return fmt.Errorf("registry: load key 0x%08x: %w", r.spec.Key, err)
		}
		if ok {
			r.value = buf
			r.dirty = false
			return nil
		}
	}
	r.value = append([]byte(nil), r.spec.Default...)
	r.dirty = true
	return r.Commit()
}

func (r *valueRecord) NeedsCommit() bool { return r.dirty }

func (r *valueRecord) Commit() error {
	if err := r.unit.Write(r.value); err != nil {
		return fmt.Errorf("registry: commit key 0x%08x: %w", r.spec.Key, err)
	}
	r.dirty = false
	return nil
}

// Buffer returns the record's in-memory working copy for direct
// mutation by the application. Callers that mutate it must call
// MarkDirty so the async committer (spec §4.6) eventually persists
// the change.
func (r *valueRecord) Buffer() []byte { return r.value }

func (r *valueRecord) MarkDirty() { r.dirty = true }

// Registry implements spec §4.5 over a fixed capacity, matching the
// "compile-time bound" of the original source with a constructor
// parameter instead, since Go has no template non-type parameters to
// fix it at compile time.
type Registry struct {
	mu          sync.RWMutex
	host        nvm.Host
	capacity    int
	v0          uint8
	logger      *slog.Logger
	specs       []Spec
	index       map[uint32]int
	records     []*valueRecord
	versionUnit *unit.Plain
	layout      *attributor.Layout
	setUp       bool
}

// New constructs an empty Registry over host, bounded to capacity
// records, with base-version code v0 (spec §4.5 "setup"). If logger
// is nil, slog.Default() is used.
func New(host nvm.Host, capacity int, v0 uint8, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		host:     host,
		capacity: capacity,
		v0:       v0,
		logger:   logger,
		index:    make(map[uint32]int, capacity),
	}
}

// Add registers spec, assigning it the next partition index in
// insertion order (spec §4.5 "add"). It fails if the registry is
// full, the key already exists, or the record's size exceeds 127
// bytes.
func (reg *Registry) Add(spec Spec) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.setUp {
		return ErrAlreadySetUp
	}
	if spec.DataSize > 127 {
		return fmt.Errorf("%w: key 0x%08x", ErrRecordTooLarge, spec.Key)
	}
	if len(reg.specs) >= reg.capacity {
		return ErrRegistryFull
	}
	if _, dup := reg.index[spec.Key]; dup {
		return fmt.Errorf("%w: 0x%08x", ErrDuplicateKey, spec.Key)
	}

	reg.index[spec.Key] = len(reg.specs)
	reg.specs = append(reg.specs, spec)
	return nil
}

// foldVersion computes the version fingerprint V = fold(v0, keys...)
// of spec §4.5: a 32-bit accumulator mixed one key at a time, folded
// down to 8 bits. Any deterministic, order-sensitive mixing satisfies
// the spec (P8 only requires that changing the key set changes V);
// this uses a multiply-xorshift mix common for small hash folds.
func foldVersion(v0 uint8, keys []uint32) uint8 {
	acc := uint32(v0)
	for _, k := range keys {
		acc = acc*2654435761 + k
		acc ^= acc >> 15
	}
	return byte(acc) ^ byte(acc>>8) ^ byte(acc>>16) ^ byte(acc>>24)
}

// Setup implements spec §4.5 "setup": computes the version
// fingerprint over every added key, lays out the version prefix and
// every record's unit over host via the address attributor, and
// drives each record's initial load. It must be called exactly once,
// after every Add call.
func (reg *Registry) Setup() error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.setUp {
		return ErrAlreadySetUp
	}

	keys := make([]uint32, len(reg.specs))
	entries := make([]attributor.Entry, len(reg.specs))
	for i, s := range reg.specs {
		keys[i] = s.Key
		size, err := s.footprint()
		if err != nil {
			return fmt.Errorf("registry: key 0x%08x: %w", s.Key, err)
		}
		entries[i] = attributor.Entry{Key: s.Key, Size: size}
	}
	version := foldVersion(reg.v0, keys)

	versionUnit, err := unit.NewPlain(reg.host, 0, 1, versionSalt)
	if err != nil {
		return fmt.Errorf("registry: version unit: %w", err)
	}
	reg.versionUnit = versionUnit

	var stored [1]byte
	matched, err := versionUnit.Read(stored[:])
	if err != nil {
		return fmt.Errorf("registry: version read: %w", err)
	}
	versionMismatch := !matched || stored[0] != version
	if versionMismatch {
		reg.logger.Info("registry: version fingerprint mismatch, resetting all records",
			slog.Int("stored_ok", boolToInt(matched)))
		if err := versionUnit.Write([]byte{version}); err != nil {
			return fmt.Errorf("registry: version write: %w", err)
		}
	}

	const recordsBase = 2 // version unit occupies bytes [0,2)
	layout, err := attributor.NewLayout(reg.host.Size()-recordsBase, entries)
	if err != nil {
		return fmt.Errorf("registry: layout: %w", err)
	}
	reg.layout = layout

	reg.records = make([]*valueRecord, len(reg.specs))
	for i, s := range reg.specs {
		addr, err := layout.AddressByKey(s.Key)
		if err != nil {
			return fmt.Errorf("registry: key 0x%08x: %w", s.Key, err)
		}
		addr += recordsBase

		var u unit.Unit
		if s.Rotations == 0 {
			u, err = unit.NewPlain(reg.host, addr, s.DataSize, s.Salt)
		} else {
			u, err = unit.NewWearLevelled(reg.host, addr, s.DataSize, s.Rotations, s.Salt, reg.logger)
		}
		if err != nil {
			return fmt.Errorf("registry: key 0x%08x: %w", s.Key, err)
		}

		rec := &valueRecord{spec: s, unit: u, versionMiss: versionMismatch}
		if err := rec.Load(); err != nil {
			return err
		}
		reg.records[i] = rec
	}

	reg.setUp = true
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (reg *Registry) find(key uint32) (*valueRecord, error) {
	if !reg.setUp {
		return nil, ErrNotSetUp
	}
	i, ok := reg.index[key]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%08x", ErrKeyNotFound, key)
	}
	return reg.records[i], nil
}

// Get implements spec §4.5 "get": find the record by key and delegate
// the read to its unit. The returned bool reports whether the CRC
// matched (spec I4).
func (reg *Registry) Get(key uint32, out []byte) (bool, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	rec, err := reg.find(key)
	if err != nil {
		return false, err
	}
	if len(out) != int(rec.spec.DataSize) {
		return false, ErrWrongBufferSize
	}
	ok, err := rec.unit.Read(out)
	if err != nil {
		return false, fmt.Errorf("registry: get key 0x%08x: %w", key, err)
	}
	if ok {
		copy(rec.value, out)
	}
	return ok, nil
}

// Set implements spec §4.5 "set": find the record by key and delegate
// the write to its unit, then keep the record's in-memory working
// copy in sync (clearing any pending dirty flag, since this write
// just made it current).
func (reg *Registry) Set(key uint32, data []byte) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rec, err := reg.find(key)
	if err != nil {
		return err
	}
	if len(data) != int(rec.spec.DataSize) {
		return ErrWrongBufferSize
	}
	if err := rec.unit.Write(data); err != nil {
		return fmt.Errorf("registry: set key 0x%08x: %w", key, err)
	}
	copy(rec.value, data)
	rec.dirty = false
	return nil
}

// Record returns the underlying record for key, for callers that want
// to mutate its in-memory buffer directly and drive commits through
// the async scheduler instead of through Set.
func (reg *Registry) Record(key uint32) (Record, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.find(key)
}

// CommitNextPending implements spec §4.5 "commit_next_pending": scans
// records in insertion order and commits the first one whose
// NeedsCommit reports true. Returns whether such a record was found.
func (reg *Registry) CommitNextPending() (bool, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if !reg.setUp {
		return false, ErrNotSetUp
	}
	for _, rec := range reg.records {
		if rec.NeedsCommit() {
			if err := rec.Commit(); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// Version returns the computed version fingerprint, once Setup has
// run.
func (reg *Registry) Version() (uint8, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	if !reg.setUp {
		return 0, ErrNotSetUp
	}
	keys := make([]uint32, len(reg.specs))
	for i, s := range reg.specs {
		keys[i] = s.Key
	}
	return foldVersion(reg.v0, keys), nil
}
