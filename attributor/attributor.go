// Package attributor computes non-overlapping NVM base addresses for
// an ordered list of storage units, the way the original source's
// SizeParameter/StorageParameter template metaprogramming folded a
// compile-time parameter pack into offsets (VariadicParameters.h).
// Since Go has no variadic constexpr folding, the same arithmetic runs
// once at construction over an ordinary slice instead of being baked
// in at compile time.
package attributor

import (
	"errors"
	"fmt"
)

// ErrOverCapacity is returned when the sum of unit sizes exceeds the
// NVM's total size.
var ErrOverCapacity = errors.New("attributor: unit sizes exceed nvm capacity")

// ErrDuplicateKey is returned when two entries in a Layout share a key.
var ErrDuplicateKey = errors.New("attributor: duplicate unit key")

// ErrKeyNotFound is returned by Layout.Address/Size when no entry
// carries the requested key.
var ErrKeyNotFound = errors.New("attributor: key not found")

// Entry describes one unit's size and, for the keyed Layout variant,
// the application key it will be registered under.
type Entry struct {
	Key  uint32
	Size uint16
}

// Attributor computes base addresses for an ordered list of unit
// sizes (spec §4.3): address(k) = sum of sizes before k. It holds no
// runtime state beyond the derived offsets — identical in spirit to
// StorageParameter's SumUpTo, just computed once instead of per call.
type Attributor struct {
	sizes     []uint16
	addresses []uint16
	used      uint16
	total     uint16
}

// New computes an Attributor over sizes, rejecting a layout that
// would exceed total (the NVM's reported Size()).
func New(total uint16, sizes []uint16) (*Attributor, error) {
	addresses := make([]uint16, len(sizes))
	var used uint32
	for i, s := range sizes {
		addresses[i] = uint16(used)
		used += uint32(s)
		if used > uint32(total) {
			return nil, fmt.Errorf("%w: %d > %d", ErrOverCapacity, used, total)
		}
	}
	return &Attributor{sizes: sizes, addresses: addresses, used: uint16(used), total: total}, nil
}

// Address returns the base address of unit k.
func (a *Attributor) Address(k int) uint16 { return a.addresses[k] }

// Used returns the total bytes consumed by all units.
func (a *Attributor) Used() uint16 { return a.used }

// Total returns the NVM's total size, as supplied at construction.
func (a *Attributor) Total() uint16 { return a.total }

// Free returns the bytes left unattributed.
func (a *Attributor) Free() uint16 { return a.total - a.used }

// Layout is the keyed variant of Attributor: it additionally supports
// lookup by application key, generalizing StorageParameter's
// SumUpToKey/SizeByKey folds over a typed parameter pack into a
// runtime map built once at construction.
type Layout struct {
	*Attributor
	entries []Entry
	index   map[uint32]int
}

// NewLayout computes a Layout over entries, in the order given. Each
// entry's Size becomes that unit's footprint in the address space
// (counter + slots, for a wear-levelled unit, or D+1 for a plain
// one) — callers compute each Size (the value unit.Unit.Size() would
// report) before building the Entry slice.
func NewLayout(total uint16, entries []Entry) (*Layout, error) {
	index := make(map[uint32]int, len(entries))
	sizes := make([]uint16, len(entries))
	for i, e := range entries {
		if _, dup := index[e.Key]; dup {
			return nil, fmt.Errorf("%w: 0x%08x", ErrDuplicateKey, e.Key)
		}
		index[e.Key] = i
		sizes[i] = e.Size
	}
	base, err := New(total, sizes)
	if err != nil {
		return nil, err
	}
	return &Layout{Attributor: base, entries: entries, index: index}, nil
}

// AddressByKey returns the base address of the unit registered under
// key.
func (l *Layout) AddressByKey(key uint32) (uint16, error) {
	i, ok := l.index[key]
	if !ok {
		return 0, fmt.Errorf("%w: 0x%08x", ErrKeyNotFound, key)
	}
	return l.Address(i), nil
}

// SizeByKey returns the footprint of the unit registered under key.
func (l *Layout) SizeByKey(key uint32) (uint16, error) {
	i, ok := l.index[key]
	if !ok {
		return 0, fmt.Errorf("%w: 0x%08x", ErrKeyNotFound, key)
	}
	return l.entries[i].Size, nil
}
