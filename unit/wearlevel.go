package unit

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/flashdb/durable/counter"
	"github.com/flashdb/durable/crc"
	"github.com/flashdb/durable/nvm"
)

// ErrInvalidRotation is returned when a rotation count outside [2,65]
// is requested — the range the counter-width table (spec §3) covers.
var ErrInvalidRotation = errors.New("unit: rotation count out of range [2,65]")

// WearLevelled is the wear-levelled storage unit of spec §4.2: a
// bit-encoded rolling counter followed by R slots of (D data + 1 CRC)
// bytes. It collapses the four width-specific C++ variants
// (Tiny/Short/Long/LongLongWearLevelUnit) into one implementation
// parameterised by counter width, per Design Note §9.
type WearLevelled struct {
	host         nvm.Host
	address      uint16
	dataSize     uint8
	rotations    int
	counterWidth int
	key          uint32
	logger       *slog.Logger
}

// CounterWidthFor reports the on-NVM counter width C a rotation count
// R would use, without constructing a unit — useful for callers
// sizing a layout up front (supplementing the original's four
// separately-typed variants, none of which exposed this on its own).
func CounterWidthFor(rotations int) (int, error) {
	return counter.Width(rotations)
}

// NewWearLevelled constructs a wear-levelled unit at address, for
// dataSize data bytes rotated across rotations slots, salted with
// key. Construction validates the on-NVM counter region and repairs
// it in place if corrupt (spec §4.2 "Construction / repair"); that
// repair is never surfaced to the caller, only logged, per the error
// handling policy in spec §7.
func NewWearLevelled(host nvm.Host, address uint16, dataSize uint8, rotations int, key uint32, logger *slog.Logger) (*WearLevelled, error) {
	if dataSize > 127 {
		return nil, ErrRecordTooLarge
	}
	width, err := counter.Width(rotations)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRotation, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &WearLevelled{
		host:         host,
		address:      address,
		dataSize:     dataSize,
		rotations:    rotations,
		counterWidth: width,
		key:          key,
		logger:       logger,
	}
	w.repairIfInvalid()
	return w, nil
}

func (w *WearLevelled) Address() uint16 { return w.address }

func (w *WearLevelled) Size() uint16 {
	return uint16(w.counterWidth) + uint16(w.rotations)*(uint16(w.dataSize)+1)
}

func (w *WearLevelled) DataSize() uint8 { return w.dataSize }

// slotOffset returns the byte offset of slot i, relative to address,
// past the counter region.
func (w *WearLevelled) slotOffset(i int) uint16 {
	return uint16(w.counterWidth) + uint16(i)*(uint16(w.dataSize)+1)
}

func (w *WearLevelled) readCounterBytes() []byte {
	buf := make([]byte, w.counterWidth)
	for i := range buf {
		buf[i] = w.host.Read(w.address + uint16(i))
	}
	return buf
}

// currentIndex decodes the counter region, repairing it first if it
// is not a valid prefix-zeros pattern. It always returns a value in
// [0, R].
func (w *WearLevelled) currentIndex() int {
	i, ok := counter.Decode(w.readCounterBytes())
	if !ok || i > w.rotations {
		w.resetCounter()
		return 0
	}
	return i
}

// slotForCounter maps a decoded counter value to the slot it
// addresses. A write that advances the counter from i_old to
// i_old+1 physically targets slot i_old (spec §8 scenario 2: the
// first write leaves the counter at 1 but the data lands in slot 0),
// so a read must invert that: counter value 0 always addresses slot
// 0 (either nothing has ever been written, or the counter just
// wrapped and slot 0 holds the fresh write from the wrap), and any
// other counter value i addresses slot i-1.
func slotForCounter(i int) int {
	if i == 0 {
		return 0
	}
	return i - 1
}

func (w *WearLevelled) resetCounter() {
	for i := 0; i < w.counterWidth; i++ {
		w.host.ClearToOnes(w.address + uint16(i))
	}
}

// repairIfInvalid implements spec §4.2 "Construction / repair": reads
// the counter region once, and erases it back to all-ones if it isn't
// a valid prefix-zeros pattern with a decoded value in [0, R].
func (w *WearLevelled) repairIfInvalid() {
	i, ok := counter.Decode(w.readCounterBytes())
	if ok && i <= w.rotations {
		return
	}
	w.logger.Warn("wearlevel: counter region invalid, repairing",
		slog.Uint64("address", uint64(w.address)))
	w.resetCounter()
}

// Read implements spec §4.2 "Read": decode the current counter, map
// it to the slot it addresses, copy its data bytes, and validate the
// trailing CRC salted with the counter value the data was written
// under (the counter value itself, not the slot index — see
// slotForCounter).
func (w *WearLevelled) Read(out []byte) (bool, error) {
	if err := checkBufferSize(out, w.dataSize, "read"); err != nil {
		return false, err
	}
	cur := w.currentIndex()
	off := w.address + w.slotOffset(slotForCounter(cur))

	for i := range out {
		out[i] = w.host.Read(off + uint16(i))
	}
	want := w.host.Read(off + uint16(w.dataSize))
	return crc.Keyed8(out, w.key, uint8(cur)) == want, nil
}

// Write implements spec §4.2 "Write": advance (or wrap) the counter,
// then write data and CRC to the slot advanceCounter returns (the
// *pre-advance* counter value used directly as a slot index, or slot 0
// when the counter wraps), in that order, per the ordering requirement in spec §5
// ("advance counter; write data; write CRC — CRC byte last"). The
// CRC is salted with the *post-advance* counter value, matching the
// worked example in spec §8 scenario 2.
func (w *WearLevelled) Write(in []byte) error {
	if err := checkBufferSize(in, w.dataSize, "write"); err != nil {
		return err
	}

	newCounter, slot := w.advanceCounter()
	off := w.address + w.slotOffset(slot)

	for i, b := range in {
		w.host.Write(off+uint16(i), b)
	}
	w.host.Write(off+uint16(w.dataSize), crc.Keyed8(in, w.key, uint8(newCounter)))
	return nil
}

// advanceCounter implements the counter state machine of spec §4.2
// step 2: wrap back to 0 via an erase once the counter has reached R
// (the (R+1)-th distinct state, since i ranges over [0, R] — spec §8
// scenario 3 shows the counter reaching R=3 after three writes, with
// only the *fourth* write wrapping it), otherwise flip one more
// leading bit to zero via program_zero_bits. No counter byte ever
// needs an erase+write during a non-wrapping advance.
//
// It returns the new counter value and the slot this write must
// target: a non-wrapping advance writes into slot iOld directly
// (iOld ranges over [0, R-1] whenever this branch runs, which is
// exactly the valid slot index range); a wrapping advance always
// targets slot 0.
func (w *WearLevelled) advanceCounter() (newCounter, slot int) {
	iOld := w.currentIndex()
	if iOld == w.rotations {
		w.resetCounter()
		return 0, 0
	}

	newCounter = iOld + 1
	target := counter.Encode(newCounter, w.counterWidth)
	current := w.readCounterBytes()
	for b := range target {
		if target[b] != current[b] {
			w.host.ProgramZeroBits(w.address+uint16(b), target[b])
		}
	}
	return newCounter, iOld
}

// DebugCounterIndex exposes the decoded counter value for tests that
// exercise the counter state machine directly (spec P3, P5). It
// repairs an invalid counter exactly as every other operation does.
func (w *WearLevelled) DebugCounterIndex() int {
	return w.currentIndex()
}

func (w *WearLevelled) String() string {
	return fmt.Sprintf("WearLevelled{addr=%d, data=%d, rotations=%d, width=%d}",
		w.address, w.dataSize, w.rotations, w.counterWidth)
}
