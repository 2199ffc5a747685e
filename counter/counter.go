// Package counter implements the bit-encoded rolling counter that lives
// at the head of every wear-levelled storage unit (spec §3 "Counter
// encoding").
//
// The counter region encodes an integer i in [0, R] as i leading zero
// bits followed by 8*C - i one bits, read big-endian across the C
// counter bytes. Advancing i turns exactly one more one-bit into a
// zero bit, which the NVM can do with program_zero_bits and no erase
// cycle; only a full wrap back to i=0 needs an erase.
//
// This collapses the four width-specific variants the original source
// carries (Tiny/Short/Long/LongLong WearLevelUnit, one per counter
// width) into a single implementation parameterised by width, per the
// "deep inheritance" design note.
package counter

import "fmt"

// Width returns the counter byte width C for a rotation count R, per
// the table in spec §3. Valid R is [2, 65]; the boundary values
// (9/10, 17/18, 33/34) are fixed points of the on-NVM format and must
// never change, or previously persisted counters become unreadable.
func Width(r int) (int, error) {
	switch {
	case r < 2 || r > 65:
		return 0, fmt.Errorf("counter: rotation count %d out of range [2,65]", r)
	case r <= 9:
		return 1, nil
	case r <= 17:
		return 2, nil
	case r <= 33:
		return 4, nil
	default: // r <= 65
		return 8, nil
	}
}

// Encode returns the C-byte big-endian prefix-zeros pattern for index
// i, where 0 <= i <= 8*width. Callers only ever pass i in [0, R] with
// R <= 8*width, so the result always fits.
func Encode(i, width int) []byte {
	buf := make([]byte, width)
	for b := range buf {
		buf[b] = 0xFF
	}

	fullZeroBytes := i / 8
	rem := i % 8

	for b := 0; b < fullZeroBytes && b < width; b++ {
		buf[b] = 0x00
	}
	if rem > 0 && fullZeroBytes < width {
		buf[fullZeroBytes] = 0xFF >> uint(rem)
	}
	return buf
}

// Decode reports the index encoded by buf and whether buf is a valid
// prefix-zeros pattern. An invalid pattern (ok == false) means the
// counter region was torn or garbled and must be repaired by the
// caller (clear_to_ones), per spec §4.2 "Construction / repair".
func Decode(buf []byte) (i int, ok bool) {
	width := len(buf)
	b := 0
	for b < width && buf[b] == 0x00 {
		i += 8
		b++
	}
	if b == width {
		return i, true
	}

	v := buf[b]
	k := 0
	for k < 8 && v&(0x80>>uint(k)) == 0 {
		k++
	}
	expected := byte(0xFF >> uint(k))
	if v != expected {
		return 0, false
	}
	i += k
	b++

	for ; b < width; b++ {
		if buf[b] != 0xFF {
			return 0, false
		}
	}
	return i, true
}
