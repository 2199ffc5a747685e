package unit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashdb/durable/crc"
	"github.com/flashdb/durable/nvm"
)

// TestPlainScenario1 reproduces spec §8 end-to-end scenario 1 exactly:
// D=4, K=4, A=0, writing [0xDE,0xAD,0xBE,0xEF].
func TestPlainScenario1(t *testing.T) {
	host := nvm.NewMemHost(16)
	p, err := NewPlain(host, 0, 4, 4)
	require.NoError(t, err)

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	require.NoError(t, p.Write(payload))

	snap := host.Snapshot()
	assert.Equal(t, payload, snap[0:4])
	assert.Equal(t, crc.Keyed8(payload, 4, 0), snap[4])

	out := make([]byte, 4)
	ok, err := p.Read(out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, payload, out)
}

// TestPlainRoundTrip is property P1 for the plain unit.
func TestPlainRoundTrip(t *testing.T) {
	host := nvm.NewMemHost(16)
	p, err := NewPlain(host, 0, 4, 9)
	require.NoError(t, err)

	for _, payload := range [][]byte{
		{0, 0, 0, 0},
		{1, 2, 3, 4},
		{0xFF, 0xFF, 0xFF, 0xFF},
	} {
		require.NoError(t, p.Write(payload))
		out := make([]byte, 4)
		ok, err := p.Read(out)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, payload, out)
	}
}

// TestPlainCrcMismatchDetected verifies invariant I4: a corrupted
// CRC byte is reported as a failed read, never silently accepted.
func TestPlainCrcMismatchDetected(t *testing.T) {
	host := nvm.NewMemHost(8)
	p, err := NewPlain(host, 0, 4, 1)
	require.NoError(t, err)

	require.NoError(t, p.Write([]byte{1, 2, 3, 4}))
	host.Write(4, host.Read(4)^0x01) // flip a bit in the CRC byte

	out := make([]byte, 4)
	ok, err := p.Read(out)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPlainRejectsOversizedRecord(t *testing.T) {
	host := nvm.NewMemHost(256)
	_, err := NewPlain(host, 0, 128, 1)
	assert.ErrorIs(t, err, ErrRecordTooLarge)
}

func TestPlainRejectsWrongBufferSize(t *testing.T) {
	host := nvm.NewMemHost(8)
	p, err := NewPlain(host, 0, 4, 1)
	require.NoError(t, err)

	err = p.Write([]byte{1, 2, 3})
	assert.Error(t, err)

	_, err = p.Read(make([]byte, 5))
	assert.Error(t, err)
}
