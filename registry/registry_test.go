package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashdb/durable/nvm"
)

// TestRegistryScenario5 reproduces spec §8 end-to-end scenario 5: two
// records, V0=7. On first boot both load defaults and commit them;
// reopening with a matching version loads the persisted values.
func TestRegistryScenario5(t *testing.T) {
	host := nvm.NewMemHost(64)

	reg := New(host, 4, 7, nil)
	require.NoError(t, reg.Add(Spec{Key: 0x1111, DataSize: 2, Salt: 0x1111, Default: []byte{0xAA, 0xAA}}))
	require.NoError(t, reg.Add(Spec{Key: 0x2222, DataSize: 3, Salt: 0x2222, Default: []byte{0xBB, 0xBB, 0xBB}}))
	require.NoError(t, reg.Setup())

	out1 := make([]byte, 2)
	ok, err := reg.Get(0x1111, out1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte{0xAA, 0xAA}, out1)

	require.NoError(t, reg.Set(0x1111, []byte{0x01, 0x02}))
	require.NoError(t, reg.Set(0x2222, []byte{0x03, 0x04, 0x05}))

	reg2 := New(host, 4, 7, nil)
	require.NoError(t, reg2.Add(Spec{Key: 0x1111, DataSize: 2, Salt: 0x1111, Default: []byte{0xAA, 0xAA}}))
	require.NoError(t, reg2.Add(Spec{Key: 0x2222, DataSize: 3, Salt: 0x2222, Default: []byte{0xBB, 0xBB, 0xBB}}))
	require.NoError(t, reg2.Setup())

	out1 = make([]byte, 2)
	ok, err = reg2.Get(0x1111, out1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte{0x01, 0x02}, out1)

	out2 := make([]byte, 3)
	ok, err = reg2.Get(0x2222, out2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte{0x03, 0x04, 0x05}, out2)
}

// TestRegistryRejectsDuplicateKey is property P7.
func TestRegistryRejectsDuplicateKey(t *testing.T) {
	host := nvm.NewMemHost(32)
	reg := New(host, 4, 1, nil)

	require.NoError(t, reg.Add(Spec{Key: 0x1, DataSize: 1, Default: []byte{0}}))
	err := reg.Add(Spec{Key: 0x1, DataSize: 1, Default: []byte{0}})
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestRegistryRejectsOverCapacity(t *testing.T) {
	host := nvm.NewMemHost(32)
	reg := New(host, 1, 1, nil)

	require.NoError(t, reg.Add(Spec{Key: 0x1, DataSize: 1, Default: []byte{0}}))
	err := reg.Add(Spec{Key: 0x2, DataSize: 1, Default: []byte{0}})
	assert.ErrorIs(t, err, ErrRegistryFull)
}

func TestRegistryUnknownKey(t *testing.T) {
	host := nvm.NewMemHost(32)
	reg := New(host, 4, 1, nil)
	require.NoError(t, reg.Add(Spec{Key: 0x1, DataSize: 1, Default: []byte{0}}))
	require.NoError(t, reg.Setup())

	_, err := reg.Get(0x999, make([]byte, 1))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

// TestRegistryVersionFingerprintChange is property P8: changing the
// registered key set changes V, so reopening with a different set
// causes every record to reload its default.
func TestRegistryVersionFingerprintChange(t *testing.T) {
	host := nvm.NewMemHost(32)

	reg := New(host, 4, 7, nil)
	require.NoError(t, reg.Add(Spec{Key: 0x1111, DataSize: 2, Salt: 1, Default: []byte{1, 1}}))
	require.NoError(t, reg.Setup())
	require.NoError(t, reg.Set(0x1111, []byte{9, 9}))

	reg2 := New(host, 4, 7, nil)
	require.NoError(t, reg2.Add(Spec{Key: 0x1111, DataSize: 2, Salt: 1, Default: []byte{1, 1}}))
	require.NoError(t, reg2.Add(Spec{Key: 0x2222, DataSize: 1, Salt: 2, Default: []byte{7}}))
	require.NoError(t, reg2.Setup())

	out := make([]byte, 2)
	ok, err := reg2.Get(0x1111, out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte{1, 1}, out, "version mismatch must force every record back to its default")
}

// TestRegistryCommitNextPendingFairness is property P9 in spirit: N
// dirtied records are drained one at a time, in insertion order.
func TestRegistryCommitNextPendingFairness(t *testing.T) {
	host := nvm.NewMemHost(64)
	reg := New(host, 3, 1, nil)
	require.NoError(t, reg.Add(Spec{Key: 0x1, DataSize: 1, Salt: 1, Default: []byte{0}}))
	require.NoError(t, reg.Add(Spec{Key: 0x2, DataSize: 1, Salt: 2, Default: []byte{0}}))
	require.NoError(t, reg.Add(Spec{Key: 0x3, DataSize: 1, Salt: 3, Default: []byte{0}}))
	require.NoError(t, reg.Setup())

	for _, key := range []uint32{0x1, 0x2, 0x3} {
		rec, err := reg.Record(key)
		require.NoError(t, err)
		rec.Buffer()[0] = 42
		rec.MarkDirty()
	}

	var committed int
	for {
		found, err := reg.CommitNextPending()
		require.NoError(t, err)
		if !found {
			break
		}
		committed++
	}
	assert.Equal(t, 3, committed)

	found, err := reg.CommitNextPending()
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRegistryRejectsRecordTooLarge(t *testing.T) {
	host := nvm.NewMemHost(32)
	reg := New(host, 4, 1, nil)
	err := reg.Add(Spec{Key: 0x1, DataSize: 200})
	assert.ErrorIs(t, err, ErrRecordTooLarge)
}

func TestRegistryWearLevelledRecord(t *testing.T) {
	host := nvm.NewMemHost(128)
	reg := New(host, 2, 3, nil)
	require.NoError(t, reg.Add(Spec{Key: 0xAAAA, DataSize: 2, Rotations: 5, Salt: 9, Default: []byte{0, 0}}))
	require.NoError(t, reg.Setup())

	require.NoError(t, reg.Set(0xAAAA, []byte{1, 2}))
	require.NoError(t, reg.Set(0xAAAA, []byte{3, 4}))

	out := make([]byte, 2)
	ok, err := reg.Get(0xAAAA, out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte{3, 4}, out)
}
