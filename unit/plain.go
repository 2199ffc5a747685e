package unit

import (
	"github.com/flashdb/durable/crc"
	"github.com/flashdb/durable/nvm"
)

// Plain is the single-slot storage unit of spec §4.1: one fixed-size
// byte array plus a trailing CRC byte, no rotation. It is the special
// case R=1, C=0 of WearLevelled (invariant I5), implemented directly
// rather than as WearLevelled{R:1} so it carries none of the counter
// bookkeeping overhead — exactly the relationship ShortWearLevelUnit
// vs StorageUnit has in the original source.
type Plain struct {
	host    nvm.Host
	address uint16
	size    uint8
	key     uint32
}

// NewPlain constructs a Plain unit at address, holding size data
// bytes, salted with key. Footprint is size+1 bytes (spec §4.1).
func NewPlain(host nvm.Host, address uint16, size uint8, key uint32) (*Plain, error) {
	if size > 127 {
		return nil, ErrRecordTooLarge
	}
	return &Plain{host: host, address: address, size: size, key: key}, nil
}

func (p *Plain) Address() uint16 { return p.address }
func (p *Plain) Size() uint16    { return uint16(p.size) + 1 }
func (p *Plain) DataSize() uint8 { return p.size }

// Read copies the D data bytes into out and reports whether they
// match the trailing CRC byte (spec §4.1 read).
func (p *Plain) Read(out []byte) (bool, error) {
	if err := checkBufferSize(out, p.size, "read"); err != nil {
		return false, err
	}
	for i := range out {
		out[i] = p.host.Read(p.address + uint16(i))
	}
	want := p.host.Read(p.address + uint16(p.size))
	return crc.Keyed8(out, p.key, 0) == want, nil
}

// Write persists in and its CRC. There is no torn-write protection
// beyond the CRC itself — a crash mid-write is reported as a failed
// Read by the next reader (spec §4.1).
func (p *Plain) Write(in []byte) error {
	if err := checkBufferSize(in, p.size, "write"); err != nil {
		return err
	}
	for i, b := range in {
		p.host.Write(p.address+uint16(i), b)
	}
	p.host.Write(p.address+uint16(p.size), crc.Keyed8(in, p.key, 0))
	return nil
}
