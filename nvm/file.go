package nvm

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	atomicfile "github.com/natefinch/atomic"
)

// FileHost is an NVM host backed by a single flat image file on a
// real filesystem. It exists for development and integration testing
// on a desktop machine where there is no real EEPROM to back
// MemHost's in-process simulation across restarts — the use case
// calvinalkan-agent-task's internal/fs/real.go and
// internal/ticket/cache.go solve for arbitrary file persistence, here
// specialised to one fixed-size binary image.
//
// Every mutating call rewrites the whole image via
// github.com/natefinch/atomic, which writes to a temp file and
// renames it into place, so a process kill mid-write can never leave
// a torn image on disk — the same property AtomicWriter in the
// reference repo provides for its JSON ticket cache, just applied to
// a raw byte image instead of structured data.
type FileHost struct {
	mtx     sync.Mutex
	path    string
	data    []byte
	lastErr error
}

// OpenFileHost loads the image at path, creating one of size filled
// with 0xFF (erased-flash state) if it does not yet exist.
func OpenFileHost(path string, size uint16) (*FileHost, error) {
	h := &FileHost{path: path}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(raw) != int(size) {
			return nil, fmt.Errorf("nvm: image %q has size %d, want %d", path, len(raw), size)
		}
		h.data = raw
	case os.IsNotExist(err):
		h.data = make([]byte, size)
		for i := range h.data {
			h.data[i] = 0xFF
		}
		if err := h.flushLocked(); err != nil {
			return nil, fmt.Errorf("nvm: initialise image %q: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("nvm: read image %q: %w", path, err)
	}
	return h, nil
}

func (h *FileHost) flushLocked() error {
	return atomicfile.WriteFile(h.path, bytes.NewReader(h.data))
}

func (h *FileHost) Size() uint16 { return uint16(len(h.data)) }

func (h *FileHost) Read(addr uint16) byte {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.data[addr]
}

func (h *FileHost) Write(addr uint16, b byte) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.data[addr] = b
	h.lastErr = h.flushLocked()
}

func (h *FileHost) ClearToOnes(addr uint16) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.data[addr] = 0xFF
	h.lastErr = h.flushLocked()
}

func (h *FileHost) ProgramZeroBits(addr uint16, mask byte) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.data[addr] &= mask
	h.lastErr = h.flushLocked()
}

// LastFlushError returns the error from the most recent attempt to
// persist the image to disk, or nil. The Host interface's write
// primitives don't return errors (spec §6 defines them as void, to
// match the fire-and-forget EEPROM register writes they abstract), so
// a caller that needs to know whether persistence is actually
// succeeding polls this instead.
func (h *FileHost) LastFlushError() error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.lastErr
}
