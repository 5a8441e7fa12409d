package proc

import (
	"fmt"

	"github.com/go-delve/unwresume/pkg/proc/linutil"
)

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// MemoryReadWriter is an interface for reading or writing to
// the targets memory. This allows us to read from or write to the
// target's memory in a uniform way.
type MemoryReadWriter interface {
	MemoryReader
	WriteMemory(addr uint64, data []byte) (written int, err error)
}

// readRecord reads the s390x record v from addr.
func readRecord(mem MemoryReader, addr uint64, v interface{}, size int) error {
	buf := make([]byte, size)
	n, err := mem.ReadMemory(buf, addr)
	if err != nil {
		return err
	}
	if n != size {
		return fmt.Errorf("short read at %#x: %d of %d bytes", addr, n, size)
	}
	return linutil.DecodeS390X(buf, v)
}

// writeRecord writes the s390x record v at addr with a single write.
func writeRecord(mem MemoryReadWriter, addr uint64, v interface{}) error {
	buf, err := linutil.EncodeS390X(v)
	if err != nil {
		return err
	}
	n, err := mem.WriteMemory(addr, buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("short write at %#x: %d of %d bytes", addr, n, len(buf))
	}
	return nil
}
