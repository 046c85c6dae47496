package persistdbg

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/windows"
)

// remoteMemory is the debugger's window into the child's address space.
// The production implementation wraps Read/WriteProcessMemory; tests use
// an in-memory fake.
type remoteMemory interface {
	read(addr uintptr, buf []byte) error
	write(addr uintptr, data []byte) error
	flush(addr uintptr, size uintptr) error
}

// childMemory accesses the child through its process handle. A short
// read or write is reported as an error: the debugger has no way to
// resynchronise with a child it can only partially see.
type childMemory struct {
	d *Debugger
}

func (m childMemory) read(addr uintptr, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	var n uintptr
	err := windows.ReadProcessMemory(m.d.childHandle, addr, &buf[0], uintptr(len(buf)), &n)
	if err != nil {
		return fmt.Errorf("reading %d bytes at %#x: %w", len(buf), addr, err)
	}
	if n != uintptr(len(buf)) {
		return fmt.Errorf("short read at %#x: %d of %d bytes", addr, n, len(buf))
	}
	return nil
}

func (m childMemory) write(addr uintptr, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var n uintptr
	err := windows.WriteProcessMemory(m.d.childHandle, addr, &data[0], uintptr(len(data)), &n)
	if err != nil {
		return fmt.Errorf("writing %d bytes at %#x: %w", len(data), addr, err)
	}
	if n != uintptr(len(data)) {
		return fmt.Errorf("short write at %#x: %d of %d bytes", addr, n, len(data))
	}
	return nil
}

func (m childMemory) flush(addr uintptr, size uintptr) error {
	return flushInstructionCache(m.d.childHandle, addr, size)
}

// readPointer reads one child-pointer-sized word, zero-extended.
func (d *Debugger) readPointer(addr uintptr) (uintptr, error) {
	buf := make([]byte, d.childPtrSize)
	if err := d.mem.read(addr, buf); err != nil {
		return 0, err
	}
	if d.childPtrSize == 4 {
		return uintptr(binary.LittleEndian.Uint32(buf)), nil
	}
	return uintptr(binary.LittleEndian.Uint64(buf)), nil
}

// writePointer writes one child-pointer-sized word, truncating for
// 32-bit targets.
func (d *Debugger) writePointer(addr uintptr, value uintptr) error {
	buf := make([]byte, d.childPtrSize)
	if d.childPtrSize == 4 {
		binary.LittleEndian.PutUint32(buf, uint32(value))
	} else {
		binary.LittleEndian.PutUint64(buf, uint64(value))
	}
	return d.mem.write(addr, buf)
}

// readStack reads numItems pointer-sized slots starting at stackAddr.
// For WOW64 targets each slot is 4 bytes on the wire and is widened into
// the host-sized result.
func (d *Debugger) readStack(stackAddr uintptr, numItems int) ([]uintptr, error) {
	buf := make([]byte, numItems*d.childPtrSize)
	if err := d.mem.read(stackAddr, buf); err != nil {
		return nil, err
	}
	out := make([]uintptr, numItems)
	for i := 0; i < numItems; i++ {
		if d.childPtrSize == 4 {
			out[i] = uintptr(binary.LittleEndian.Uint32(buf[i*4:]))
		} else {
			out[i] = uintptr(binary.LittleEndian.Uint64(buf[i*8:]))
		}
	}
	return out, nil
}

// writeStack is the inverse of readStack, narrowing each value to the
// child's pointer width.
func (d *Debugger) writeStack(stackAddr uintptr, values []uintptr) error {
	buf := make([]byte, len(values)*d.childPtrSize)
	for i, v := range values {
		if d.childPtrSize == 4 {
			binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
		} else {
			binary.LittleEndian.PutUint64(buf[i*8:], uint64(v))
		}
	}
	return d.mem.write(stackAddr, buf)
}
