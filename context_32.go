//go:build 386
// +build 386

package persistdbg

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

const hostPtrSize = 4

const (
	_CONTEXT_i386 = 0x10000
	_CONTEXT_ALL  = _CONTEXT_i386 | 0x1 | 0x2 | 0x4 | 0x8 | 0x10 | 0x20
)

type _FLOATING_SAVE_AREA struct {
	ControlWord   uint32
	StatusWord    uint32
	TagWord       uint32
	ErrorOffset   uint32
	ErrorSelector uint32
	DataOffset    uint32
	DataSelector  uint32
	RegisterArea  [80]byte
	Cr0NpxState   uint32
}

// _CONTEXT is the x86 Win32 CONTEXT record. A 32-bit debugger only ever
// sees 32-bit children, so there is no WOW64 variant here.
type _CONTEXT struct {
	ContextFlags uint32

	Dr0 uint32
	Dr1 uint32
	Dr2 uint32
	Dr3 uint32
	Dr6 uint32
	Dr7 uint32

	FloatSave _FLOATING_SAVE_AREA

	SegGs uint32
	SegFs uint32
	SegEs uint32
	SegDs uint32

	Edi uint32
	Esi uint32
	Ebx uint32
	Edx uint32
	Ecx uint32
	Eax uint32

	Ebp    uint32
	Eip    uint32
	SegCs  uint32
	EFlags uint32
	Esp    uint32
	SegSs  uint32

	ExtendedRegisters [512]byte
}

type nativeContext struct {
	c *_CONTEXT
}

func (n *nativeContext) IP() uintptr     { return uintptr(n.c.Eip) }
func (n *nativeContext) SetIP(v uintptr) { n.c.Eip = uint32(v) }
func (n *nativeContext) SP() uintptr     { return uintptr(n.c.Esp) }
func (n *nativeContext) SetSP(v uintptr) { n.c.Esp = uint32(v) }

func (n *nativeContext) Reg(r argReg) uintptr {
	switch r {
	case regCX:
		return uintptr(n.c.Ecx)
	case regDX:
		return uintptr(n.c.Edx)
	default:
		return 0
	}
}

func (n *nativeContext) SetReg(r argReg, v uintptr) {
	switch r {
	case regCX:
		n.c.Ecx = uint32(v)
	case regDX:
		n.c.Edx = uint32(v)
	}
}

type osContextBridge struct {
	d *Debugger
}

func newContextBridge(d *Debugger) contextBridge {
	return osContextBridge{d: d}
}

func (b osContextBridge) get(threadID uint32) (threadContext, error) {
	h, err := windows.OpenThread(_THREAD_ALL_ACCESS, false, threadID)
	if err != nil {
		return nil, fmt.Errorf("opening thread %d: %w", threadID, err)
	}
	defer windows.CloseHandle(h)

	c := new(_CONTEXT)
	c.ContextFlags = _CONTEXT_ALL
	r1, _, callErr := procGetThreadContext.Call(
		uintptr(h), uintptr(unsafe.Pointer(c)))
	if r1 == 0 {
		return nil, fmt.Errorf("GetThreadContext: %w", callErr)
	}
	return &nativeContext{c: c}, nil
}

func (b osContextBridge) set(threadID uint32, ctx threadContext) error {
	h, err := windows.OpenThread(_THREAD_ALL_ACCESS, false, threadID)
	if err != nil {
		return fmt.Errorf("opening thread %d: %w", threadID, err)
	}
	defer windows.CloseHandle(h)

	c, ok := ctx.(*nativeContext)
	if !ok {
		return fmt.Errorf("unexpected thread context type %T", ctx)
	}
	r1, _, callErr := procSetThreadContext.Call(
		uintptr(h), uintptr(unsafe.Pointer(c.c)))
	if r1 == 0 {
		return fmt.Errorf("SetThreadContext: %w", callErr)
	}
	return nil
}
