//go:build amd64
// +build amd64

package persistdbg

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

const hostPtrSize = 8

const (
	_CONTEXT_AMD64 = 0x100000
	_CONTEXT_ALL   = _CONTEXT_AMD64 | 0x1 | 0x2 | 0x4 | 0x8 | 0x10

	_WOW64_CONTEXT_i386 = 0x10000
	_WOW64_CONTEXT_ALL  = _WOW64_CONTEXT_i386 | 0x1 | 0x2 | 0x4 | 0x8 | 0x10 | 0x20
)

type _M128A struct {
	Low  uint64
	High int64
}

// _CONTEXT is the amd64 Win32 CONTEXT record. GetThreadContext requires
// 16-byte alignment, hence newContext below.
type _CONTEXT struct {
	P1Home uint64
	P2Home uint64
	P3Home uint64
	P4Home uint64
	P5Home uint64
	P6Home uint64

	ContextFlags uint32
	MxCsr        uint32

	SegCs  uint16
	SegDs  uint16
	SegEs  uint16
	SegFs  uint16
	SegGs  uint16
	SegSs  uint16
	EFlags uint32

	Dr0 uint64
	Dr1 uint64
	Dr2 uint64
	Dr3 uint64
	Dr6 uint64
	Dr7 uint64

	Rax uint64
	Rcx uint64
	Rdx uint64
	Rbx uint64
	Rsp uint64
	Rbp uint64
	Rsi uint64
	Rdi uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	Rip uint64

	FltSave [512]byte

	VectorRegister [26]_M128A
	VectorControl  uint64

	DebugControl         uint64
	LastBranchToRip      uint64
	LastBranchFromRip    uint64
	LastExceptionToRip   uint64
	LastExceptionFromRip uint64
}

// newContext allocates a _CONTEXT aligned to 16 bytes.
func newContext() *_CONTEXT {
	var c *_CONTEXT
	buf := make([]byte, unsafe.Sizeof(*c)+15)
	return (*_CONTEXT)(unsafe.Pointer((uintptr(unsafe.Pointer(&buf[15]))) &^ 15))
}

type _WOW64_FLOATING_SAVE_AREA struct {
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

// _WOW64_CONTEXT is the x86 CONTEXT record used for 32-bit threads of a
// WOW64 child.
type _WOW64_CONTEXT struct {
	ContextFlags uint32

	Dr0 uint32
	Dr1 uint32
	Dr2 uint32
	Dr3 uint32
	Dr6 uint32
	Dr7 uint32

	FloatSave _WOW64_FLOATING_SAVE_AREA

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

func (n *nativeContext) IP() uintptr     { return uintptr(n.c.Rip) }
func (n *nativeContext) SetIP(v uintptr) { n.c.Rip = uint64(v) }
func (n *nativeContext) SP() uintptr     { return uintptr(n.c.Rsp) }
func (n *nativeContext) SetSP(v uintptr) { n.c.Rsp = uint64(v) }

func (n *nativeContext) Reg(r argReg) uintptr {
	switch r {
	case regCX:
		return uintptr(n.c.Rcx)
	case regDX:
		return uintptr(n.c.Rdx)
	case regR8:
		return uintptr(n.c.R8)
	default:
		return uintptr(n.c.R9)
	}
}

func (n *nativeContext) SetReg(r argReg, v uintptr) {
	switch r {
	case regCX:
		n.c.Rcx = uint64(v)
	case regDX:
		n.c.Rdx = uint64(v)
	case regR8:
		n.c.R8 = uint64(v)
	default:
		n.c.R9 = uint64(v)
	}
}

type wow64Context struct {
	c *_WOW64_CONTEXT
}

func (w *wow64Context) IP() uintptr     { return uintptr(w.c.Eip) }
func (w *wow64Context) SetIP(v uintptr) { w.c.Eip = uint32(v) }
func (w *wow64Context) SP() uintptr     { return uintptr(w.c.Esp) }
func (w *wow64Context) SetSP(v uintptr) { w.c.Esp = uint32(v) }

func (w *wow64Context) Reg(r argReg) uintptr {
	switch r {
	case regCX:
		return uintptr(w.c.Ecx)
	case regDX:
		return uintptr(w.c.Edx)
	default:
		return 0
	}
}

func (w *wow64Context) SetReg(r argReg, v uintptr) {
	switch r {
	case regCX:
		w.c.Ecx = uint32(v)
	case regDX:
		w.c.Edx = uint32(v)
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

	if b.d.wow64Target {
		c := new(_WOW64_CONTEXT)
		c.ContextFlags = _WOW64_CONTEXT_ALL
		r1, _, callErr := procWow64GetThreadContext.Call(
			uintptr(h), uintptr(unsafe.Pointer(c)))
		if r1 == 0 {
			return nil, fmt.Errorf("Wow64GetThreadContext: %w", callErr)
		}
		return &wow64Context{c: c}, nil
	}

	c := newContext()
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

	switch c := ctx.(type) {
	case *wow64Context:
		r1, _, callErr := procWow64SetThreadContext.Call(
			uintptr(h), uintptr(unsafe.Pointer(c.c)))
		if r1 == 0 {
			return fmt.Errorf("Wow64SetThreadContext: %w", callErr)
		}
	case *nativeContext:
		r1, _, callErr := procSetThreadContext.Call(
			uintptr(h), uintptr(unsafe.Pointer(c.c)))
		if r1 == 0 {
			return fmt.Errorf("SetThreadContext: %w", callErr)
		}
	default:
		return fmt.Errorf("unexpected thread context type %T", ctx)
	}
	return nil
}
