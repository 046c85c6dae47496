package persistdbg

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// Hand-maintained bindings for the debugging entry points that
// golang.org/x/sys/windows does not expose.

var (
	modkernel32 = windows.NewLazySystemDLL("kernel32.dll")
	moddbghelp  = windows.NewLazySystemDLL("dbghelp.dll")

	procWaitForDebugEvent       = modkernel32.NewProc("WaitForDebugEvent")
	procContinueDebugEvent      = modkernel32.NewProc("ContinueDebugEvent")
	procDebugActiveProcess      = modkernel32.NewProc("DebugActiveProcess")
	procFlushInstructionCache   = modkernel32.NewProc("FlushInstructionCache")
	procGetThreadContext        = modkernel32.NewProc("GetThreadContext")
	procSetThreadContext        = modkernel32.NewProc("SetThreadContext")
	procWow64GetThreadContext   = modkernel32.NewProc("Wow64GetThreadContext")
	procWow64SetThreadContext   = modkernel32.NewProc("Wow64SetThreadContext")

	procSymInitialize   = moddbghelp.NewProc("SymInitialize")
	procSymCleanup      = moddbghelp.NewProc("SymCleanup")
	procSymLoadModuleEx = moddbghelp.NewProc("SymLoadModuleEx")
	procSymFromName     = moddbghelp.NewProc("SymFromName")
)

const (
	_DBG_CONTINUE              = 0x00010002
	_DBG_EXCEPTION_NOT_HANDLED = 0x80010001

	_EXCEPTION_DEBUG_EVENT      = 1
	_CREATE_THREAD_DEBUG_EVENT  = 2
	_CREATE_PROCESS_DEBUG_EVENT = 3
	_EXIT_THREAD_DEBUG_EVENT    = 4
	_EXIT_PROCESS_DEBUG_EVENT   = 5
	_LOAD_DLL_DEBUG_EVENT       = 6
	_UNLOAD_DLL_DEBUG_EVENT     = 7
	_OUTPUT_DEBUG_STRING_EVENT  = 8
	_RIP_EVENT                  = 9

	_DEBUG_PROCESS           = 0x00000001
	_DEBUG_ONLY_THIS_PROCESS = 0x00000002

	_EXCEPTION_BREAKPOINT          = 0x80000003
	_STATUS_WX86_BREAKPOINT        = 0x4000001F
	_EXCEPTION_ACCESS_VIOLATION    = 0xC0000005
	_EXCEPTION_ILLEGAL_INSTRUCTION = 0xC000001D
	_EXCEPTION_PRIV_INSTRUCTION    = 0xC0000096
	_EXCEPTION_INT_DIVIDE_BY_ZERO  = 0xC0000094
	_EXCEPTION_STACK_OVERFLOW      = 0xC00000FD
	_STATUS_HEAP_CORRUPTION        = 0xC0000374
	_STATUS_STACK_BUFFER_OVERRUN   = 0xC0000409
	_STATUS_FATAL_APP_EXIT         = 0x40000015

	_EXCEPTION_MAXIMUM_PARAMETERS = 15

	_THREAD_ALL_ACCESS = 0x001FFFFF
	_LIST_MODULES_ALL  = 0x03
	_MAX_PATH          = 260
	_MAX_SYM_NAME      = 2000
)

// ExceptionRecord mirrors the Win32 EXCEPTION_RECORD layout and is handed
// to the OnException and OnCrashed hooks as received from the kernel.
type ExceptionRecord struct {
	ExceptionCode        uint32
	ExceptionFlags       uint32
	ExceptionRecord      *ExceptionRecord
	ExceptionAddress     uintptr
	NumberParameters     uint32
	ExceptionInformation [_EXCEPTION_MAXIMUM_PARAMETERS]uintptr
}

type _EXCEPTION_DEBUG_INFO struct {
	ExceptionRecord ExceptionRecord
	FirstChance     uint32
}

type _CREATE_PROCESS_DEBUG_INFO struct {
	File                windows.Handle
	Process             windows.Handle
	Thread              windows.Handle
	BaseOfImage         uintptr
	DebugInfoFileOffset uint32
	DebugInfoSize       uint32
	ThreadLocalBase     uintptr
	StartAddress        uintptr
	ImageName           uintptr
	Unicode             uint16
}

type _CREATE_THREAD_DEBUG_INFO struct {
	Thread          windows.Handle
	ThreadLocalBase uintptr
	StartAddress    uintptr
}

type _EXIT_PROCESS_DEBUG_INFO struct {
	ExitCode uint32
}

type _LOAD_DLL_DEBUG_INFO struct {
	File                windows.Handle
	BaseOfDll           uintptr
	DebugInfoFileOffset uint32
	DebugInfoSize       uint32
	ImageName           uintptr
	Unicode             uint16
}

type _UNLOAD_DLL_DEBUG_INFO struct {
	BaseOfDll uintptr
}

type _DEBUG_EVENT struct {
	DebugEventCode uint32
	ProcessId      uint32
	ThreadId       uint32
	_              uint32 // aligns U
	U              [160]byte
}

// _SYMBOL_INFO is dbghelp's SYMBOL_INFO with the name buffer appended.
// SizeOfStruct must carry the C sizeof(SYMBOL_INFO), which includes the
// tail padding after the one-byte name placeholder.
const symbolInfoSize = 88

type _SYMBOL_INFO struct {
	SizeOfStruct uint32
	TypeIndex    uint32
	Reserved     [2]uint64
	Index        uint32
	Size         uint32
	ModBase      uint64
	Flags        uint32
	_            uint32
	Value        uint64
	Address      uint64
	Register     uint32
	Scope        uint32
	Tag          uint32
	NameLen      uint32
	MaxNameLen   uint32
	Name         [_MAX_SYM_NAME + 1]byte
}

func waitForDebugEvent(ev *_DEBUG_EVENT, milliseconds uint32) bool {
	r1, _, _ := procWaitForDebugEvent.Call(
		uintptr(unsafe.Pointer(ev)),
		uintptr(milliseconds))
	return r1 != 0
}

func continueDebugEvent(processID, threadID uint32, continueStatus uint32) error {
	r1, _, err := procContinueDebugEvent.Call(
		uintptr(processID),
		uintptr(threadID),
		uintptr(continueStatus))
	if r1 == 0 {
		return err
	}
	return nil
}

func debugActiveProcess(pid uint32) error {
	r1, _, err := procDebugActiveProcess.Call(uintptr(pid))
	if r1 == 0 {
		return err
	}
	return nil
}

func flushInstructionCache(process windows.Handle, addr uintptr, size uintptr) error {
	r1, _, err := procFlushInstructionCache.Call(
		uintptr(process), addr, size)
	if r1 == 0 {
		return err
	}
	return nil
}

func symInitialize(process windows.Handle) error {
	r1, _, err := procSymInitialize.Call(uintptr(process), 0, 0)
	if r1 == 0 {
		return err
	}
	return nil
}

func symCleanup(process windows.Handle) {
	procSymCleanup.Call(uintptr(process))
}

func symLoadModuleEx(process windows.Handle, imagePath string) (uint64, error) {
	path, err := windows.BytePtrFromString(imagePath)
	if err != nil {
		return 0, err
	}
	r1, _, callErr := procSymLoadModuleEx.Call(
		uintptr(process),
		0,
		uintptr(unsafe.Pointer(path)),
		0, 0, 0, 0, 0)
	if r1 == 0 {
		return 0, callErr
	}
	return uint64(r1), nil
}

func symFromName(process windows.Handle, name string, sym *_SYMBOL_INFO) bool {
	namep, err := windows.BytePtrFromString(name)
	if err != nil {
		return false
	}
	sym.SizeOfStruct = symbolInfoSize
	sym.MaxNameLen = _MAX_SYM_NAME
	r1, _, _ := procSymFromName.Call(
		uintptr(process),
		uintptr(unsafe.Pointer(namep)),
		uintptr(unsafe.Pointer(sym)))
	return r1 != 0
}
