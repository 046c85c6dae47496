package persistdbg

import (
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// The kernel reports debug events as a discriminated union; decode turns
// them into one Go value per kind so the loop can switch on type.

type exceptionEvent struct {
	record      *ExceptionRecord
	firstChance bool
}

type processCreateEvent struct {
	file      windows.Handle
	process   windows.Handle
	thread    windows.Handle
	imageBase uintptr
}

type processExitEvent struct {
	exitCode uint32
}

type threadCreateEvent struct{}

type threadExitEvent struct{}

type dllLoadEvent struct {
	file windows.Handle
	base uintptr
}

type dllUnloadEvent struct {
	base uintptr
}

type debugStringEvent struct{}

type ripEvent struct{}

func decodeDebugEvent(ev *_DEBUG_EVENT) interface{} {
	u := unsafe.Pointer(&ev.U[0])
	switch ev.DebugEventCode {
	case _EXCEPTION_DEBUG_EVENT:
		info := (*_EXCEPTION_DEBUG_INFO)(u)
		return &exceptionEvent{
			record:      &info.ExceptionRecord,
			firstChance: info.FirstChance != 0,
		}
	case _CREATE_PROCESS_DEBUG_EVENT:
		info := (*_CREATE_PROCESS_DEBUG_INFO)(u)
		return &processCreateEvent{
			file:      info.File,
			process:   info.Process,
			thread:    info.Thread,
			imageBase: info.BaseOfImage,
		}
	case _EXIT_PROCESS_DEBUG_EVENT:
		info := (*_EXIT_PROCESS_DEBUG_INFO)(u)
		return &processExitEvent{exitCode: info.ExitCode}
	case _CREATE_THREAD_DEBUG_EVENT:
		return &threadCreateEvent{}
	case _EXIT_THREAD_DEBUG_EVENT:
		return &threadExitEvent{}
	case _LOAD_DLL_DEBUG_EVENT:
		info := (*_LOAD_DLL_DEBUG_INFO)(u)
		return &dllLoadEvent{file: info.File, base: info.BaseOfDll}
	case _UNLOAD_DLL_DEBUG_EVENT:
		info := (*_UNLOAD_DLL_DEBUG_INFO)(u)
		return &dllUnloadEvent{base: info.BaseOfDll}
	case _OUTPUT_DEBUG_STRING_EVENT:
		return &debugStringEvent{}
	case _RIP_EVENT:
		return &ripEvent{}
	default:
		return nil
	}
}

// debugLoop pumps kernel debug events until one maps to a status the
// caller must see, or the deadline passes. The ContinueDebugEvent for
// the last delivered event is deferred into the next debugLoop entry so
// the caller can inspect the suspended child between Continue calls.
func (d *Debugger) debugLoop() Status {
	if d.dbgContinueNeeded {
		continueDebugEvent(d.dbgEvent.ProcessId, d.dbgEvent.ThreadId, d.dbgContinueStatus)
	}

	for {
		gotEvent := waitForDebugEvent(&d.dbgEvent, 100)
		d.dbgContinueNeeded = gotEvent

		if !d.dbgDeadline.IsZero() && time.Now().After(d.dbgDeadline) {
			return StatusHanged
		}
		if !gotEvent {
			continue
		}

		d.dbgContinueStatus = _DBG_CONTINUE

		switch ev := decodeDebugEvent(&d.dbgEvent).(type) {
		case *exceptionEvent:
			ret := d.handleException(ev.record, d.dbgEvent.ThreadId)
			if ret == StatusCrashed {
				d.client.OnCrashed(ev.record)
			}
			if ret != StatusContinue {
				return ret
			}

		case *processCreateEvent:
			d.log.Debug("Process created or attached")
			d.onProcessCreated(ev)
			if ev.file != 0 && ev.file != windows.InvalidHandle {
				windows.CloseHandle(ev.file)
			}

		case *processExitEvent:
			d.log.Debugf("Process exit, code %d", ev.exitCode)
			d.client.OnProcessExit()
			continueDebugEvent(d.dbgEvent.ProcessId, d.dbgEvent.ThreadId, d.dbgContinueStatus)
			d.dbgContinueNeeded = false
			return StatusProcessExit

		case *dllLoadEvent:
			d.handleDllLoad(ev)
			if ev.file != 0 && ev.file != windows.InvalidHandle {
				windows.CloseHandle(ev.file)
			}

		case *dllUnloadEvent:
			d.log.Debugf("Unloaded module from %#x", ev.base)
			d.client.OnModuleUnloaded(ev.base)

		case *threadCreateEvent, *threadExitEvent:
			// thread bookkeeping is the kernel's problem

		case *debugStringEvent, *ripEvent:
			d.log.Debug("Ignoring debug string / RIP event")
		}

		continueDebugEvent(d.dbgEvent.ProcessId, d.dbgEvent.ThreadId, d.dbgContinueStatus)
	}
}

// onProcessCreated handles the initial CREATE_PROCESS event. Under
// attach the loader has long finished, so the entrypoint is considered
// reached and only the bitness probe runs; under launch the entrypoint
// breakpoint goes in.
func (d *Debugger) onProcessCreated(ev *processCreateEvent) {
	if d.attachMode {
		d.childHandle = ev.process
		d.childThreadHandle = ev.thread
		d.childEntrypointReached = true
		d.probePlatform()
		return
	}

	entrypoint, err := d.moduleEntrypoint(ev.imageBase)
	if err != nil {
		d.log.Fatalf("Error parsing child image headers: %v", err)
	}
	if entrypoint == 0 {
		d.log.Fatalf("Child image has no entrypoint")
	}
	d.addBreakpoint(entrypoint, breakpointEntrypoint)
}

// handleException classifies one exception. Debugger breakpoints go
// first because instrumentation can plant INT3s on the same addresses;
// then the client gets a chance; what remains is either the sentinel
// fault marking the end of a target iteration, a crash, or noise.
func (d *Debugger) handleException(record *ExceptionRecord, threadID uint32) Status {
	if record.ExceptionCode == _EXCEPTION_BREAKPOINT ||
		record.ExceptionCode == _STATUS_WX86_BREAKPOINT {
		kind := d.handleBreakpoint(record.ExceptionAddress, threadID)
		if kind == breakpointTarget {
			return StatusTargetStart
		} else if kind != breakpointUnknown {
			return StatusContinue
		}
	}

	if d.client.OnException(record, threadID) {
		return StatusContinue
	}

	d.log.Debugf("Exception %#x at address %#x", record.ExceptionCode, record.ExceptionAddress)

	switch record.ExceptionCode {
	case _EXCEPTION_BREAKPOINT, _STATUS_WX86_BREAKPOINT:
		// a breakpoint nobody armed and nobody claimed
		d.dbgContinueStatus = _DBG_EXCEPTION_NOT_HANDLED
		return StatusContinue

	case _EXCEPTION_ACCESS_VIOLATION:
		if d.targetFunctionDefined && record.ExceptionAddress == persistEndException {
			d.log.Debug("Persistence method ended")
			d.handleTargetEnded(threadID)
			return StatusTargetEnd
		}
		d.dbgContinueStatus = _DBG_EXCEPTION_NOT_HANDLED
		return StatusCrashed

	case _EXCEPTION_ILLEGAL_INSTRUCTION,
		_EXCEPTION_PRIV_INSTRUCTION,
		_EXCEPTION_INT_DIVIDE_BY_ZERO,
		_EXCEPTION_STACK_OVERFLOW,
		_STATUS_HEAP_CORRUPTION,
		_STATUS_STACK_BUFFER_OVERRUN,
		_STATUS_FATAL_APP_EXIT:
		d.dbgContinueStatus = _DBG_EXCEPTION_NOT_HANDLED
		return StatusCrashed

	default:
		d.log.Warnf("Unhandled exception %#x", record.ExceptionCode)
		d.dbgContinueStatus = _DBG_EXCEPTION_NOT_HANDLED
		return StatusContinue
	}
}
