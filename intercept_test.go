package persistdbg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopModeMs64FiveArgs(t *testing.T) {
	cl := &recordingClient{}
	d, mem, bridge := newTestDebugger(cl)
	d.loopMode = true
	d.targetFunctionDefined = true
	d.callingConvention = CallConvMicrosoftX64
	d.targetNumArgs = 5
	d.savedArgs = make([]uintptr, 5)
	d.targetAddress = 0x401000

	const (
		sp       = uintptr(0x200000)
		retAddr  = uintptr(0x77001234)
		threadID = uint32(3)
	)
	ctx := &fakeContext{ip: 0x401000, sp: sp}
	ctx.regs[regCX] = 1
	ctx.regs[regDX] = 2
	ctx.regs[regR8] = 3
	ctx.regs[regR9] = 4
	bridge.contexts[threadID] = ctx
	mem.putPointer(sp, retAddr, 8)
	mem.putPointer(sp+5*8, 5, 8) // fifth arg, above the shadow space

	d.handleTargetReached(threadID)

	assert.Equal(t, []uintptr{1, 2, 3, 4, 5}, d.savedArgs)
	assert.Equal(t, sp, d.savedSP)
	assert.Equal(t, retAddr, d.savedReturnAddress)
	assert.Equal(t, uintptr(persistEndException), mem.pointerAt(sp, 8))
	assert.Equal(t, []uint32{threadID}, cl.reachedThreads)

	// second entry must not re-fire the reached hook
	d.handleTargetReached(threadID)
	assert.Len(t, cl.reachedThreads, 1)

	// the target ran: registers and stack are trash, SP moved
	ctx.ip = uintptr(persistEndException)
	ctx.sp = sp - 0x80
	ctx.regs = [4]uintptr{0xdead, 0xbeef, 0xcafe, 0xf00d}
	mem.putPointer(sp, 0xBADBAD, 8)
	mem.putPointer(sp+5*8, 0xBADBAD, 8)

	d.handleTargetEnded(threadID)

	assert.Equal(t, uintptr(0x401000), ctx.ip, "rewound onto the target")
	assert.Equal(t, sp, ctx.sp)
	assert.Equal(t, uintptr(1), ctx.regs[regCX])
	assert.Equal(t, uintptr(2), ctx.regs[regDX])
	assert.Equal(t, uintptr(3), ctx.regs[regR8])
	assert.Equal(t, uintptr(4), ctx.regs[regR9])
	assert.Equal(t, uintptr(5), mem.pointerAt(sp+5*8, 8))
	assert.Equal(t, uintptr(persistEndException), mem.pointerAt(sp, 8), "sentinel replanted")
	assert.Equal(t, 1, bridge.setCalls, "context written back once")
	assert.Empty(t, d.breakpoints, "loop mode never re-arms the breakpoint")
}

func TestLoopMode32bitFastcallThreeArgs(t *testing.T) {
	d, mem, bridge := newTestDebugger(nil)
	d.loopMode = true
	d.targetFunctionDefined = true
	d.callingConvention = CallConvFastcall
	d.childPtrSize = 4
	d.targetNumArgs = 3
	d.savedArgs = make([]uintptr, 3)
	d.targetAddress = 0x10001000

	const (
		sp       = uintptr(0x30000)
		threadID = uint32(9)
	)
	ctx := &fakeContext{ip: 0x10001000, sp: sp}
	ctx.regs[regCX] = 10
	ctx.regs[regDX] = 20
	bridge.contexts[threadID] = ctx
	mem.putPointer(sp, 0x401234, 4)
	mem.putPointer(sp+4, 30, 4) // third arg spills to the stack

	d.handleTargetReached(threadID)
	assert.Equal(t, []uintptr{10, 20, 30}, d.savedArgs)
	assert.Equal(t, uintptr(persistEndException), mem.pointerAt(sp, 4))

	ctx.regs = [4]uintptr{0xAAAA, 0xBBBB, 0, 0}
	ctx.sp = sp - 16
	mem.putPointer(sp+4, 0xCCCC, 4)

	d.handleTargetEnded(threadID)
	assert.Equal(t, uintptr(0x10001000), ctx.ip)
	assert.Equal(t, sp, ctx.sp)
	assert.Equal(t, uintptr(10), ctx.regs[regCX])
	assert.Equal(t, uintptr(20), ctx.regs[regDX])
	assert.Equal(t, uintptr(30), mem.pointerAt(sp+4, 4))
}

func TestLoopModeRepeatedIterationsPreserveArgs(t *testing.T) {
	d, mem, bridge := newTestDebugger(nil)
	d.loopMode = true
	d.targetFunctionDefined = true
	d.callingConvention = CallConvCdecl
	d.targetNumArgs = 2
	d.savedArgs = make([]uintptr, 2)
	d.targetAddress = 0x401000

	const sp = uintptr(0x500000)
	ctx := &fakeContext{ip: 0x401000, sp: sp}
	bridge.contexts[1] = ctx
	mem.putPointer(sp, 0x400500, 8)
	mem.putPointer(sp+8, 111, 8)
	mem.putPointer(sp+16, 222, 8)

	d.handleTargetReached(1)

	for i := 0; i < 10; i++ {
		ctx.sp = sp - uintptr(0x40*(i+1))
		mem.putPointer(sp+8, 0, 8)
		mem.putPointer(sp+16, 0, 8)
		d.handleTargetEnded(1)

		assert.Equal(t, sp, ctx.sp)
		assert.Equal(t, uintptr(111), mem.pointerAt(sp+8, 8))
		assert.Equal(t, uintptr(222), mem.pointerAt(sp+16, 8))

		d.handleTargetReached(1)
		assert.Equal(t, []uintptr{111, 222}, d.savedArgs)
	}
}

func TestSingleShotReturnsToCaller(t *testing.T) {
	cl := &recordingClient{translate: func(addr uintptr) uintptr { return addr + 0x100 }}
	d, mem, bridge := newTestDebugger(cl)
	d.targetFunctionDefined = true
	d.targetAddress = 0x401000

	const (
		sp      = uintptr(0x200000)
		retAddr = uintptr(0x77005678)
	)
	ctx := &fakeContext{ip: 0x401000, sp: sp}
	bridge.contexts[1] = ctx
	mem.putPointer(sp, retAddr, 8)
	mem.data[0x401100] = 0x42 // byte at the translated target

	d.handleTargetReached(1)
	require.Empty(t, d.breakpoints, "no re-arm before the forced return")

	d.handleTargetEnded(1)

	assert.Equal(t, retAddr, ctx.ip, "caller resumes normally")
	require.Len(t, d.breakpoints, 1)
	assert.Equal(t, uintptr(0x401100), d.breakpoints[0].address,
		"re-armed at the translated address")
	assert.Equal(t, byte(0x42), d.breakpoints[0].original)
	assert.Equal(t, byte(int3), mem.data[0x401100])
}

func TestSentinelValue(t *testing.T) {
	// the forged return address is ABI between the entry and return
	// protocols; pin it
	assert.Equal(t, 0x0F22, persistEndException)
}

func TestHandleExceptionSentinelFault(t *testing.T) {
	d, mem, bridge := newTestDebugger(nil)
	d.loopMode = true
	d.targetFunctionDefined = true
	d.targetAddress = 0x401000

	const sp = uintptr(0x600000)
	ctx := &fakeContext{ip: persistEndException, sp: sp - 8}
	bridge.contexts[4] = ctx
	d.savedSP = sp
	mem.putPointer(sp, 0, 8)

	record := &ExceptionRecord{
		ExceptionCode:    _EXCEPTION_ACCESS_VIOLATION,
		ExceptionAddress: persistEndException,
	}
	status := d.handleException(record, 4)
	assert.Equal(t, StatusTargetEnd, status)
	assert.Equal(t, uintptr(0x401000), ctx.ip)
}

func TestHandleExceptionCrash(t *testing.T) {
	d, _, _ := newTestDebugger(nil)
	d.targetFunctionDefined = true

	for _, code := range []uint32{
		_EXCEPTION_ACCESS_VIOLATION,
		_EXCEPTION_ILLEGAL_INSTRUCTION,
		_EXCEPTION_PRIV_INSTRUCTION,
		_EXCEPTION_INT_DIVIDE_BY_ZERO,
		_EXCEPTION_STACK_OVERFLOW,
		_STATUS_HEAP_CORRUPTION,
		_STATUS_STACK_BUFFER_OVERRUN,
		_STATUS_FATAL_APP_EXIT,
	} {
		record := &ExceptionRecord{ExceptionCode: code, ExceptionAddress: 0xDEAD0000}
		status := d.handleException(record, 1)
		assert.Equal(t, StatusCrashed, status, "code %#x", code)
		assert.Equal(t, uint32(_DBG_EXCEPTION_NOT_HANDLED), d.dbgContinueStatus,
			"the fault must be delivered back to the child")
	}
}

func TestHandleExceptionClientClaims(t *testing.T) {
	claimer := &claimingClient{}
	d, _, _ := newTestDebugger(claimer)

	record := &ExceptionRecord{ExceptionCode: _EXCEPTION_ACCESS_VIOLATION, ExceptionAddress: 0x1234}
	status := d.handleException(record, 1)
	assert.Equal(t, StatusContinue, status)
	assert.Equal(t, 1, claimer.asked)
}

type claimingClient struct {
	BaseClient
	asked int
}

func (c *claimingClient) OnException(*ExceptionRecord, uint32) bool {
	c.asked++
	return true
}
