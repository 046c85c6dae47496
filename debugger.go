package persistdbg

import (
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"
)

// Status is what Run, Attach, Continue and Kill hand back to the
// fuzzing harness.
type Status int

const (
	StatusNone Status = iota
	StatusContinue
	StatusAttached
	StatusProcessExit
	StatusTargetStart
	StatusTargetEnd
	StatusCrashed
	StatusHanged
)

func (s Status) String() string {
	switch s {
	case StatusContinue:
		return "Continue"
	case StatusAttached:
		return "Attached"
	case StatusProcessExit:
		return "ProcessExit"
	case StatusTargetStart:
		return "TargetStart"
	case StatusTargetEnd:
		return "TargetEnd"
	case StatusCrashed:
		return "Crashed"
	case StatusHanged:
		return "Hanged"
	default:
		return "None"
	}
}

// contextBridge snapshots and restores thread contexts by thread id,
// hiding the native/WOW64 split from the rest of the debugger. The OS
// implementation lives in context_64.go / context_32.go.
type contextBridge interface {
	get(threadID uint32) (threadContext, error)
	set(threadID uint32, ctx threadContext) error
}

// Debugger drives one child process under the Windows debug API and
// intercepts a configured target function so the harness can invoke it
// repeatedly without restarting the child.
type Debugger struct {
	client Client
	log    *logrus.Entry

	// configuration, immutable after Init
	targetModule      string
	targetMethod      string
	targetNumArgs     int
	callingConvention CallingConvention
	loopMode          bool
	sinkholeStds      bool
	traceDebugEvents  bool
	memLimit          uint64 // megabytes
	cpuAffinity       uintptr

	// targetOffset starts as the configured RVA and is filled in by
	// symbol resolution when it had to go through dbghelp
	targetOffset uintptr

	childHandle       windows.Handle
	childThreadHandle windows.Handle
	childPtrSize      int
	wow64Target       bool
	attachMode        bool

	targetFunctionDefined  bool
	targetReached          bool
	childEntrypointReached bool
	targetAddress          uintptr

	savedSP            uintptr
	savedReturnAddress uintptr
	savedArgs          []uintptr

	breakpoints []*Breakpoint

	mem remoteMemory
	ctx contextBridge

	devnulHandle windows.Handle

	dbgContinueNeeded bool
	dbgContinueStatus uint32
	dbgLastStatus     Status
	dbgDeadline       time.Time
	dbgEvent          _DEBUG_EVENT
}

// New returns a Debugger that reports through client. Call Init before
// Run or Attach.
func New(client Client) *Debugger {
	if client == nil {
		client = BaseClient{}
	}
	d := &Debugger{
		client:       client,
		log:          newLogEntry(),
		childPtrSize: hostPtrSize,
		devnulHandle: windows.InvalidHandle,
	}
	d.mem = childMemory{d: d}
	d.ctx = newContextBridge(d)
	return d
}

func newLogEntry() *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logger.WithField("component", "debugger")
}

// Init consumes the harness's option vector. Invalid combinations are
// fatal: there is nothing sensible to do without a reachable target.
func (d *Debugger) Init(args []string) {
	opts, err := parseOptions(args)
	if err != nil {
		d.log.Fatalf("%v", err)
	}
	d.applyOptions(opts)
}

func (d *Debugger) applyOptions(opts *options) {
	d.traceDebugEvents = opts.traceDebugEvents
	d.targetModule = opts.targetModule
	d.targetMethod = opts.targetMethod
	d.targetOffset = opts.targetOffset
	d.targetNumArgs = opts.numArgs
	d.callingConvention = opts.callingConvention
	d.loopMode = opts.loopMode
	d.sinkholeStds = opts.sinkholeStds
	d.memLimit = opts.memLimit
	d.cpuAffinity = opts.cpuAffinity
	d.targetFunctionDefined = opts.targetModule != ""

	if d.traceDebugEvents {
		d.log.Logger.SetLevel(logrus.DebugLevel)
	}
	if d.targetNumArgs > 0 {
		d.savedArgs = make([]uintptr, d.targetNumArgs)
	}
}

// Run starts cmd under the debugger and pumps events until the first
// reportable status.
func (d *Debugger) Run(cmd string, timeout time.Duration) Status {
	d.attachMode = false
	d.startProcess(cmd)
	return d.Continue(timeout)
}

// Attach live-attaches to pid and pumps events until the first
// reportable status.
func (d *Debugger) Attach(pid uint32, timeout time.Duration) Status {
	d.attachMode = true

	if err := debugActiveProcess(pid); err != nil {
		d.log.Fatalf("Could not attach to the process: %v. "+
			"Make sure the process exists and you have permissions to debug it.", err)
	}

	d.dbgLastStatus = StatusAttached
	return d.Continue(timeout)
}

// Continue resumes the child after Run, Attach or a previous Continue
// and blocks until the next reportable status or the timeout.
func (d *Debugger) Continue(timeout time.Duration) Status {
	if d.childHandle == 0 && d.dbgLastStatus != StatusAttached {
		return StatusProcessExit
	}

	if d.loopMode && d.dbgLastStatus == StatusTargetEnd {
		// the child was already rewound onto the target by the return
		// protocol; skipping the loop saves a breakpoint round-trip
		d.dbgLastStatus = StatusTargetStart
		return d.dbgLastStatus
	}

	d.dbgDeadline = time.Now().Add(timeout)
	d.dbgLastStatus = d.debugLoop()

	if d.dbgLastStatus == StatusProcessExit {
		windows.CloseHandle(d.childHandle)
		windows.CloseHandle(d.childThreadHandle)
		d.childHandle = 0
		d.childThreadHandle = 0
	}

	return d.dbgLastStatus
}

// Kill terminates the child (if still alive) and drains its remaining
// debug events. Anything other than a clean process exit out of the
// drain means debugger and child have lost sync.
func (d *Debugger) Kill() Status {
	if d.childHandle == 0 {
		return StatusProcessExit
	}

	windows.TerminateProcess(d.childHandle, 0)

	// no deadline while killing
	d.dbgDeadline = time.Time{}

	d.dbgLastStatus = d.debugLoop()
	if d.dbgLastStatus != StatusProcessExit {
		d.log.Fatalf("Error killing target process")
	}

	windows.CloseHandle(d.childHandle)
	windows.CloseHandle(d.childThreadHandle)
	d.childHandle = 0
	d.childThreadHandle = 0

	// drop any breakpoints that were never hit
	d.DeleteBreakpoints()

	return d.dbgLastStatus
}

// startProcess launches cmd with this debugger attached to it alone
// (grandchildren are not debugged), applying the configured stdio
// sinkhole and job-object limits.
func (d *Debugger) startProcess(cmd string) {
	d.dbgContinueNeeded = false

	d.DeleteBreakpoints()

	if d.sinkholeStds && d.devnulHandle == windows.InvalidHandle {
		d.openNulDevice()
	}

	si := new(windows.StartupInfo)
	si.Cb = uint32(unsafe.Sizeof(*si))
	pi := new(windows.ProcessInformation)

	inheritHandles := true
	if d.sinkholeStds {
		si.StdOutput = d.devnulHandle
		si.StdErr = d.devnulHandle
		si.Flags |= windows.STARTF_USESTDHANDLES
	} else {
		inheritHandles = false
	}

	var job windows.Handle
	if d.memLimit != 0 || d.cpuAffinity != 0 {
		job = d.createJobObject()
	}

	cmdline, err := windows.UTF16PtrFromString(cmd)
	if err != nil {
		d.log.Fatalf("Bad command line: %v", err)
	}
	err = windows.CreateProcess(nil, cmdline, nil, nil, inheritHandles,
		_DEBUG_PROCESS|_DEBUG_ONLY_THIS_PROCESS, nil, nil, si, pi)
	if err != nil {
		d.log.Fatalf("CreateProcess failed: %v", err)
	}

	d.childHandle = pi.Process
	d.childThreadHandle = pi.Thread
	d.childEntrypointReached = false
	d.targetReached = false

	if job != 0 {
		if err := windows.AssignProcessToJobObject(job, d.childHandle); err != nil {
			d.log.Fatalf("AssignProcessToJobObject failed: %v", err)
		}
	}

	d.probePlatform()
}

func (d *Debugger) openNulDevice() {
	name, _ := windows.UTF16PtrFromString("nul")
	h, err := windows.CreateFile(name,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil, windows.OPEN_EXISTING, 0, 0)
	if err != nil {
		d.log.Fatalf("Unable to open the nul device: %v", err)
	}
	d.devnulHandle = h
}

// createJobObject builds a job enforcing the configured memory cap and
// CPU affinity; the child is assigned to it right after creation.
func (d *Debugger) createJobObject() windows.Handle {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		d.log.Fatalf("CreateJobObject failed: %v", err)
	}

	var limits windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION
	if d.memLimit != 0 {
		limits.BasicLimitInformation.LimitFlags |= windows.JOB_OBJECT_LIMIT_PROCESS_MEMORY
		limits.ProcessMemoryLimit = uintptr(d.memLimit * 1024 * 1024)
	}
	if d.cpuAffinity != 0 {
		limits.BasicLimitInformation.LimitFlags |= windows.JOB_OBJECT_LIMIT_AFFINITY
		limits.BasicLimitInformation.Affinity = d.cpuAffinity
	}

	_, err = windows.SetInformationJobObject(job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&limits)),
		uint32(unsafe.Sizeof(limits)))
	if err != nil {
		d.log.Fatalf("SetInformationJobObject failed: %v", err)
	}
	return job
}

// probePlatform detects the child's bitness, fixes the pointer size and
// coerces the default calling convention for 32-bit targets. A 64-bit
// child seen from a 32-bit debugger is rejected here, before any
// breakpoint is armed.
func (d *Debugger) probePlatform() {
	var wow64Child bool
	if err := windows.IsWow64Process(d.childHandle, &wow64Child); err != nil {
		d.log.Fatalf("IsWow64Process failed: %v", err)
	}

	d.childPtrSize = 8
	if wow64Child {
		d.wow64Target = true
		d.childPtrSize = 4
		if d.callingConvention == CallConvDefault {
			d.callingConvention = CallConvCdecl
		}
	}

	var wow64Self bool
	if err := windows.IsWow64Process(windows.CurrentProcess(), &wow64Self); err != nil {
		d.log.Fatalf("IsWow64Process failed: %v", err)
	}
	if hostPtrSize == 4 {
		if wow64Self && !wow64Child {
			d.log.Fatalf("64-bit build is needed to run 64-bit targets")
		}
		// 32-bit host, 32-bit target
		d.childPtrSize = 4
		if d.callingConvention == CallConvDefault {
			d.callingConvention = CallConvCdecl
		}
	}
	if d.childPtrSize > hostPtrSize {
		d.log.Fatalf("64-bit build is needed to run 64-bit targets")
	}
}
