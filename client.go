package persistdbg

// Client receives the debugger's hook points. The fuzzing harness
// supplies one at construction; embed BaseClient to pick up no-op
// defaults for the hooks it does not care about.
//
// Hooks run on the debugger thread while the child is suspended and must
// return before the child resumes.
type Client interface {
	// OnEntrypoint runs when the child reaches its image entrypoint,
	// before the initial module enumeration is reported.
	OnEntrypoint()

	// OnModuleLoaded is reported once per module: synthetically for
	// everything already mapped when the entrypoint is reached, then for
	// every later LOAD_DLL event.
	OnModuleLoaded(base uintptr, name string)

	OnModuleUnloaded(base uintptr)

	// OnTargetMethodReached fires on the first entry into the target
	// function only.
	OnTargetMethodReached(threadID uint32)

	// OnException gives the client first refusal of every exception that
	// is not a hit on a breakpoint the debugger armed itself; breakpoint
	// exceptions at addresses the debugger never armed reach it too.
	// Returning true marks it handled and the debugger continues the
	// child without further classification.
	OnException(record *ExceptionRecord, threadID uint32) bool

	// OnCrashed is invoked once per crashing exception, before Continue
	// returns StatusCrashed.
	OnCrashed(record *ExceptionRecord)

	OnProcessExit()

	// GetTranslatedAddress maps a code address to its current location.
	// An instrumentation layer that relocates code overrides this; the
	// debugger consults it when re-arming the target breakpoint after a
	// single-shot interception.
	GetTranslatedAddress(addr uintptr) uintptr
}

// BaseClient is a Client that does nothing. Real clients embed it and
// override the hooks they need.
type BaseClient struct{}

func (BaseClient) OnEntrypoint()                                  {}
func (BaseClient) OnModuleLoaded(uintptr, string)                 {}
func (BaseClient) OnModuleUnloaded(uintptr)                       {}
func (BaseClient) OnTargetMethodReached(uint32)                   {}
func (BaseClient) OnException(*ExceptionRecord, uint32) bool      { return false }
func (BaseClient) OnCrashed(*ExceptionRecord)                     {}
func (BaseClient) OnProcessExit()                                 {}
func (BaseClient) GetTranslatedAddress(addr uintptr) uintptr      { return addr }
