package persistdbg

import (
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"
)

// loadedModules enumerates every module mapped into the child, growing
// the handle buffer until the query fits.
func (d *Debugger) loadedModules() []windows.Handle {
	size := uint32(1024 * unsafe.Sizeof(windows.Handle(0)))
	for {
		handles := make([]windows.Handle, size/uint32(unsafe.Sizeof(windows.Handle(0))))
		var needed uint32
		err := windows.EnumProcessModulesEx(d.childHandle, &handles[0], size, &needed, _LIST_MODULES_ALL)
		if err != nil {
			d.log.Fatalf("EnumProcessModules failed: %v", err)
		}
		if needed <= size {
			return handles[:needed/uint32(unsafe.Sizeof(windows.Handle(0)))]
		}
		size = needed
	}
}

// moduleBaseName returns the base name of a loaded module.
func (d *Debugger) moduleBaseName(module windows.Handle) string {
	var buf [_MAX_PATH]uint16
	err := windows.GetModuleBaseName(d.childHandle, module, &buf[0], uint32(len(buf)))
	if err != nil {
		return ""
	}
	return windows.UTF16ToString(buf[:])
}

// onEntrypoint runs when the entrypoint breakpoint is consumed: notify
// the client, then report every module already mapped. DLL load events
// arriving before this point were swallowed because most process
// queries are unreliable until the loader has finished; the enumeration
// here is their replacement.
func (d *Debugger) onEntrypoint() {
	d.client.OnEntrypoint()

	for _, module := range d.loadedModules() {
		name := d.moduleBaseName(module)
		d.log.Debugf("Loaded module %s at %#x", name, uintptr(module))
		d.handleModuleLoaded(uintptr(module), name)
	}

	d.childEntrypointReached = true
	d.log.Debug("Process entrypoint reached")
}

// handleModuleLoaded reports one module to the client and, when it is
// the module carrying the target function, resolves the target address
// and arms the breakpoint on it.
func (d *Debugger) handleModuleLoaded(base uintptr, name string) {
	if d.targetFunctionDefined && strings.EqualFold(name, d.targetModule) {
		d.targetAddress = d.resolveTargetAddress(base, name)
		if d.targetAddress == 0 {
			d.log.Fatalf("Error determining target method address")
		}
		d.addBreakpoint(d.targetAddress, breakpointTarget)
	}

	d.client.OnModuleLoaded(base, name)
}

// handleDllLoad converts a LOAD_DLL event into a module notification.
// Events before the entrypoint are dropped; those modules get reported
// by the entrypoint enumeration instead.
func (d *Debugger) handleDllLoad(ev *dllLoadEvent) {
	if !d.childEntrypointReached {
		return
	}
	name := baseNameOfHandle(ev.file)
	d.log.Debugf("Loaded module %s at %#x", name, ev.base)
	d.handleModuleLoaded(ev.base, name)
}

// baseNameOfHandle recovers a file's base name from its open handle.
func baseNameOfHandle(file windows.Handle) string {
	var buf [_MAX_PATH]uint16
	n, err := windows.GetFinalPathNameByHandle(file, &buf[0], uint32(len(buf)), 0)
	if err != nil || n == 0 {
		return ""
	}
	path := windows.UTF16ToString(buf[:])
	if i := strings.LastIndexByte(path, '\\'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// resolveTargetAddress finds the target function inside its module,
// trying the cheap ways first: a configured offset, then the export
// table, and as a last resort the debug symbols through dbghelp.
func (d *Debugger) resolveTargetAddress(base uintptr, name string) uintptr {
	if d.targetOffset != 0 {
		return base + d.targetOffset
	}

	size, err := d.moduleImageSize(base)
	if err != nil {
		d.log.Fatalf("Error reading %s headers: %v", name, err)
	}
	image := make([]byte, size)
	if err := d.mem.read(base, image); err != nil {
		d.log.Fatalf("Error reading target memory: %v", err)
	}
	if rva := peExportRVA(image, d.targetMethod); rva != 0 {
		return base + uintptr(rva)
	}

	return d.lookupSymbol(base)
}

// lookupSymbol asks dbghelp for the target method. The symbol subsystem
// is initialised and torn down around each attempt so no global dbghelp
// state outlives the resolution.
func (d *Debugger) lookupSymbol(base uintptr) uintptr {
	var buf [_MAX_PATH]uint16
	err := windows.GetModuleFileNameEx(d.childHandle, windows.Handle(base), &buf[0], uint32(len(buf)))
	if err != nil {
		return 0
	}
	modulePath := windows.UTF16ToString(buf[:])

	if err := symInitialize(d.childHandle); err != nil {
		d.log.Fatalf("SymInitialize failed: %v", err)
	}
	defer symCleanup(d.childHandle)

	symBase, err := symLoadModuleEx(d.childHandle, modulePath)
	if err != nil {
		return 0
	}

	var sym _SYMBOL_INFO
	if !symFromName(d.childHandle, d.targetMethod, &sym) {
		return 0
	}

	// cache the offset so loop re-resolution skips dbghelp entirely
	d.targetOffset = uintptr(sym.Address - symBase)
	return base + d.targetOffset
}
