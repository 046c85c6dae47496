package persistdbg

type breakpointKind int

const (
	breakpointUnknown breakpointKind = iota
	breakpointEntrypoint
	breakpointTarget
)

// int3 is the software breakpoint opcode, shared by x86 and x86-64.
const int3 = 0xCC

// Breakpoint is one armed software breakpoint. The table owns the
// record until the first hit consumes it; identity is the address and
// nothing else.
type Breakpoint struct {
	address  uintptr
	original byte
	kind     breakpointKind
}

// addBreakpoint saves the byte at address, plants 0xCC over it and
// records the breakpoint. Arming the same address twice would capture
// the 0xCC as the "original" byte; callers must not do that.
func (d *Debugger) addBreakpoint(address uintptr, kind breakpointKind) {
	var orig [1]byte
	if err := d.mem.read(address, orig[:]); err != nil {
		d.log.Fatalf("Error reading target memory: %v", err)
	}
	if err := d.mem.write(address, []byte{int3}); err != nil {
		d.log.Fatalf("Error writing target memory: %v", err)
	}
	if err := d.mem.flush(address, 1); err != nil {
		d.log.Fatalf("Error flushing instruction cache: %v", err)
	}
	d.breakpoints = append(d.breakpoints, &Breakpoint{
		address:  address,
		original: orig[0],
		kind:     kind,
	})
}

// matchBreakpoint removes and returns the breakpoint armed at address,
// or nil. Each armed address matches at most once.
func (d *Debugger) matchBreakpoint(address uintptr) *Breakpoint {
	for i, bp := range d.breakpoints {
		if bp.address == address {
			d.breakpoints = append(d.breakpoints[:i], d.breakpoints[i+1:]...)
			return bp
		}
	}
	return nil
}

// handleBreakpoint consumes a breakpoint hit: the original byte goes
// back, the faulting thread's instruction pointer is stepped back over
// the already-executed INT3, and the kind-specific handler runs.
// Returns breakpointUnknown for addresses the debugger never armed
// (instrumentation may plant its own INT3s).
func (d *Debugger) handleBreakpoint(address uintptr, threadID uint32) breakpointKind {
	bp := d.matchBreakpoint(address)
	if bp == nil {
		return breakpointUnknown
	}

	if err := d.mem.write(bp.address, []byte{bp.original}); err != nil {
		d.log.Fatalf("Error writing child memory: %v", err)
	}
	if err := d.mem.flush(bp.address, 1); err != nil {
		d.log.Fatalf("Error flushing instruction cache: %v", err)
	}

	ctx, err := d.ctx.get(threadID)
	if err != nil {
		d.log.Fatalf("Error reading thread context: %v", err)
	}
	ctx.SetIP(ctx.IP() - 1)
	if err := d.ctx.set(threadID, ctx); err != nil {
		d.log.Fatalf("Error writing thread context: %v", err)
	}

	switch bp.kind {
	case breakpointEntrypoint:
		d.onEntrypoint()
	case breakpointTarget:
		d.log.Debug("Target method reached")
		d.handleTargetReached(threadID)
	}

	return bp.kind
}

// DeleteBreakpoints forgets every armed breakpoint. It does not touch
// the child: it runs when no child exists yet or the child is being torn
// down.
func (d *Debugger) DeleteBreakpoints() {
	d.breakpoints = d.breakpoints[:0]
}
