package persistdbg

// persistEndException is the forged return address planted over the
// caller's return slot on target entry. It is never a mapped address,
// so the target's return faults with an access violation whose exception
// address equals this value, signalling that one iteration finished.
const persistEndException = 0x0F22

// handleTargetReached runs the entry half of the interception protocol:
// save the stack pointer and return address, capture the call arguments
// in loop mode, and weaponise the return slot with the sentinel.
func (d *Debugger) handleTargetReached(threadID uint32) {
	ctx, err := d.ctx.get(threadID)
	if err != nil {
		d.log.Fatalf("Error reading thread context: %v", err)
	}

	// the call pushed the return address and the prologue has not run,
	// so the return slot is the top of stack
	d.savedSP = ctx.SP()
	d.savedReturnAddress, err = d.readPointer(d.savedSP)
	if err != nil {
		d.log.Fatalf("Error reading return address: %v", err)
	}

	if d.loopMode {
		if err := d.captureArgs(ctx); err != nil {
			d.log.Fatalf("Error capturing target arguments: %v", err)
		}
		if d.traceDebugEvents {
			if d.targetNumArgs > 0 {
				d.log.Debugf("Captured args: %s", formatPointers(d.savedArgs))
			}
			stack := make([]byte, 0x30)
			if err := d.mem.read(d.savedSP, stack); err == nil {
				d.log.Debugf("Stack at %#x:\n%s", d.savedSP, Dump(stack))
			}
		}
	}

	if err := d.writePointer(d.savedSP, persistEndException); err != nil {
		d.log.Fatalf("Error writing sentinel return address: %v", err)
	}

	if !d.targetReached {
		d.targetReached = true
		d.client.OnTargetMethodReached(threadID)
	}
}

// handleTargetEnded runs the return half: in loop mode the thread is
// rewound onto the function with its original stack pointer and
// arguments, in single-shot mode it is sent back to the real caller and
// the breakpoint is re-armed at the (possibly relocated) target.
func (d *Debugger) handleTargetEnded(threadID uint32) {
	ctx, err := d.ctx.get(threadID)
	if err != nil {
		d.log.Fatalf("Error reading thread context: %v", err)
	}

	if d.loopMode {
		ctx.SetIP(d.targetAddress)
		ctx.SetSP(d.savedSP)

		// instrumentation may have clobbered the sentinel while the
		// target ran; plant it again
		if err := d.writePointer(d.savedSP, persistEndException); err != nil {
			d.log.Fatalf("Error writing sentinel return address: %v", err)
		}

		if err := d.restoreArgs(ctx); err != nil {
			d.log.Fatalf("Error restoring target arguments: %v", err)
		}
	} else {
		ctx.SetIP(d.savedReturnAddress)

		// the target code may have been relocated by instrumentation
		// since the first hit
		d.addBreakpoint(d.client.GetTranslatedAddress(d.targetAddress), breakpointTarget)
	}

	if err := d.ctx.set(threadID, ctx); err != nil {
		d.log.Fatalf("Error writing thread context: %v", err)
	}
}

// captureArgs snapshots the first targetNumArgs argument values
// according to the calling convention and target bitness.
func (d *Debugger) captureArgs(ctx threadContext) error {
	if d.targetNumArgs == 0 {
		return nil
	}
	locs, err := argLocations(d.callingConvention, d.childPtrSize, d.targetNumArgs)
	if err != nil {
		return err
	}
	for i, loc := range locs {
		if loc.inReg {
			d.savedArgs[i] = ctx.Reg(loc.reg)
		}
	}
	if firstArg, firstSlot, ok := stackArgSpan(locs); ok {
		vals, err := d.readStack(ctx.SP()+uintptr(firstSlot*d.childPtrSize), d.targetNumArgs-firstArg)
		if err != nil {
			return err
		}
		copy(d.savedArgs[firstArg:], vals)
	}
	return nil
}

// restoreArgs writes the captured argument values back into the same
// locations captureArgs read them from.
func (d *Debugger) restoreArgs(ctx threadContext) error {
	if d.targetNumArgs == 0 {
		return nil
	}
	locs, err := argLocations(d.callingConvention, d.childPtrSize, d.targetNumArgs)
	if err != nil {
		return err
	}
	for i, loc := range locs {
		if loc.inReg {
			ctx.SetReg(loc.reg, d.savedArgs[i])
		}
	}
	if firstArg, firstSlot, ok := stackArgSpan(locs); ok {
		err := d.writeStack(ctx.SP()+uintptr(firstSlot*d.childPtrSize), d.savedArgs[firstArg:])
		if err != nil {
			return err
		}
	}
	return nil
}
