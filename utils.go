package persistdbg

import (
	"fmt"
	"strconv"
	"strings"
)

// options is everything Init accepts from the harness. The single-dash
// flag vector is a wire contract shared with the fuzzer driver, scanned
// here by hand rather than through a GNU-style parser.
type options struct {
	traceDebugEvents  bool
	targetModule      string
	targetMethod      string
	targetOffset      uintptr
	numArgs           int
	callingConvention CallingConvention
	loopMode          bool
	sinkholeStds      bool
	memLimit          uint64
	cpuAffinity       uintptr
}

// getOption returns the value following name in args, or "".
func getOption(name string, args []string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == name {
			return args[i+1]
		}
	}
	return ""
}

// getBinaryOption reports whether the standalone flag name appears in
// args.
func getBinaryOption(name string, args []string) bool {
	for _, arg := range args {
		if arg == name {
			return true
		}
	}
	return false
}

func parseOptions(args []string) (*options, error) {
	opts := &options{
		callingConvention: CallConvDefault,
	}

	opts.traceDebugEvents = getBinaryOption("-trace_debug_events", args)
	opts.loopMode = getBinaryOption("-loop", args)
	opts.sinkholeStds = getBinaryOption("-sinkhole_stds", args)
	opts.targetModule = getOption("-target_module", args)
	opts.targetMethod = getOption("-target_method", args)

	if option := getOption("-nargs", args); option != "" {
		n, err := strconv.Atoi(option)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid -nargs value %q", option)
		}
		opts.numArgs = n
	}

	if option := getOption("-target_offset", args); option != "" {
		off, err := strconv.ParseUint(option, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid -target_offset value %q", option)
		}
		opts.targetOffset = uintptr(off)
	}

	if option := getOption("-mem_limit", args); option != "" {
		mb, err := strconv.ParseUint(option, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid -mem_limit value %q", option)
		}
		opts.memLimit = mb
	}

	if option := getOption("-cpu_affinity", args); option != "" {
		mask, err := strconv.ParseUint(option, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid -cpu_affinity value %q", option)
		}
		opts.cpuAffinity = uintptr(mask)
	}

	if option := getOption("-callconv", args); option != "" {
		switch option {
		case "stdcall":
			opts.callingConvention = CallConvCdecl
		case "fastcall":
			opts.callingConvention = CallConvFastcall
		case "thiscall":
			opts.callingConvention = CallConvThiscall
		case "ms64":
			opts.callingConvention = CallConvMicrosoftX64
		default:
			return nil, fmt.Errorf("unknown calling convention %q", option)
		}
	}

	targetDefined := opts.targetModule != "" || opts.targetMethod != "" || opts.targetOffset != 0
	if targetDefined {
		if opts.targetModule == "" || (opts.targetMethod == "" && opts.targetOffset == 0) {
			return nil, fmt.Errorf("target_module and either target_offset or target_method must be specified together")
		}
	}
	if opts.loopMode && !targetDefined {
		return nil, fmt.Errorf("target function needs to be defined to use the loop mode")
	}

	return opts, nil
}

// formatPointers renders captured argument values for trace output.
func formatPointers(values []uintptr) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%#x", v)
	}
	return strings.Join(parts, " ")
}
