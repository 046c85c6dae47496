package persistdbg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/windows"
)

func TestApplyOptions(t *testing.T) {
	d, _, _ := newTestDebugger(nil)

	opts, err := parseOptions([]string{"-loop", "-target_module", "T.dll",
		"-target_method", "fuzz", "-nargs", "3"})
	require.NoError(t, err)
	d.applyOptions(opts)

	assert.True(t, d.loopMode)
	assert.True(t, d.targetFunctionDefined)
	assert.Equal(t, "T.dll", d.targetModule)
	assert.Equal(t, "fuzz", d.targetMethod)
	require.Len(t, d.savedArgs, 3, "savedArgs allocated iff nargs > 0")

	d2, _, _ := newTestDebugger(nil)
	opts, err = parseOptions(nil)
	require.NoError(t, err)
	d2.applyOptions(opts)
	assert.Nil(t, d2.savedArgs)
	assert.False(t, d2.targetFunctionDefined)
}

func TestContinueFastPath(t *testing.T) {
	d, _, _ := newTestDebugger(nil)
	d.loopMode = true
	d.childHandle = windows.Handle(1)
	d.dbgLastStatus = StatusTargetEnd

	// after a loop-mode TargetEnd the child is already rewound; the next
	// Continue must report TargetStart without pumping the event loop
	status := d.Continue(0)
	assert.Equal(t, StatusTargetStart, status)
	assert.Equal(t, StatusTargetStart, d.dbgLastStatus)
}

func TestContinueWithoutChild(t *testing.T) {
	d, _, _ := newTestDebugger(nil)
	assert.Equal(t, StatusProcessExit, d.Continue(0))
}

func TestKillWithoutChild(t *testing.T) {
	d, _, _ := newTestDebugger(nil)
	assert.Equal(t, StatusProcessExit, d.Kill())
}
