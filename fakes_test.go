package persistdbg

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"
)

// fakeMemory is a sparse byte-addressed child address space. Unwritten
// bytes read back as zero.
type fakeMemory struct {
	data    map[uintptr]byte
	flushed []uintptr
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{data: make(map[uintptr]byte)}
}

func (m *fakeMemory) read(addr uintptr, buf []byte) error {
	for i := range buf {
		buf[i] = m.data[addr+uintptr(i)]
	}
	return nil
}

func (m *fakeMemory) write(addr uintptr, data []byte) error {
	for i, b := range data {
		m.data[addr+uintptr(i)] = b
	}
	return nil
}

func (m *fakeMemory) flush(addr uintptr, size uintptr) error {
	m.flushed = append(m.flushed, addr)
	return nil
}

func (m *fakeMemory) putPointer(addr uintptr, value uintptr, ptrSize int) {
	buf := make([]byte, ptrSize)
	if ptrSize == 4 {
		binary.LittleEndian.PutUint32(buf, uint32(value))
	} else {
		binary.LittleEndian.PutUint64(buf, uint64(value))
	}
	m.write(addr, buf)
}

func (m *fakeMemory) pointerAt(addr uintptr, ptrSize int) uintptr {
	buf := make([]byte, ptrSize)
	m.read(addr, buf)
	if ptrSize == 4 {
		return uintptr(binary.LittleEndian.Uint32(buf))
	}
	return uintptr(binary.LittleEndian.Uint64(buf))
}

// fakeContext is a threadContext detached from any OS thread.
type fakeContext struct {
	ip   uintptr
	sp   uintptr
	regs [4]uintptr
}

func (c *fakeContext) IP() uintptr                { return c.ip }
func (c *fakeContext) SetIP(v uintptr)            { c.ip = v }
func (c *fakeContext) SP() uintptr                { return c.sp }
func (c *fakeContext) SetSP(v uintptr)            { c.sp = v }
func (c *fakeContext) Reg(r argReg) uintptr       { return c.regs[r] }
func (c *fakeContext) SetReg(r argReg, v uintptr) { c.regs[r] = v }

// fakeBridge hands out the same context object for a thread id, so a
// "set" is visible through the shared pointer.
type fakeBridge struct {
	contexts map[uint32]*fakeContext
	setCalls int
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{contexts: make(map[uint32]*fakeContext)}
}

func (b *fakeBridge) get(threadID uint32) (threadContext, error) {
	c, ok := b.contexts[threadID]
	if !ok {
		c = &fakeContext{}
		b.contexts[threadID] = c
	}
	return c, nil
}

func (b *fakeBridge) set(threadID uint32, ctx threadContext) error {
	b.setCalls++
	b.contexts[threadID] = ctx.(*fakeContext)
	return nil
}

// recordingClient captures hook invocations.
type recordingClient struct {
	BaseClient
	reachedThreads []uint32
	crashes        []*ExceptionRecord
	translate      func(uintptr) uintptr
}

func (c *recordingClient) OnTargetMethodReached(threadID uint32) {
	c.reachedThreads = append(c.reachedThreads, threadID)
}

func (c *recordingClient) OnCrashed(record *ExceptionRecord) {
	c.crashes = append(c.crashes, record)
}

func (c *recordingClient) GetTranslatedAddress(addr uintptr) uintptr {
	if c.translate != nil {
		return c.translate(addr)
	}
	return addr
}

// newTestDebugger wires a Debugger to fakes. Tests adjust pointer size,
// convention and mode on the returned struct directly.
func newTestDebugger(client Client) (*Debugger, *fakeMemory, *fakeBridge) {
	if client == nil {
		client = BaseClient{}
	}
	mem := newFakeMemory()
	bridge := newFakeBridge()
	d := &Debugger{
		client:       client,
		log:          newLogEntry(),
		childPtrSize: 8,
		mem:          mem,
		ctx:          bridge,
	}
	d.log.Logger.SetLevel(logrus.ErrorLevel)
	return d, mem, bridge
}
